package types

import (
	"encoding/hex"
	"fmt"
)

// BatchID identifies an admitted batch by the digest of its signed contents.
type BatchID [32]byte

func ParseBatchID(s string) (BatchID, error) {
	var id BatchID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid batch id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid batch id: expected %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id BatchID) String() string {
	return hex.EncodeToString(id[:])
}

func (id BatchID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *BatchID) UnmarshalText(text []byte) error {
	parsed, err := ParseBatchID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// BatchState is the position of a batch in its lifecycle:
// Collected -> SignaturesVerified -> Proven -> Submitted -> Verified | Rejected.
// A batch may be Rejected from any non-terminal state.
type BatchState uint8

const (
	StateCollected BatchState = iota
	StateSignaturesVerified
	StateProven
	StateSubmitted
	StateVerified
	StateRejected
)

var stateNames = [...]string{
	StateCollected:          "collected",
	StateSignaturesVerified: "signatures_verified",
	StateProven:             "proven",
	StateSubmitted:          "submitted",
	StateVerified:           "verified",
	StateRejected:           "rejected",
}

func (s BatchState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Terminal reports whether no further transitions are possible.
func (s BatchState) Terminal() bool {
	return s == StateVerified || s == StateRejected
}

// CanTransition reports whether s may move to next.
func (s BatchState) CanTransition(next BatchState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateRejected {
		return true
	}
	return next == s+1
}

func (s BatchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BatchState) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = BatchState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown batch state %q", text)
}
