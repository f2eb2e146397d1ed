// receipt.go - Execution receipts, segment seals and verification.

package zkvm

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/fxamacker/cbor/v2"

	"github.com/zkledger/transferproof/internal/transactions/transfer"
	"github.com/zkledger/transferproof/internal/types"
	"lukechampine.com/uint128"
)

var (
	ErrVerification     = errors.New("receipt verification failed")
	ErrIdentityMismatch = fmt.Errorf("%w: program identity mismatch", ErrVerification)
)

// Segment pairs a proof seal with its position in the trace.
type Segment struct {
	Seal  []byte `cbor:"1,keyasint" json:"seal"`
	Index uint32 `cbor:"2,keyasint" json:"index"`
}

// Receipt is the output of proving one execution.
type Receipt struct {
	Segments []Segment `cbor:"1,keyasint" json:"segments"`
	Journal  []byte    `cbor:"2,keyasint" json:"journal"`
}

// seal is the CBOR content of Segment.Seal: the state a segment ends in and
// the Groth16 proof that it follows from the previous one.
type seal struct {
	Post  [][]byte `cbor:"1,keyasint"`
	Proof []byte   `cbor:"2,keyasint"`
}

func encodeSeal(post []uint128.Uint128, proof groth16.Proof) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("proof marshaling failed: %w", err)
	}
	s := seal{Post: make([][]byte, len(post)), Proof: buf.Bytes()}
	for i, v := range post {
		b := types.AmountBytes(v)
		s.Post[i] = b[:]
	}
	return cbor.Marshal(s)
}

func decodeSeal(b []byte) ([]uint128.Uint128, groth16.Proof, error) {
	var s seal
	if err := cbor.Unmarshal(b, &s); err != nil {
		return nil, nil, err
	}
	post := make([]uint128.Uint128, len(s.Post))
	for i, raw := range s.Post {
		v, err := types.AmountFromBytes(raw)
		if err != nil {
			return nil, nil, err
		}
		post[i] = v
	}
	proof := groth16.NewProof(Curve)
	if _, err := proof.ReadFrom(bytes.NewReader(s.Proof)); err != nil {
		return nil, nil, fmt.Errorf("proof unmarshaling failed: %w", err)
	}
	return post, proof, nil
}

// Verify checks the receipt against key, which must belong to the pinned
// program, and returns the decoded journal.
//
// Steps:
//  1. Compare the key identity with the pinned identity
//  2. Decode the journal
//  3. Check segment indices are 0..n-1 in order
//  4. Verify each segment proof, chaining journal.Old through every seal's
//     post state, with the last one equal to journal.New
func (r *Receipt) Verify(key *VerifyingKey, pinned ProgramID) (transfer.Journal, error) {
	// Step 1: identity
	if key.ID() != pinned {
		return transfer.Journal{}, fmt.Errorf("%w: key %s, pinned %s", ErrIdentityMismatch, key.ID(), pinned)
	}

	// Step 2: journal
	journal, err := DecodeJournal(r.Journal)
	if err != nil {
		return transfer.Journal{}, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if uint64(len(journal.Old)) > uint64(key.shape.Accounts) {
		return transfer.Journal{}, fmt.Errorf("%w: journal has %d accounts, shape %s", ErrVerification, len(journal.Old), key.shape)
	}

	// Step 3: segment ordering
	if len(r.Segments) == 0 {
		return transfer.Journal{}, fmt.Errorf("%w: receipt has no segments", ErrVerification)
	}
	for i, seg := range r.Segments {
		if seg.Index != uint32(i) {
			return transfer.Journal{}, fmt.Errorf("%w: segment %d has index %d", ErrVerification, i, seg.Index)
		}
	}

	// Step 4: proofs
	pre := journal.Old
	for _, seg := range r.Segments {
		post, proof, err := decodeSeal(seg.Seal)
		if err != nil {
			return transfer.Journal{}, fmt.Errorf("%w: segment %d: %w", ErrVerification, seg.Index, err)
		}
		if len(post) != len(pre) {
			return transfer.Journal{}, fmt.Errorf("%w: segment %d has %d balances, want %d", ErrVerification, seg.Index, len(post), len(pre))
		}
		if err := key.verifySegment(proof, pre, post); err != nil {
			return transfer.Journal{}, fmt.Errorf("%w: segment %d: %w", ErrVerification, seg.Index, err)
		}
		pre = post
	}
	for i := range pre {
		if !pre[i].Equals(journal.New[i]) {
			return transfer.Journal{}, fmt.Errorf("%w: final state differs from journal at account %d", ErrVerification, i)
		}
	}
	return journal, nil
}

func (k *VerifyingKey) verifySegment(proof groth16.Proof, pre, post []uint128.Uint128) error {
	assignment, err := transfer.BuildPublicWitness(int(k.shape.Accounts), int(k.shape.Transfers), pre, post)
	if err != nil {
		return err
	}
	w, err := frontend.NewWitness(assignment, Curve.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("public witness creation failed: %w", err)
	}
	return groth16.Verify(proof, k.vk, w)
}
