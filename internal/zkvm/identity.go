package zkvm

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var ErrInvalidProgramID = errors.New("invalid program id")

// ProgramID identifies one exact compiled program: blake2b-256 over the shape
// header and the serialized verifying key, as eight little-endian words.
type ProgramID [8]uint32

func computeID(shape Shape, vk []byte) ProgramID {
	h, _ := blake2b.New256(nil)
	h.Write(shape.bytes())
	h.Write(vk)
	return programIDFromBytes(h.Sum(nil))
}

func programIDFromBytes(b []byte) ProgramID {
	var id ProgramID
	for i := range id {
		id[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return id
}

// Bytes returns the 32-byte digest.
func (id ProgramID) Bytes() []byte {
	b := make([]byte, 0, 32)
	for _, w := range id {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

func (id ProgramID) IsZero() bool {
	return id == ProgramID{}
}

func (id ProgramID) String() string {
	return hex.EncodeToString(id.Bytes())
}

// ParseProgramID decodes the hex form produced by String.
func ParseProgramID(s string) (ProgramID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ProgramID{}, fmt.Errorf("%w: %v", ErrInvalidProgramID, err)
	}
	if len(b) != 32 {
		return ProgramID{}, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidProgramID, len(b))
	}
	return programIDFromBytes(b), nil
}

func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ParseProgramID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
