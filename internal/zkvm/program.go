// program.go - Compiling the transfer circuit and managing its Groth16 keys.

package zkvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"github.com/zkledger/transferproof/internal/transactions/transfer"
)

// Curve is the curve every program is compiled and proven over.
const Curve = ecc.BN254

var ErrInvalidShape = errors.New("invalid program shape")

// Shape fixes the number of accounts and transfers one segment proof covers.
type Shape struct {
	Accounts  uint32 `json:"accounts"`
	Transfers uint32 `json:"transfers"`
}

func (s Shape) Validate() error {
	if s.Accounts == 0 || s.Transfers == 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidShape, s.Accounts, s.Transfers)
	}
	return nil
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%d", s.Accounts, s.Transfers)
}

func (s Shape) bytes() []byte {
	b := binary.BigEndian.AppendUint32(nil, s.Accounts)
	return binary.BigEndian.AppendUint32(b, s.Transfers)
}

func (s Shape) circuit() *transfer.Circuit {
	return transfer.NewCircuit(int(s.Accounts), int(s.Transfers))
}

// Program is a compiled transfer circuit with its proving and verifying keys.
type Program struct {
	shape Shape
	ccs   constraint.ConstraintSystem
	pk    groth16.ProvingKey
	vk    *VerifyingKey
}

func (p *Program) Shape() Shape { return p.shape }

func (p *Program) ID() ProgramID { return p.vk.ID() }

func (p *Program) VerifyingKey() *VerifyingKey { return p.vk }

// Compile builds the constraint system for shape.
func Compile(shape Shape) (constraint.ConstraintSystem, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	ccs, err := frontend.Compile(Curve.ScalarField(), r1cs.NewBuilder, shape.circuit())
	if err != nil {
		return nil, fmt.Errorf("circuit compilation failed: %w", err)
	}
	return ccs, nil
}

// Setup compiles the circuit and runs a fresh Groth16 setup.
func Setup(shape Shape) (*Program, error) {
	ccs, err := Compile(shape)
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup failed: %w", err)
	}
	key, err := newVerifyingKey(shape, vk)
	if err != nil {
		return nil, err
	}
	return &Program{shape: shape, ccs: ccs, pk: pk, vk: key}, nil
}

// LoadOrSetup loads keys for shape from dir, or generates and saves them if
// either key is missing.
func LoadOrSetup(shape Shape, dir string) (*Program, error) {
	pkPath, vkPath := KeyPaths(dir, shape)

	pk, pkErr := loadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		if vk.Shape() != shape {
			return nil, fmt.Errorf("%w: verifying key is for %s, want %s", ErrInvalidShape, vk.Shape(), shape)
		}
		ccs, err := Compile(shape)
		if err != nil {
			return nil, err
		}
		return &Program{shape: shape, ccs: ccs, pk: pk, vk: vk}, nil
	}

	p, err := Setup(shape)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := saveProvingKey(pkPath, p.pk); err != nil {
		return nil, err
	}
	if err := SaveVerifyingKey(vkPath, p.vk); err != nil {
		return nil, err
	}
	return p, nil
}

// KeyPaths returns the proving and verifying key file paths for shape in dir.
func KeyPaths(dir string, shape Shape) (pkPath, vkPath string) {
	base := filepath.Join(dir, "transfer-"+shape.String())
	return base + ".pk", base + ".vk"
}

func saveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return err
}

func loadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(Curve)
	_, err = pk.ReadFrom(f)
	return pk, err
}

// VerifyingKey is a Groth16 verifying key bound to the shape it was set up for.
type VerifyingKey struct {
	shape Shape
	vk    groth16.VerifyingKey
	id    ProgramID
}

func newVerifyingKey(shape Shape, vk groth16.VerifyingKey) (*VerifyingKey, error) {
	var buf bytes.Buffer
	if _, err := vk.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("verifying key serialization failed: %w", err)
	}
	return &VerifyingKey{shape: shape, vk: vk, id: computeID(shape, buf.Bytes())}, nil
}

func (k *VerifyingKey) Shape() Shape { return k.shape }

// ID is the identity of the program this key verifies.
func (k *VerifyingKey) ID() ProgramID { return k.id }

// WriteTo writes the shape header followed by the serialized key.
func (k *VerifyingKey) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(k.shape.bytes())
	if err != nil {
		return int64(n), err
	}
	m, err := k.vk.WriteTo(w)
	return int64(n) + m, err
}

// ReadVerifyingKey reads a key written by WriteTo.
func ReadVerifyingKey(r io.Reader) (*VerifyingKey, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("verifying key header: %w", err)
	}
	shape := Shape{
		Accounts:  binary.BigEndian.Uint32(header[:4]),
		Transfers: binary.BigEndian.Uint32(header[4:]),
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	vk := groth16.NewVerifyingKey(Curve)
	if _, err := vk.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("verifying key: %w", err)
	}
	return newVerifyingKey(shape, vk)
}

// SaveVerifyingKey writes k to path.
func SaveVerifyingKey(path string, k *VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = k.WriteTo(f)
	return err
}

// LoadVerifyingKey reads a key saved with SaveVerifyingKey.
func LoadVerifyingKey(path string) (*VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadVerifyingKey(f)
}
