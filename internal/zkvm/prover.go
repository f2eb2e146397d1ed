// prover.go - Groth16 proving of execution traces.

package zkvm

import (
	"errors"
	"fmt"
	"time"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/rs/zerolog"

	"github.com/zkledger/transferproof/internal/transactions/transfer"
)

// ErrProving marks failures of the proving machinery itself, as opposed to
// the program rejecting its input.
var ErrProving = errors.New("proving failed")

// Prover executes inputs and proves the resulting traces.
type Prover struct {
	program  *Program
	executor *Executor
	logger   zerolog.Logger
}

func NewProver(program *Program, logger zerolog.Logger) *Prover {
	return &Prover{
		program:  program,
		executor: NewExecutor(program.shape),
		logger:   logger.With().Str("program", program.ID().String()).Logger(),
	}
}

func (p *Prover) Program() *Program { return p.program }

// Prove runs input through the program and returns a receipt. Execution
// aborts are reported as ErrExecutionFailed; anything that goes wrong after a
// successful execution wraps ErrProving.
func (p *Prover) Prove(input []byte) (*Receipt, error) {
	trace, err := p.executor.Execute(input)
	if err != nil {
		return nil, err
	}

	journal, err := EncodeJournal(trace.Journal)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProving, err)
	}
	receipt := &Receipt{Journal: journal, Segments: make([]Segment, 0, len(trace.Segments))}

	for _, seg := range trace.Segments {
		start := time.Now()
		sealBytes, err := p.proveSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d: %w", ErrProving, seg.Index, err)
		}
		p.logger.Debug().
			Uint32("segment", seg.Index).
			Int("transfers", len(seg.Transfers)).
			Dur("elapsed", time.Since(start)).
			Msg("segment proven")
		receipt.Segments = append(receipt.Segments, Segment{Seal: sealBytes, Index: seg.Index})
	}
	return receipt, nil
}

func (p *Prover) proveSegment(seg SegmentTrace) ([]byte, error) {
	shape := p.program.shape
	assignment, err := transfer.BuildWitness(int(shape.Accounts), int(shape.Transfers), seg.Pre, seg.Post, seg.Transfers)
	if err != nil {
		return nil, err
	}
	w, err := frontend.NewWitness(assignment, Curve.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}
	proof, err := groth16.Prove(p.program.ccs, p.program.pk, w)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}
	return encodeSeal(seg.Post, proof)
}
