// executor.go - Native execution and trace segmentation.

package zkvm

import (
	"errors"
	"fmt"

	"github.com/zkledger/transferproof/internal/transactions/transfer"
	"github.com/zkledger/transferproof/internal/types"
	"lukechampine.com/uint128"
)

var (
	// ErrExecutionFailed is returned when the program aborts. No receipt is
	// produced; the batch has to be repaired and resubmitted as a whole.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrShapeExceeded is returned when a batch touches more accounts than one
	// segment can hold.
	ErrShapeExceeded = errors.New("batch exceeds program shape")
)

// SegmentTrace is one slice of an execution: the state it starts from, the
// transfers it applies and the state it ends in.
type SegmentTrace struct {
	Index     uint32
	Pre       []uint128.Uint128
	Post      []uint128.Uint128
	Transfers []types.IndexedTransfer
}

// Trace is the result of a successful execution.
type Trace struct {
	Journal  transfer.Journal
	Segments []SegmentTrace
}

// Executor runs the transfer program over encoded inputs.
type Executor struct {
	shape Shape
}

func NewExecutor(shape Shape) *Executor {
	return &Executor{shape: shape}
}

// Execute decodes input, runs the program and splits the trace into segments
// of at most shape.Transfers transfers. An empty transfer list still yields a
// single segment so every receipt carries at least one proof.
func (e *Executor) Execute(input []byte) (*Trace, error) {
	in, err := DecodeInput(input)
	if err != nil {
		return nil, err
	}
	if uint64(len(in.Balances)) > uint64(e.shape.Accounts) {
		return nil, fmt.Errorf("%w: %d accounts, shape %s", ErrShapeExceeded, len(in.Balances), e.shape)
	}

	journal, err := transfer.Run(in.Balances, in.Transfers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}

	trace := &Trace{Journal: journal}
	state := append([]uint128.Uint128(nil), in.Balances...)
	size := int(e.shape.Transfers)
	for start := 0; start == 0 || start < len(in.Transfers); start += size {
		end := min(start+size, len(in.Transfers))
		seg := SegmentTrace{
			Index:     uint32(len(trace.Segments)),
			Pre:       append([]uint128.Uint128(nil), state...),
			Transfers: in.Transfers[start:end],
		}
		for _, t := range seg.Transfers {
			// Run has already accepted the whole list.
			if err := transfer.Apply(state, t); err != nil {
				return nil, fmt.Errorf("%w: segment %d: %w", ErrExecutionFailed, seg.Index, err)
			}
		}
		seg.Post = append([]uint128.Uint128(nil), state...)
		trace.Segments = append(trace.Segments, seg)
	}
	return trace, nil
}
