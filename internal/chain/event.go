package chain

import (
	"context"
	"time"

	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
)

// EventVerificationSuccess is emitted once a batch has been verified and committed.
const EventVerificationSuccess = "VerificationSuccess"

// Event describes a committed batch.
type Event struct {
	Kind     string          `json:"kind"`
	Program  zkvm.ProgramID  `json:"program"`
	Accounts []types.Account `json:"accounts"`
	// Digest is the blake2b-256 of the journal.
	Digest    types.BatchID `json:"digest"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventSink receives events after the ledger commit. Sink errors never undo a
// commit.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event) error

func (f EventSinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}
