// service.go - Batch coordinator.
//
// A batch moves Collected -> SignaturesVerified -> Proven -> Submitted and
// ends Verified or Rejected. The coordinator holds the account locks of a
// batch from the balance lookup until the submission result is known, so two
// batches touching the same account never prove against the same balances.

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zkledger/transferproof/internal/accounts"
	"github.com/zkledger/transferproof/internal/admission"
	"github.com/zkledger/transferproof/internal/chain"
	"github.com/zkledger/transferproof/internal/metrics"
	"github.com/zkledger/transferproof/internal/pipeline"
	"github.com/zkledger/transferproof/internal/store"
	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
	"lukechampine.com/uint128"
)

var (
	ErrDuplicateBatch = errors.New("batch already submitted")
	ErrUnknownBatch   = errors.New("unknown batch")
	ErrStopped        = errors.New("service stopped")
	ErrRateLimited    = errors.New("sender rate limit exceeded")
	// ErrInterrupted marks batches that stopped before a receipt was stored.
	ErrInterrupted = errors.New("batch interrupted before proving finished")
)

// Prover produces receipts; *pipeline.Pipeline implements it.
type Prover interface {
	Prove(ctx context.Context, balances []uint128.Uint128, transfers []types.IndexedTransfer) (*zkvm.Receipt, error)
}

// Submitter delivers a submission to the ledger's verification entry point
// and reports its result; *chain.Verifier and the p2p ledger client implement it.
type Submitter interface {
	Submit(ctx context.Context, sub chain.Submission) error
}

// Throttle charges the senders of an admitted batch. It is consulted only after
// every signature has been verified, so nobody can spend another sender's
// allowance.
type Throttle interface {
	AllowBatch(requests []types.TransferRequest) bool
}

type Deps struct {
	Admission *admission.Verifier
	Balances  accounts.BalanceLookup
	Prover    Prover
	Submitter Submitter
	Records   *store.Records
	Locks     *pipeline.AccountLocks
	// Throttle is optional.
	Throttle Throttle
	Program  zkvm.ProgramID
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Result is the outcome of a verified batch.
type Result struct {
	ID       types.BatchID
	Balances []accounts.Balance
}

type Service struct {
	Deps

	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

func New(deps Deps) *Service {
	if deps.Locks == nil {
		deps.Locks = pipeline.NewAccountLocks(true)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{Deps: deps, ctx: ctx, cancel: cancel, now: time.Now}
}

// Process runs a batch through every stage and returns once the ledger has
// accepted or refused it.
func (s *Service) Process(ctx context.Context, requests []types.TransferRequest) (*Result, error) {
	batch, err := s.admit(requests)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, batch)
}

// Enqueue admits a batch synchronously and proves and submits it in the
// background. Progress is available through Status.
func (s *Service) Enqueue(requests []types.TransferRequest) (types.BatchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return types.BatchID{}, ErrStopped
	}

	batch, err := s.admit(requests)
	if err != nil {
		return types.BatchID{}, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.run(s.ctx, batch); err != nil {
			s.Logger.Debug().Err(err).Str("batch", batch.ID().String()).Msg("background batch failed")
		}
	}()
	return batch.ID(), nil
}

// Status returns the last recorded state of a batch.
func (s *Service) Status(id types.BatchID) (store.StatusRecord, error) {
	rec, err := s.Records.GetStatus(id)
	if store.IsNotFound(err) {
		return rec, fmt.Errorf("%w: %s", ErrUnknownBatch, id)
	}
	return rec, err
}

// Stop refuses new batches and waits for background batches. Batches still
// waiting for account locks or a prover are abandoned.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Resume settles batches a previous run left unfinished. Batches with a stored
// receipt (Proven or Submitted) are submitted again, unless the ledger already
// holds their new balances, in which case they are recorded Verified. Batches
// stopped earlier have nothing to resubmit and are rejected. It returns the
// number of batches settled.
func (s *Service) Resume(ctx context.Context) (int, error) {
	statuses, err := s.Records.Statuses()
	if err != nil {
		return 0, err
	}

	pending := make([]types.BatchID, 0, len(statuses))
	for id, status := range statuses {
		if !status.State.Terminal() {
			pending = append(pending, id)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return statuses[pending[i]].UpdatedAt.Before(statuses[pending[j]].UpdatedAt)
	})

	settled := 0
	for _, id := range pending {
		status := statuses[id]
		logger := s.Logger.With().Str("batch", id.String()).Str("state", status.State.String()).Logger()
		if status.State < types.StateProven {
			if err := s.record(id, types.StateRejected, status.Transfers, ErrInterrupted); err != nil {
				return settled, err
			}
			logger.Warn().Msg("interrupted batch rejected")
			settled++
			continue
		}

		if err := s.resubmit(ctx, id, status); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return settled, err
			}
			s.Metrics.RecordRejected(rejectReason(err), false)
			if recErr := s.record(id, types.StateRejected, status.Transfers, err); recErr != nil {
				return settled, recErr
			}
			logger.Warn().Err(err).Msg("resumed batch rejected")
		} else {
			logger.Info().Msg("resumed batch verified")
		}
		settled++
	}
	return settled, nil
}

func (s *Service) resubmit(ctx context.Context, id types.BatchID, status store.StatusRecord) error {
	rec, err := s.Records.GetReceipt(id)
	if err != nil {
		return fmt.Errorf("load receipt: %w", err)
	}
	if rec.Program != s.Program {
		return fmt.Errorf("%w: receipt proven by %s, now running %s", zkvm.ErrIdentityMismatch, rec.Program, s.Program)
	}
	journal, err := zkvm.DecodeJournal(rec.Receipt.Journal)
	if err != nil {
		return err
	}
	balances, err := accounts.Decode(rec.Accounts, journal.Old, journal.New)
	if err != nil {
		return err
	}

	release, err := s.Locks.Acquire(ctx, rec.Accounts)
	if err != nil {
		return err
	}
	defer release()

	committed, err := s.alreadyCommitted(ctx, balances)
	if err != nil {
		return err
	}
	if status.State == types.StateProven {
		if err := s.record(id, types.StateSubmitted, status.Transfers, nil); err != nil {
			return err
		}
	}
	if !committed {
		if err := s.Submitter.Submit(context.WithoutCancel(ctx), chain.NewSubmission(rec.Accounts, &rec.Receipt)); err != nil {
			return err
		}
	}
	return s.record(id, types.StateVerified, status.Transfers, nil)
}

// alreadyCommitted reports whether the ledger shows the batch's new balances
// and they differ from the old ones.
func (s *Service) alreadyCommitted(ctx context.Context, balances []accounts.Balance) (bool, error) {
	moved := false
	for _, b := range balances {
		current, err := s.Balances.Balance(ctx, b.Account)
		if err != nil {
			return false, err
		}
		if current != b.New {
			return false, nil
		}
		if b.New != b.Old {
			moved = true
		}
	}
	return moved, nil
}

func (s *Service) admit(requests []types.TransferRequest) (*admission.Batch, error) {
	batch, err := s.Admission.Admit(requests)
	if err != nil {
		s.Metrics.RecordRejected(admission.Reason(err), false)
		return nil, err
	}

	id := batch.ID()
	if _, err := s.Records.GetStatus(id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBatch, id)
	} else if !store.IsNotFound(err) {
		return nil, err
	}
	if s.Throttle != nil && !s.Throttle.AllowBatch(batch.Requests()) {
		s.Metrics.RecordRejected("rate_limited", false)
		return nil, fmt.Errorf("%w: batch %s", ErrRateLimited, id)
	}

	if err := s.record(id, types.StateCollected, batch.Len(), nil); err != nil {
		return nil, err
	}
	if err := s.record(id, types.StateSignaturesVerified, batch.Len(), nil); err != nil {
		return nil, err
	}
	s.Metrics.RecordAdmitted(batch.Len())
	return batch, nil
}

func (s *Service) run(ctx context.Context, batch *admission.Batch) (*Result, error) {
	id := batch.ID()
	logger := s.Logger.With().Str("batch", id.String()).Logger()

	result, err := s.prove(ctx, logger, batch)
	if err != nil {
		s.Metrics.RecordRejected(rejectReason(err), true)
		if recErr := s.record(id, types.StateRejected, batch.Len(), err); recErr != nil {
			logger.Error().Err(recErr).Msg("failed to record rejection")
		}
		logger.Warn().Err(err).Msg("batch rejected")
		return nil, err
	}

	s.Metrics.RecordVerified()
	logger.Info().Int("accounts", len(result.Balances)).Msg("batch verified")
	return result, nil
}

func (s *Service) prove(ctx context.Context, logger zerolog.Logger, batch *admission.Batch) (*Result, error) {
	id := batch.ID()
	requests := batch.Requests()

	accountList, _ := accounts.Index(requests)
	release, err := s.Locks.Acquire(ctx, accountList)
	if err != nil {
		return nil, err
	}
	defer release()

	encoded, err := accounts.Encode(ctx, s.Balances, requests)
	if err != nil {
		return nil, err
	}

	receipt, err := s.Prover.Prove(ctx, encoded.Balances, encoded.Transfers)
	if err != nil {
		return nil, err
	}
	rec := store.ReceiptRecord{Program: s.Program, Accounts: encoded.Accounts, Receipt: *receipt}
	if err := s.Records.PutReceipt(id, rec); err != nil {
		return nil, err
	}
	if err := s.record(id, types.StateProven, batch.Len(), nil); err != nil {
		return nil, err
	}
	logger.Debug().Int("segments", len(receipt.Segments)).Msg("receipt stored")

	if err := s.record(id, types.StateSubmitted, batch.Len(), nil); err != nil {
		return nil, err
	}
	// Once submitted the outcome must be observed, whatever happens to ctx.
	if err := s.Submitter.Submit(context.WithoutCancel(ctx), chain.NewSubmission(encoded.Accounts, receipt)); err != nil {
		return nil, err
	}

	journal, err := zkvm.DecodeJournal(receipt.Journal)
	if err != nil {
		return nil, err
	}
	balances, err := accounts.Decode(encoded.Accounts, journal.Old, journal.New)
	if err != nil {
		return nil, err
	}
	if err := s.record(id, types.StateVerified, batch.Len(), nil); err != nil {
		return nil, err
	}
	return &Result{ID: id, Balances: balances}, nil
}

func (s *Service) record(id types.BatchID, state types.BatchState, transfers int, cause error) error {
	if prev, err := s.Records.GetStatus(id); err == nil {
		if !prev.State.CanTransition(state) {
			return fmt.Errorf("batch %s: illegal transition %s -> %s", id, prev.State, state)
		}
	} else if !store.IsNotFound(err) {
		return err
	}

	rec := store.StatusRecord{State: state, Transfers: transfers, UpdatedAt: s.now().UTC()}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return s.Records.PutStatus(id, rec)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, zkvm.ErrExecutionFailed):
		return "execution_failed"
	case errors.Is(err, zkvm.ErrShapeExceeded):
		return "shape_exceeded"
	case errors.Is(err, pipeline.ErrProofInfrastructure):
		return "proof_infrastructure"
	case errors.Is(err, chain.ErrFailedVerification):
		return "failed_verification"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
