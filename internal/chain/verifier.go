// verifier.go - The ledger's verification and commit entry point.
//
// Submit is the only path by which proven batches mutate balances:
//  1. Check the submission is well formed
//  2. Verify the receipt against the pinned program identity
//  3. Commit every account's new balance in one ledger transaction
//  4. Emit a VerificationSuccess event

package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/zkledger/transferproof/internal/accounts"
	"github.com/zkledger/transferproof/internal/ledger"
	"github.com/zkledger/transferproof/internal/metrics"
	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
)

var (
	// ErrFailedVerification is wrapped by every reason a submission is refused.
	// The ledger is untouched whenever it is returned.
	ErrFailedVerification = errors.New("failed verification")

	ErrMalformedSubmission = fmt.Errorf("%w: malformed submission", ErrFailedVerification)
	ErrStaleBalances       = fmt.Errorf("%w: ledger balances changed since proving", ErrFailedVerification)
)

// Reason returns a short label for a Submit error.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedSubmission):
		return "malformed"
	case errors.Is(err, ErrStaleBalances):
		return "stale"
	case errors.Is(err, zkvm.ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrFailedVerification):
		return "invalid_proof"
	default:
		return "error"
	}
}

type Config struct {
	// Program is the pinned identity every receipt must verify against.
	Program zkvm.ProgramID
	// StrictOldBalances refuses receipts whose old balances no longer match
	// the ledger.
	StrictOldBalances bool
}

// Verifier checks receipts and applies them to the ledger.
type Verifier struct {
	key     *zkvm.VerifyingKey
	cfg     Config
	ledger  *ledger.Ledger
	sink    EventSink
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type Option func(*Verifier)

func WithEventSink(sink EventSink) Option {
	return func(v *Verifier) { v.sink = sink }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

func NewVerifier(key *zkvm.VerifyingKey, l *ledger.Ledger, cfg Config, opts ...Option) *Verifier {
	v := &Verifier{
		key:    key,
		cfg:    cfg,
		ledger: l,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Program returns the pinned program identity.
func (v *Verifier) Program() zkvm.ProgramID { return v.cfg.Program }

// SubmitTransferProofs decodes a CBOR submission and submits it.
func (v *Verifier) SubmitTransferProofs(ctx context.Context, wire []byte) error {
	sub, err := DecodeSubmission(wire)
	if err != nil {
		v.metrics.RecordVerification(Reason(err))
		return err
	}
	return v.Submit(ctx, sub)
}

// Submit verifies sub and commits its new balances.
func (v *Verifier) Submit(ctx context.Context, sub Submission) error {
	err := v.submit(ctx, sub)
	v.metrics.RecordVerification(Reason(err))
	return err
}

func (v *Verifier) submit(ctx context.Context, sub Submission) error {
	if err := checkAccounts(sub.Accounts); err != nil {
		return err
	}

	journal, err := sub.Receipt().Verify(v.key, v.cfg.Program)
	if err != nil {
		v.logger.Warn().Err(err).Int("accounts", len(sub.Accounts)).Msg("receipt rejected")
		return fmt.Errorf("%w: %w", ErrFailedVerification, err)
	}

	changes, err := accounts.Decode(sub.Accounts, journal.Old, journal.New)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedSubmission, err)
	}

	err = v.ledger.Update(func(tx *ledger.Txn) error {
		for _, c := range changes {
			if v.cfg.StrictOldBalances {
				current, err := tx.Balance(c.Account)
				if err != nil {
					return err
				}
				if !current.Equals(c.Old) {
					return fmt.Errorf("%w: account %s has %s, receipt expects %s", ErrStaleBalances, c.Account, current, c.Old)
				}
			}
			tx.SetBalance(c.Account, c.New)
		}
		return nil
	})
	if err != nil {
		v.logger.Warn().Err(err).Msg("commit refused")
		return err
	}
	v.metrics.RecordCommit(len(changes))

	event := Event{
		Kind:      EventVerificationSuccess,
		Program:   v.cfg.Program,
		Accounts:  append([]types.Account(nil), sub.Accounts...),
		Digest:    blake2b.Sum256(sub.Journal),
		Timestamp: v.now().UTC(),
	}
	v.logger.Info().
		Str("digest", event.Digest.String()).
		Int("accounts", len(changes)).
		Int("segments", len(sub.Segments)).
		Msg("batch verified and committed")

	if v.sink != nil {
		err := v.sink.Publish(ctx, event)
		v.metrics.RecordEvent(err)
		if err != nil {
			v.logger.Error().Err(err).Str("digest", event.Digest.String()).Msg("event publish failed")
		}
	}
	return nil
}

func checkAccounts(list []types.Account) error {
	seen := make(map[types.Account]struct{}, len(list))
	for i, a := range list {
		if _, dup := seen[a]; dup {
			return fmt.Errorf("%w: account %s repeated at position %d", ErrMalformedSubmission, a, i)
		}
		seen[a] = struct{}{}
	}
	return nil
}
