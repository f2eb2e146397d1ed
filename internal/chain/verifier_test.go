package chain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkledger/transferproof/internal/ledger"
	"github.com/zkledger/transferproof/internal/store"
	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
	"lukechampine.com/uint128"
)

var (
	setupOnce   sync.Once
	testProgram *zkvm.Program
	setupErr    error
)

func program(t *testing.T) *zkvm.Program {
	t.Helper()
	setupOnce.Do(func() {
		testProgram, setupErr = zkvm.Setup(zkvm.Shape{Accounts: 4, Transfers: 2})
	})
	require.NoError(t, setupErr)
	return testProgram
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

type fixture struct {
	ledger   *ledger.Ledger
	sink     *recordingSink
	verifier *Verifier
	accounts []types.Account
}

func acct(b byte) types.Account {
	var a types.Account
	a[0] = b
	return a
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	kv, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	f := &fixture{
		ledger:   ledger.New(kv, zerolog.Nop()),
		sink:     &recordingSink{},
		accounts: []types.Account{acct(1), acct(2)},
	}
	require.NoError(t, f.ledger.Endow(f.accounts[0], uint128.From64(100)))
	require.NoError(t, f.ledger.Endow(f.accounts[1], uint128.From64(50)))
	f.verifier = NewVerifier(program(t).VerifyingKey(), f.ledger, cfg, WithEventSink(f.sink))
	return f
}

func (f *fixture) balance(t *testing.T, a types.Account) uint64 {
	t.Helper()
	v, err := f.ledger.Balance(context.Background(), a)
	require.NoError(t, err)
	return v.Lo
}

// prove returns a receipt for [100, 50] with a transfer of 30 from 0 to 1.
func prove(t *testing.T, p *zkvm.Program) *zkvm.Receipt {
	t.Helper()
	input := zkvm.EncodeInput(
		[]uint128.Uint128{uint128.From64(100), uint128.From64(50)},
		[]types.IndexedTransfer{{Sender: 0, Recipient: 1, Amount: uint128.From64(30)}},
	)
	receipt, err := zkvm.NewProver(p, zerolog.Nop()).Prove(input)
	require.NoError(t, err)
	return receipt
}

func strict(p *zkvm.Program) Config {
	return Config{Program: p.ID(), StrictOldBalances: true}
}

func TestSubmitCommitsNewBalances(t *testing.T) {
	p := program(t)
	f := newFixture(t, strict(p))

	err := f.verifier.Submit(context.Background(), NewSubmission(f.accounts, prove(t, p)))
	require.NoError(t, err)

	assert.Equal(t, uint64(70), f.balance(t, f.accounts[0]))
	assert.Equal(t, uint64(80), f.balance(t, f.accounts[1]))

	require.Len(t, f.sink.events, 1)
	e := f.sink.events[0]
	assert.Equal(t, EventVerificationSuccess, e.Kind)
	assert.Equal(t, p.ID(), e.Program)
	assert.Equal(t, f.accounts, e.Accounts)
	assert.False(t, e.Timestamp.IsZero())
}

func TestSubmitWireForm(t *testing.T) {
	p := program(t)
	f := newFixture(t, strict(p))

	wire, err := NewSubmission(f.accounts, prove(t, p)).Encode()
	require.NoError(t, err)
	require.NoError(t, f.verifier.SubmitTransferProofs(context.Background(), wire))
	assert.Equal(t, uint64(70), f.balance(t, f.accounts[0]))

	err = f.verifier.SubmitTransferProofs(context.Background(), []byte{0xff, 0x00})
	require.ErrorIs(t, err, ErrMalformedSubmission)
}

func TestSubmitRejects(t *testing.T) {
	p := program(t)
	receipt := prove(t, p)

	otherID := p.ID()
	otherID[7] ^= 1

	tests := []struct {
		name   string
		cfg    Config
		mutate func(f *fixture) Submission
		err    error
		reason string
	}{
		{
			name: "identity mismatch",
			cfg:  Config{Program: otherID, StrictOldBalances: true},
			mutate: func(f *fixture) Submission {
				return NewSubmission(f.accounts, receipt)
			},
			err:    zkvm.ErrIdentityMismatch,
			reason: "identity_mismatch",
		},
		{
			name: "account count differs from journal",
			cfg:  strict(p),
			mutate: func(f *fixture) Submission {
				return NewSubmission(append(f.accounts, acct(3)), receipt)
			},
			err:    ErrMalformedSubmission,
			reason: "malformed",
		},
		{
			name: "duplicate accounts",
			cfg:  strict(p),
			mutate: func(f *fixture) Submission {
				return NewSubmission([]types.Account{f.accounts[0], f.accounts[0]}, receipt)
			},
			err:    ErrMalformedSubmission,
			reason: "malformed",
		},
		{
			name: "forged journal",
			cfg:  strict(p),
			mutate: func(f *fixture) Submission {
				sub := NewSubmission(f.accounts, receipt)
				journal, err := zkvm.DecodeJournal(sub.Journal)
				if err != nil {
					panic(err)
				}
				journal.New[1] = uint128.From64(1_000_000)
				sub.Journal, err = zkvm.EncodeJournal(journal)
				if err != nil {
					panic(err)
				}
				return sub
			},
			err:    zkvm.ErrVerification,
			reason: "invalid_proof",
		},
		{
			name: "stale balances",
			cfg:  strict(p),
			mutate: func(f *fixture) Submission {
				if err := f.ledger.Endow(f.accounts[0], uint128.From64(99)); err != nil {
					panic(err)
				}
				return NewSubmission(f.accounts, receipt)
			},
			err:    ErrStaleBalances,
			reason: "stale",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.cfg)
			sub := tc.mutate(f)
			before0, before1 := f.balance(t, f.accounts[0]), f.balance(t, f.accounts[1])

			err := f.verifier.Submit(context.Background(), sub)
			require.ErrorIs(t, err, ErrFailedVerification)
			require.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.reason, Reason(err))

			assert.Equal(t, before0, f.balance(t, f.accounts[0]), "ledger must be untouched")
			assert.Equal(t, before1, f.balance(t, f.accounts[1]), "ledger must be untouched")
			assert.Empty(t, f.sink.events)
		})
	}
}

func TestSubmitReceiptFromOtherProgram(t *testing.T) {
	p := program(t)
	other, err := zkvm.Setup(zkvm.Shape{Accounts: 4, Transfers: 2})
	require.NoError(t, err)
	require.NotEqual(t, p.ID(), other.ID())

	f := newFixture(t, strict(p))
	err = f.verifier.Submit(context.Background(), NewSubmission(f.accounts, prove(t, other)))
	require.ErrorIs(t, err, ErrFailedVerification)
	assert.Equal(t, uint64(100), f.balance(t, f.accounts[0]))
}

func TestSubmitLenientOldBalances(t *testing.T) {
	p := program(t)
	f := newFixture(t, Config{Program: p.ID()})
	require.NoError(t, f.ledger.Endow(f.accounts[0], uint128.From64(5)))

	require.NoError(t, f.verifier.Submit(context.Background(), NewSubmission(f.accounts, prove(t, p))))
	assert.Equal(t, uint64(70), f.balance(t, f.accounts[0]))
	assert.Equal(t, uint64(80), f.balance(t, f.accounts[1]))
}

func TestSinkErrorDoesNotFailSubmit(t *testing.T) {
	p := program(t)
	f := newFixture(t, strict(p))
	f.sink.err = errors.New("broker unavailable")

	require.NoError(t, f.verifier.Submit(context.Background(), NewSubmission(f.accounts, prove(t, p))))
	assert.Equal(t, uint64(80), f.balance(t, f.accounts[1]))
	assert.Len(t, f.sink.events, 1)
}

func TestReplayIsRefusedInStrictMode(t *testing.T) {
	p := program(t)
	f := newFixture(t, strict(p))
	sub := NewSubmission(f.accounts, prove(t, p))

	require.NoError(t, f.verifier.Submit(context.Background(), sub))
	err := f.verifier.Submit(context.Background(), sub)
	require.ErrorIs(t, err, ErrStaleBalances)
	assert.Equal(t, uint64(70), f.balance(t, f.accounts[0]))
}
