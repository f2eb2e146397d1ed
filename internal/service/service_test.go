package service

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/zkledger/transferproof/internal/accounts"
	"github.com/zkledger/transferproof/internal/admission"
	"github.com/zkledger/transferproof/internal/chain"
	"github.com/zkledger/transferproof/internal/ledger"
	"github.com/zkledger/transferproof/internal/pipeline"
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

type party struct {
	account types.Account
	key     ed25519.PrivateKey
}

func newParty(t *testing.T) party {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	a, err := types.AccountFromBytes(pub)
	require.NoError(t, err)
	return party{account: a, key: priv}
}

func (p party) pay(to party, amount uint64) types.TransferRequest {
	return admission.Sign(p.key, to.account, uint128.From64(amount))
}

type env struct {
	svc     *Service
	ledger  *ledger.Ledger
	records *store.Records
}

func newEnv(t *testing.T, globalLocks bool) *env {
	t.Helper()
	p := program(t)

	kv, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	records, err := store.NewRecords(kv)
	require.NoError(t, err)

	l := ledger.New(kv, zerolog.Nop())
	verifier := chain.NewVerifier(p.VerifyingKey(), l, chain.Config{Program: p.ID(), StrictOldBalances: true})
	pipe := pipeline.New(zkvm.NewProver(p, zerolog.Nop()), pipeline.Config{Workers: 2, QueueSize: 4})
	t.Cleanup(pipe.Close)

	svc := New(Deps{
		Admission: admission.NewVerifier(zerolog.Nop()),
		Balances:  l,
		Prover:    pipe,
		Submitter: verifier,
		Records:   records,
		Locks:     pipeline.NewAccountLocks(globalLocks),
		Program:   p.ID(),
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(svc.Stop)
	return &env{svc: svc, ledger: l, records: records}
}

func (e *env) balance(t *testing.T, p party) uint64 {
	t.Helper()
	v, err := e.ledger.Balance(context.Background(), p.account)
	require.NoError(t, err)
	return v.Lo
}

func TestProcess(t *testing.T) {
	e := newEnv(t, true)
	alice, bob := newParty(t), newParty(t)
	require.NoError(t, e.ledger.Endow(alice.account, uint128.From64(100)))
	require.NoError(t, e.ledger.Endow(bob.account, uint128.From64(50)))

	result, err := e.svc.Process(context.Background(), []types.TransferRequest{alice.pay(bob, 30)})
	require.NoError(t, err)

	require.Len(t, result.Balances, 2)
	assert.Equal(t, alice.account, result.Balances[0].Account)
	assert.Equal(t, uint64(70), result.Balances[0].New.Lo)
	assert.Equal(t, uint64(80), result.Balances[1].New.Lo)
	assert.Equal(t, uint64(70), e.balance(t, alice))
	assert.Equal(t, uint64(80), e.balance(t, bob))

	status, err := e.svc.Status(result.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateVerified, status.State)
	assert.Equal(t, 1, status.Transfers)

	rec, err := e.records.GetReceipt(result.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.Account{alice.account, bob.account}, rec.Accounts)
}

func TestProcessChainedSpendAcrossSegments(t *testing.T) {
	e := newEnv(t, true)
	a, b, c := newParty(t), newParty(t), newParty(t)
	require.NoError(t, e.ledger.Endow(a.account, uint128.From64(100)))

	_, err := e.svc.Process(context.Background(), []types.TransferRequest{
		a.pay(b, 100),
		b.pay(c, 60),
		c.pay(a, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), e.balance(t, a))
	assert.Equal(t, uint64(40), e.balance(t, b))
	assert.Equal(t, uint64(50), e.balance(t, c))
}

func TestProcessExecutionFailed(t *testing.T) {
	e := newEnv(t, true)
	alice, bob := newParty(t), newParty(t)
	require.NoError(t, e.ledger.Endow(alice.account, uint128.From64(10)))

	batch := []types.TransferRequest{alice.pay(bob, 5), alice.pay(bob, 50)}
	_, err := e.svc.Process(context.Background(), batch)
	require.ErrorIs(t, err, zkvm.ErrExecutionFailed)
	assert.Equal(t, uint64(10), e.balance(t, alice), "no partial application")
	assert.Equal(t, uint64(0), e.balance(t, bob))

	batchObj, err := admission.NewVerifier(zerolog.Nop()).Admit(batch)
	require.NoError(t, err)
	status, err := e.svc.Status(batchObj.ID())
	require.NoError(t, err)
	assert.Equal(t, types.StateRejected, status.State)
	assert.Contains(t, status.Error, "execution failed")
}

func TestProcessRejectedAtAdmission(t *testing.T) {
	e := newEnv(t, true)
	alice, bob := newParty(t), newParty(t)

	forged := alice.pay(bob, 1)
	forged.Amount = uint128.From64(2)
	_, err := e.svc.Process(context.Background(), []types.TransferRequest{forged})
	require.ErrorIs(t, err, admission.ErrInvalidSignature)

	_, err = e.svc.Process(context.Background(), nil)
	require.ErrorIs(t, err, admission.ErrEmptyBatch)

	_, err = e.svc.Process(context.Background(), []types.TransferRequest{alice.pay(alice, 1)})
	require.ErrorIs(t, err, admission.ErrSelfTransfer)

	statuses, err := e.records.Statuses()
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestProcessShapeExceeded(t *testing.T) {
	e := newEnv(t, true)
	parties := []party{newParty(t), newParty(t), newParty(t), newParty(t), newParty(t)}
	require.NoError(t, e.ledger.Endow(parties[0].account, uint128.From64(10)))

	_, err := e.svc.Process(context.Background(), []types.TransferRequest{
		parties[0].pay(parties[1], 1),
		parties[2].pay(parties[3], 0),
		parties[4].pay(parties[0], 0),
	})
	require.ErrorIs(t, err, zkvm.ErrShapeExceeded)
}

func TestProcessDuplicate(t *testing.T) {
	e := newEnv(t, true)
	alice, bob := newParty(t), newParty(t)
	require.NoError(t, e.ledger.Endow(alice.account, uint128.From64(10)))

	batch := []types.TransferRequest{alice.pay(bob, 1)}
	_, err := e.svc.Process(context.Background(), batch)
	require.NoError(t, err)
	_, err = e.svc.Process(context.Background(), batch)
	require.ErrorIs(t, err, ErrDuplicateBatch)
	assert.Equal(t, uint64(9), e.balance(t, alice))
}

func TestEnqueue(t *testing.T) {
	e := newEnv(t, true)
	alice, bob := newParty(t), newParty(t)
	require.NoError(t, e.ledger.Endow(alice.account, uint128.From64(10)))

	id, err := e.svc.Enqueue([]types.TransferRequest{alice.pay(bob, 4)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := e.svc.Status(id)
		return err == nil && status.State == types.StateVerified
	}, 30*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(6), e.balance(t, alice))

	_, err = e.svc.Status(types.BatchID{0xff})
	require.ErrorIs(t, err, ErrUnknownBatch)
}

func TestConcurrentBatchesSharingAccounts(t *testing.T) {
	e := newEnv(t, false)
	alice, bob, carol := newParty(t), newParty(t), newParty(t)
	require.NoError(t, e.ledger.Endow(alice.account, uint128.From64(100)))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, to := range []party{bob, carol} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.svc.Process(context.Background(), []types.TransferRequest{alice.pay(to, 10)})
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, uint64(80), e.balance(t, alice))
	assert.Equal(t, uint64(10), e.balance(t, bob))
	assert.Equal(t, uint64(10), e.balance(t, carol))
}

func TestStop(t *testing.T) {
	e := newEnv(t, true)
	alice, bob := newParty(t), newParty(t)
	e.svc.Stop()
	_, err := e.svc.Enqueue([]types.TransferRequest{alice.pay(bob, 1)})
	require.ErrorIs(t, err, ErrStopped)
}

// storeUnsubmitted proves requests against the current ledger and records the
// receipt as if the process stopped right after submitting.
func (e *env) storeUnsubmitted(t *testing.T, id types.BatchID, requests []types.TransferRequest) {
	t.Helper()
	p := program(t)
	encoded, err := accounts.Encode(context.Background(), e.ledger, requests)
	require.NoError(t, err)
	receipt, err := zkvm.NewProver(p, zerolog.Nop()).Prove(zkvm.EncodeInput(encoded.Balances, encoded.Transfers))
	require.NoError(t, err)

	require.NoError(t, e.records.PutReceipt(id, store.ReceiptRecord{Program: p.ID(), Accounts: encoded.Accounts, Receipt: *receipt}))
	require.NoError(t, e.records.PutStatus(id, store.StatusRecord{State: types.StateSubmitted, Transfers: len(requests), UpdatedAt: time.Now()}))
}

func TestResumeSubmitsStoredReceipt(t *testing.T) {
	e := newEnv(t, true)
	alice, bob := newParty(t), newParty(t)
	require.NoError(t, e.ledger.Endow(alice.account, uint128.From64(100)))

	id := types.BatchID{1}
	e.storeUnsubmitted(t, id, []types.TransferRequest{alice.pay(bob, 40)})
	assert.Equal(t, uint64(100), e.balance(t, alice))

	settled, err := e.svc.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, uint64(60), e.balance(t, alice))
	assert.Equal(t, uint64(40), e.balance(t, bob))

	status, err := e.svc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateVerified, status.State)

	settled, err = e.svc.Resume(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settled)
}

func TestResumeDoesNotApplyCommittedBatchTwice(t *testing.T) {
	e := newEnv(t, true)
	alice, bob := newParty(t), newParty(t)
	require.NoError(t, e.ledger.Endow(alice.account, uint128.From64(100)))

	result, err := e.svc.Process(context.Background(), []types.TransferRequest{alice.pay(bob, 30)})
	require.NoError(t, err)
	// The ledger committed but the Verified status was never written.
	require.NoError(t, e.records.PutStatus(result.ID, store.StatusRecord{State: types.StateSubmitted, Transfers: 1, UpdatedAt: time.Now()}))

	settled, err := e.svc.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, uint64(70), e.balance(t, alice))
	assert.Equal(t, uint64(30), e.balance(t, bob))

	status, err := e.svc.Status(result.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateVerified, status.State)
}

func TestResumeRejects(t *testing.T) {
	t.Run("balances moved since proving", func(t *testing.T) {
		e := newEnv(t, true)
		alice, bob := newParty(t), newParty(t)
		require.NoError(t, e.ledger.Endow(alice.account, uint128.From64(100)))

		id := types.BatchID{2}
		e.storeUnsubmitted(t, id, []types.TransferRequest{alice.pay(bob, 40)})
		require.NoError(t, e.ledger.Endow(alice.account, uint128.From64(90)))

		settled, err := e.svc.Resume(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, settled)
		assert.Equal(t, uint64(90), e.balance(t, alice))
		assert.Zero(t, e.balance(t, bob))

		status, err := e.svc.Status(id)
		require.NoError(t, err)
		assert.Equal(t, types.StateRejected, status.State)
		assert.NotEmpty(t, status.Error)
	})

	t.Run("stopped before proving", func(t *testing.T) {
		e := newEnv(t, true)
		id := types.BatchID{3}
		require.NoError(t, e.records.PutStatus(id, store.StatusRecord{State: types.StateSignaturesVerified, Transfers: 2, UpdatedAt: time.Now()}))

		settled, err := e.svc.Resume(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, settled)

		status, err := e.svc.Status(id)
		require.NoError(t, err)
		assert.Equal(t, types.StateRejected, status.State)
		assert.Equal(t, ErrInterrupted.Error(), status.Error)
	})

	t.Run("proven by another program", func(t *testing.T) {
		e := newEnv(t, true)
		alice, bob := newParty(t), newParty(t)
		require.NoError(t, e.ledger.Endow(alice.account, uint128.From64(100)))

		id := types.BatchID{4}
		e.storeUnsubmitted(t, id, []types.TransferRequest{alice.pay(bob, 40)})
		rec, err := e.records.GetReceipt(id)
		require.NoError(t, err)
		rec.Program = zkvm.ProgramID{7}
		require.NoError(t, e.records.PutReceipt(id, rec))

		_, err = e.svc.Resume(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(100), e.balance(t, alice))

		status, err := e.svc.Status(id)
		require.NoError(t, err)
		assert.Equal(t, types.StateRejected, status.State)
		assert.Contains(t, status.Error, "program identity mismatch")
	})
}
