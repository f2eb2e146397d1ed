package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkledger/transferproof/internal/store"
	"github.com/zkledger/transferproof/internal/types"
	"lukechampine.com/uint128"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	kv, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv, zerolog.Nop())
}

func acct(b byte) types.Account {
	var a types.Account
	a[31] = b
	return a
}

func balance(t *testing.T, l *Ledger, a types.Account) uint64 {
	t.Helper()
	v, err := l.Balance(context.Background(), a)
	require.NoError(t, err)
	require.Zero(t, v.Hi)
	return v.Lo
}

func TestUnknownAccountIsZero(t *testing.T) {
	l := newLedger(t)
	assert.Equal(t, uint64(0), balance(t, l, acct(1)))
}

func TestEndow(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Endow(acct(1), uint128.From64(100)))
	assert.Equal(t, uint64(100), balance(t, l, acct(1)))

	huge := uint128.Max
	require.NoError(t, l.Endow(acct(2), huge))
	v, err := l.Balance(context.Background(), acct(2))
	require.NoError(t, err)
	assert.True(t, huge.Equals(v))
}

func TestUpdateReadsOwnWrites(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Endow(acct(1), uint128.From64(10)))

	err := l.Update(func(tx *Txn) error {
		v, err := tx.Balance(acct(1))
		require.NoError(t, err)
		tx.SetBalance(acct(1), v.Add64(5))

		v, err = tx.Balance(acct(1))
		require.NoError(t, err)
		assert.Equal(t, uint64(15), v.Lo)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(15), balance(t, l, acct(1)))
}

func TestUpdateAllOrNothing(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Endow(acct(1), uint128.From64(10)))

	boom := errors.New("boom")
	err := l.Update(func(tx *Txn) error {
		tx.SetBalance(acct(1), uint128.From64(0))
		tx.SetBalance(acct(2), uint128.From64(10))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(10), balance(t, l, acct(1)))
	assert.Equal(t, uint64(0), balance(t, l, acct(2)))
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	l := newLedger(t)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Update(func(tx *Txn) error {
				v, err := tx.Balance(acct(1))
				if err != nil {
					return err
				}
				tx.SetBalance(acct(1), v.Add64(1))
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(n), balance(t, l, acct(1)))
}

func TestMarkerCommitsWithBalances(t *testing.T) {
	l := newLedger(t)
	key := []byte("\x20init")

	failed := errors.New("abort")
	err := l.Update(func(tx *Txn) error {
		tx.SetBalance(acct(1), uint128.From64(5))
		require.NoError(t, tx.SetMarker(key, []byte{1}))
		return failed
	})
	require.ErrorIs(t, err, failed)
	_, err = l.kv.Get(key)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, l.Update(func(tx *Txn) error {
		tx.SetBalance(acct(1), uint128.From64(5))
		return tx.SetMarker(key, []byte{1})
	}))
	v, err := l.kv.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, v)
	got, err := l.Balance(context.Background(), acct(1))
	require.NoError(t, err)
	assert.Equal(t, uint128.From64(5), got)

	require.Error(t, l.Update(func(tx *Txn) error {
		return tx.SetMarker(balanceKey(acct(2)), []byte{1})
	}))
}
