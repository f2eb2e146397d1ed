// ledger.go - Account balances on pebble.
//
// Keys are 0x01 || account, values the 16-byte big-endian balance. An account
// with no key has a zero balance. All mutations go through Update, which runs
// one transaction at a time and commits its writes in a single synced batch.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zkledger/transferproof/internal/store"
	"github.com/zkledger/transferproof/internal/types"
	"lukechampine.com/uint128"
)

const prefixBalance byte = 0x01

// Ledger holds the current balance of every account.
type Ledger struct {
	kv     *store.KV
	mu     sync.Mutex
	logger zerolog.Logger
}

func New(kv *store.KV, logger zerolog.Logger) *Ledger {
	return &Ledger{kv: kv, logger: logger}
}

// Balance returns the committed balance of account.
func (l *Ledger) Balance(_ context.Context, account types.Account) (uint128.Uint128, error) {
	return l.read(account)
}

func (l *Ledger) read(account types.Account) (uint128.Uint128, error) {
	v, err := l.kv.Get(balanceKey(account))
	if errors.Is(err, store.ErrNotFound) {
		return uint128.Zero, nil
	}
	if err != nil {
		return uint128.Zero, err
	}
	return types.AmountFromBytes(v)
}

// Endow sets the balance of account directly.
func (l *Ledger) Endow(account types.Account, balance uint128.Uint128) error {
	return l.Update(func(tx *Txn) error {
		tx.SetBalance(account, balance)
		return nil
	})
}

// Update runs fn in a transaction. Reads inside fn see the transaction's own
// writes. If fn returns an error nothing is written.
func (l *Ledger) Update(fn func(tx *Txn) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &Txn{ledger: l, writes: make(map[types.Account]uint128.Uint128)}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.order) == 0 && len(tx.markers) == 0 {
		return nil
	}

	batch := l.kv.NewBatch()
	defer batch.Close()
	for _, account := range tx.order {
		value := types.AmountBytes(tx.writes[account])
		if err := batch.Put(balanceKey(account), value[:]); err != nil {
			return fmt.Errorf("stage balance %s: %w", account, err)
		}
	}
	for _, m := range tx.markers {
		if err := batch.Put(m.key, m.value); err != nil {
			return fmt.Errorf("stage marker: %w", err)
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit balances: %w", err)
	}
	l.logger.Debug().Int("accounts", len(tx.order)).Msg("balances committed")
	return nil
}

// Txn stages balance changes until Update commits them.
type Txn struct {
	ledger  *Ledger
	writes  map[types.Account]uint128.Uint128
	order   []types.Account
	markers []marker
}

type marker struct {
	key, value []byte
}

func (tx *Txn) Balance(account types.Account) (uint128.Uint128, error) {
	if v, ok := tx.writes[account]; ok {
		return v, nil
	}
	return tx.ledger.read(account)
}

func (tx *Txn) SetBalance(account types.Account, balance uint128.Uint128) {
	if _, ok := tx.writes[account]; !ok {
		tx.order = append(tx.order, account)
	}
	tx.writes[account] = balance
}

// SetMarker stages a non-balance key to commit together with the balances.
// Keys must not start with the balance prefix.
func (tx *Txn) SetMarker(key, value []byte) error {
	if len(key) == 0 || key[0] == prefixBalance {
		return fmt.Errorf("marker key %x collides with balances", key)
	}
	tx.markers = append(tx.markers, marker{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func balanceKey(account types.Account) []byte {
	return append([]byte{prefixBalance}, account[:]...)
}
