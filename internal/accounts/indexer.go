// indexer.go - Account index remapping.
//
// Transfers name accounts by public key; the program only sees positions into
// a compact balance vector. Encode assigns positions in first-seen order
// (sender, then recipient, request by request) so any independent re-run over
// the same batch yields the same ordering, and Decode zips the program output
// back onto that ordering.

package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/zkledger/transferproof/internal/types"
	"lukechampine.com/uint128"
)

var ErrLengthMismatch = errors.New("account and balance counts differ")

// BalanceLookup reads the current ledger balance of an account. Accounts the
// ledger has never seen have a zero balance.
type BalanceLookup interface {
	Balance(ctx context.Context, account types.Account) (uint128.Uint128, error)
}

// Encoded is the compact program input for one batch.
type Encoded struct {
	Accounts  []types.Account
	Balances  []uint128.Uint128
	Transfers []types.IndexedTransfer
}

// Index collects the distinct accounts of requests in first-seen order and
// rewrites each request with positions into that ordering.
func Index(requests []types.TransferRequest) ([]types.Account, []types.IndexedTransfer) {
	positions := make(map[types.Account]uint32, 2*len(requests))
	accounts := make([]types.Account, 0, 2*len(requests))
	position := func(a types.Account) uint32 {
		if p, ok := positions[a]; ok {
			return p
		}
		p := uint32(len(accounts))
		positions[a] = p
		accounts = append(accounts, a)
		return p
	}

	indexed := make([]types.IndexedTransfer, len(requests))
	for i, r := range requests {
		sender := position(r.Sender)
		recipient := position(r.Recipient)
		indexed[i] = types.IndexedTransfer{Sender: sender, Recipient: recipient, Amount: r.Amount}
	}
	return accounts, indexed
}

// Encode indexes requests and looks up the current balance of every account.
func Encode(ctx context.Context, lookup BalanceLookup, requests []types.TransferRequest) (*Encoded, error) {
	accounts, indexed := Index(requests)
	balances := make([]uint128.Uint128, len(accounts))
	for i, a := range accounts {
		b, err := lookup.Balance(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("balance lookup for %s: %w", a, err)
		}
		balances[i] = b
	}
	return &Encoded{Accounts: accounts, Balances: balances, Transfers: indexed}, nil
}

// Balance is one account's balance change.
type Balance struct {
	Account types.Account
	Old     uint128.Uint128
	New     uint128.Uint128
}

// Decode pairs accounts positionally with old and new balances.
func Decode(accounts []types.Account, old, updated []uint128.Uint128) ([]Balance, error) {
	if len(accounts) != len(old) || len(accounts) != len(updated) {
		return nil, fmt.Errorf("%w: %d accounts, %d old, %d new", ErrLengthMismatch, len(accounts), len(old), len(updated))
	}
	out := make([]Balance, len(accounts))
	for i, a := range accounts {
		out[i] = Balance{Account: a, Old: old[i], New: updated[i]}
	}
	return out, nil
}
