// genesis.go - Initial ledger balances
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/zkledger/transferproof/internal/ledger"
	"github.com/zkledger/transferproof/internal/store"
	"github.com/zkledger/transferproof/internal/types"
	"lukechampine.com/uint128"
)

var genesisMarker = []byte("\x20genesis")

// loadGenesis reads a JSON object mapping hex accounts to decimal balances.
func loadGenesis(path string) (map[types.Account]uint128.Uint128, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read genesis file: %w", err)
	}
	var raw map[types.Account]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode genesis file: %w", err)
	}
	balances := make(map[types.Account]uint128.Uint128, len(raw))
	for account, s := range raw {
		v, err := uint128.FromString(s)
		if err != nil {
			return nil, fmt.Errorf("genesis balance of %s: %w", account, err)
		}
		balances[account] = v
	}
	return balances, nil
}

// applyGenesis endows the accounts once per store. It reports whether the
// balances were written.
func applyGenesis(kv *store.KV, l *ledger.Ledger, balances map[types.Account]uint128.Uint128) (bool, error) {
	if _, err := kv.Get(genesisMarker); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	accounts := make([]types.Account, 0, len(balances))
	for account := range balances {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})

	err := l.Update(func(tx *ledger.Txn) error {
		for _, account := range accounts {
			tx.SetBalance(account, balances[account])
		}
		return tx.SetMarker(genesisMarker, []byte{1})
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
