package transfer

import (
	"fmt"

	"github.com/consensys/gnark/frontend"
	"github.com/zkledger/transferproof/internal/types"
	"lukechampine.com/uint128"
)

// BuildWitness constructs a full assignment for a circuit of the given shape.
// pre and post are padded with zero balances, transfers with no-op transfers.
func BuildWitness(accounts, transfers int, pre, post []uint128.Uint128, segment []types.IndexedTransfer) (*Circuit, error) {
	if len(pre) > accounts || len(post) > accounts {
		return nil, fmt.Errorf("witness: %d accounts exceed circuit capacity %d", max(len(pre), len(post)), accounts)
	}
	if len(segment) > transfers {
		return nil, fmt.Errorf("witness: %d transfers exceed circuit capacity %d", len(segment), transfers)
	}

	w := NewCircuit(accounts, transfers)
	assignBalances(w.Post, post)
	assignBalances(w.Pre, pre)
	for i := 0; i < transfers; i++ {
		if i < len(segment) {
			w.Senders[i] = segment[i].Sender
			w.Recipients[i] = segment[i].Recipient
			w.Amounts[i] = segment[i].Amount.Big()
			continue
		}
		w.Senders[i] = 0
		w.Recipients[i] = 0
		w.Amounts[i] = 0
	}
	return w, nil
}

// BuildPublicWitness constructs the public-only part of an assignment.
func BuildPublicWitness(accounts, transfers int, pre, post []uint128.Uint128) (*Circuit, error) {
	if len(pre) > accounts || len(post) > accounts {
		return nil, fmt.Errorf("witness: %d accounts exceed circuit capacity %d", max(len(pre), len(post)), accounts)
	}
	w := NewCircuit(accounts, transfers)
	assignBalances(w.Pre, pre)
	assignBalances(w.Post, post)
	for i := 0; i < transfers; i++ {
		w.Senders[i], w.Recipients[i], w.Amounts[i] = 0, 0, 0
	}
	return w, nil
}

func assignBalances(dst []frontend.Variable, src []uint128.Uint128) {
	for i := range dst {
		if i < len(src) {
			dst[i] = src[i].Big()
		} else {
			dst[i] = 0
		}
	}
}
