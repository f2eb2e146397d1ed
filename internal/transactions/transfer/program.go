// program.go - The transfer state-transition program.
//
// Run is the only logic proven by the execution environment. It is pure and
// deterministic: no I/O, no randomness, no clock. Transfers are applied strictly
// in order against a working copy, so a sender may spend funds it received
// earlier in the same batch.

package transfer

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/zkledger/transferproof/internal/types"
	"lukechampine.com/uint128"
)

var (
	// ErrAborted is wrapped by every reason the program can abort a run.
	ErrAborted = errors.New("transfer program aborted")

	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance to transfer", ErrAborted)
	ErrRecipientOverflow   = fmt.Errorf("%w: recipient balance overflow", ErrAborted)
	ErrIndexOutOfRange     = fmt.Errorf("%w: account index out of range", ErrAborted)
)

// Journal is the public output of a run: the balances it started from and the
// balances it ended with, aligned with the same account ordering.
type Journal struct {
	Old []uint128.Uint128
	New []uint128.Uint128
}

// Run applies transfers to balances in order. Any abort discards all output.
func Run(balances []uint128.Uint128, transfers []types.IndexedTransfer) (Journal, error) {
	working := make([]uint128.Uint128, len(balances))
	copy(working, balances)

	for i, t := range transfers {
		if err := Apply(working, t); err != nil {
			return Journal{}, fmt.Errorf("transfer %d: %w", i, err)
		}
	}

	old := make([]uint128.Uint128, len(balances))
	copy(old, balances)
	return Journal{Old: old, New: working}, nil
}

// Apply performs a single transfer against state in place. On error state is
// left untouched.
func Apply(state []uint128.Uint128, t types.IndexedTransfer) error {
	n := uint32(len(state))
	if t.Sender >= n || t.Recipient >= n {
		return fmt.Errorf("%w: sender %d, recipient %d, accounts %d", ErrIndexOutOfRange, t.Sender, t.Recipient, n)
	}

	debited, ok := checkedSub(state[t.Sender], t.Amount)
	if !ok {
		return fmt.Errorf("%w: balance %s, amount %s", ErrInsufficientBalance, state[t.Sender], t.Amount)
	}

	// The recipient read must observe the debit when sender == recipient.
	recipientBalance := state[t.Recipient]
	if t.Recipient == t.Sender {
		recipientBalance = debited
	}
	credited, ok := checkedAdd(recipientBalance, t.Amount)
	if !ok {
		return fmt.Errorf("%w: balance %s, amount %s", ErrRecipientOverflow, recipientBalance, t.Amount)
	}

	state[t.Sender] = debited
	state[t.Recipient] = credited
	return nil
}

func checkedAdd(a, b uint128.Uint128) (uint128.Uint128, bool) {
	lo, carry := bits.Add64(a.Lo, b.Lo, 0)
	hi, carry := bits.Add64(a.Hi, b.Hi, carry)
	return uint128.New(lo, hi), carry == 0
}

func checkedSub(a, b uint128.Uint128) (uint128.Uint128, bool) {
	lo, borrow := bits.Sub64(a.Lo, b.Lo, 0)
	hi, borrow := bits.Sub64(a.Hi, b.Hi, borrow)
	return uint128.New(lo, hi), borrow == 0
}
