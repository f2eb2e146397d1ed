package transfer

import (
	"github.com/consensys/gnark/frontend"
)

// BalanceBits is the width of every balance and amount.
const BalanceBits = 128

// Circuit proves that Post is the result of running the transfer program on Pre
// with the (secret) transfer list. Account and transfer counts are fixed when
// the circuit is compiled; shorter inputs are padded with zero balances and
// zero-amount transfers from account 0 to itself, which are no-ops.
type Circuit struct {
	// Public
	Pre  []frontend.Variable `gnark:",public"`
	Post []frontend.Variable `gnark:",public"`

	// Private
	Senders    []frontend.Variable
	Recipients []frontend.Variable
	Amounts    []frontend.Variable
}

// NewCircuit allocates a circuit for the given number of accounts and transfers.
func NewCircuit(accounts, transfers int) *Circuit {
	return &Circuit{
		Pre:        make([]frontend.Variable, accounts),
		Post:       make([]frontend.Variable, accounts),
		Senders:    make([]frontend.Variable, transfers),
		Recipients: make([]frontend.Variable, transfers),
		Amounts:    make([]frontend.Variable, transfers),
	}
}

func (c *Circuit) Define(api frontend.API) error {
	state := make([]frontend.Variable, len(c.Pre))
	for i := range c.Pre {
		api.ToBinary(c.Pre[i], BalanceBits)
		state[i] = c.Pre[i]
	}

	for t := range c.Amounts {
		amount := c.Amounts[t]
		api.ToBinary(amount, BalanceBits)

		// (1) debit: the sender's current balance must cover the amount
		sender := selector(api, c.Senders[t], len(state))
		debited := api.Sub(dot(api, sender, state), amount)
		api.ToBinary(debited, BalanceBits)
		for i := range state {
			state[i] = api.Sub(state[i], api.Mul(sender[i], amount))
		}

		// (2) credit: read after the debit, must stay within 128 bits
		recipient := selector(api, c.Recipients[t], len(state))
		credited := api.Add(dot(api, recipient, state), amount)
		api.ToBinary(credited, BalanceBits)
		for i := range state {
			state[i] = api.Add(state[i], api.Mul(recipient[i], amount))
		}
	}

	for i := range state {
		api.AssertIsEqual(c.Post[i], state[i])
	}
	return nil
}

// selector returns a one-hot vector for idx and asserts idx < n.
func selector(api frontend.API, idx frontend.Variable, n int) []frontend.Variable {
	sel := make([]frontend.Variable, n)
	sum := frontend.Variable(0)
	for i := 0; i < n; i++ {
		sel[i] = api.IsZero(api.Sub(idx, i))
		sum = api.Add(sum, sel[i])
	}
	api.AssertIsEqual(sum, 1)
	return sel
}

func dot(api frontend.API, sel, values []frontend.Variable) frontend.Variable {
	acc := frontend.Variable(0)
	for i := range sel {
		acc = api.Add(acc, api.Mul(sel[i], values[i]))
	}
	return acc
}
