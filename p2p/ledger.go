// ledger.go - Ledger node handlers and the client provers use to reach them.

package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zkledger/transferproof/internal/chain"
	"github.com/zkledger/transferproof/internal/ledger"
	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
	"lukechampine.com/uint128"
)

// codedError tags a handler error with the reason label returned to the peer.
type codedError struct {
	err  error
	code string
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }
func (e *codedError) Code() string  { return e.code }

// RegisterLedgerHandlers serves balance queries and proof submissions.
func RegisterLedgerHandlers(n *Node, l *ledger.Ledger, verifier *chain.Verifier) {
	n.RegisterHandler(MsgBalanceQuery, func(ctx context.Context, msg Message) (any, error) {
		var q BalanceQuery
		if err := json.Unmarshal(msg.Payload, &q); err != nil {
			return nil, &codedError{err: err, code: "bad_payload"}
		}
		balance, err := l.Balance(ctx, q.Account)
		if err != nil {
			return nil, err
		}
		return BalanceReply{Account: q.Account, Balance: balance.String()}, nil
	})

	n.RegisterHandler(MsgSubmitTransferProofs, func(ctx context.Context, msg Message) (any, error) {
		var p SubmitTransferProofs
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, &codedError{err: err, code: "bad_payload"}
		}
		sub, err := chain.DecodeSubmission(p.Submission)
		if err != nil {
			return nil, &codedError{err: err, code: chain.Reason(err)}
		}
		if err := verifier.Submit(ctx, sub); err != nil {
			return nil, &codedError{err: err, code: chain.Reason(err)}
		}
		return SubmitReply{Accounts: len(sub.Accounts)}, nil
	})
}

// LedgerClient reaches a remote ledger node. It satisfies
// accounts.BalanceLookup and the service's submitter.
type LedgerClient struct {
	node *Node
	peer string
}

func NewLedgerClient(node *Node, peer string) *LedgerClient {
	return &LedgerClient{node: node, peer: peer}
}

// Balance queries the current balance of account.
func (c *LedgerClient) Balance(ctx context.Context, account types.Account) (uint128.Uint128, error) {
	var reply BalanceReply
	if err := c.node.SendMessage(ctx, c.peer, MsgBalanceQuery, BalanceQuery{Account: account}, &reply); err != nil {
		return uint128.Zero, err
	}
	if reply.Account != account {
		return uint128.Zero, fmt.Errorf("peer %s answered for account %s, asked %s", c.peer, reply.Account, account)
	}
	return uint128.FromString(reply.Balance)
}

// Submit sends sub to the ledger and waits until it is committed or refused.
// Refusals are mapped back onto the chain error taxonomy.
func (c *LedgerClient) Submit(ctx context.Context, sub chain.Submission) error {
	wire, err := sub.Encode()
	if err != nil {
		return err
	}
	err = c.node.SendMessage(ctx, c.peer, MsgSubmitTransferProofs, SubmitTransferProofs{Submission: wire}, nil)
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remoteChainError(remote)
	}
	return err
}

func remoteChainError(e *RemoteError) error {
	switch e.Code {
	case "malformed":
		return fmt.Errorf("%w: %w", chain.ErrMalformedSubmission, e)
	case "stale":
		return fmt.Errorf("%w: %w", chain.ErrStaleBalances, e)
	case "identity_mismatch":
		return fmt.Errorf("%w: %w: %w", chain.ErrFailedVerification, zkvm.ErrIdentityMismatch, e)
	case "invalid_proof":
		return fmt.Errorf("%w: %w", chain.ErrFailedVerification, e)
	default:
		return e
	}
}
