package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zkledger/transferproof/internal/types"
)

// DefaultMaxMessageSize bounds a message envelope; submissions carry one seal per segment.
const DefaultMaxMessageSize = 16 << 20

// Message types understood by a ledger node.
const (
	MsgPing                 = "ping"
	MsgBalanceQuery         = "balance_query"
	MsgSubmitTransferProofs = "submit_transfer_proofs"
)

// Message is the generic envelope for any message sent over the network.
type Message struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// Response is the body of every reply. Payload is set on success, Error and
// Code on failure.
type Response struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// RemoteError is a failure reported by the peer's handler.
type RemoteError struct {
	Peer    string
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %s: %s (status %d, code %q)", e.Peer, e.Message, e.Status, e.Code)
}

type Ping struct {
	Time time.Time `json:"time"`
}

type Pong struct {
	NodeID string    `json:"nodeId"`
	Time   time.Time `json:"time"`
}

type BalanceQuery struct {
	Account types.Account `json:"account"`
}

type BalanceReply struct {
	Account types.Account `json:"account"`
	// Balance is a decimal string, since u128 does not fit a JSON number.
	Balance string `json:"balance"`
}

// SubmitTransferProofs carries a CBOR-encoded chain.Submission.
type SubmitTransferProofs struct {
	Submission []byte `json:"submission"`
}

type SubmitReply struct {
	Accounts int `json:"accounts"`
}
