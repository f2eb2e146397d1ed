package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkledger/transferproof/internal/chain"
	"github.com/zkledger/transferproof/internal/ledger"
	"github.com/zkledger/transferproof/internal/store"
	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
	"lukechampine.com/uint128"
)

type echo struct {
	Content string `json:"content"`
}

// setupTestNetwork starts one node per id on a free port with a shared peer directory.
func setupTestNetwork(t *testing.T, nodeIDs ...string) map[string]*Node {
	t.Helper()
	directory := make(map[string]string)
	nodes := make(map[string]*Node)
	for _, id := range nodeIDs {
		n := NewNode(id, "127.0.0.1:0", directory, zerolog.Nop())
		require.NoError(t, n.Start())
		directory[id] = n.Address
		nodes[id] = n
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = n.Shutdown(ctx)
			cancel()
		}
	})
	return nodes
}

func TestSendMessage(t *testing.T) {
	nodes := setupTestNetwork(t, "A", "B")
	nodes["B"].RegisterHandler("echo", func(_ context.Context, msg Message) (any, error) {
		var in echo
		if err := json.Unmarshal(msg.Payload, &in); err != nil {
			return nil, err
		}
		return echo{Content: msg.SenderID + ":" + in.Content}, nil
	})

	var out echo
	require.NoError(t, nodes["A"].SendMessage(context.Background(), "B", "echo", echo{Content: "hello"}, &out))
	assert.Equal(t, "A:hello", out.Content)
}

func TestHandlerError(t *testing.T) {
	nodes := setupTestNetwork(t, "A", "B")
	nodes["B"].RegisterHandler("fail", func(context.Context, Message) (any, error) {
		return nil, &codedError{err: errors.New("nope"), code: "refused"}
	})

	err := nodes["A"].SendMessage(context.Background(), "B", "fail", echo{}, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "refused", remote.Code)
	assert.Equal(t, "nope", remote.Message)

	err = nodes["A"].SendMessage(context.Background(), "B", "no_such_type", echo{}, nil)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "unknown_type", remote.Code)
}

func TestOversizedMessageRefused(t *testing.T) {
	b := NewNode("B", "127.0.0.1:0", nil, zerolog.Nop())
	b.MaxMessageSize = 1024
	b.RegisterHandler("echo", func(context.Context, Message) (any, error) {
		return echo{Content: "ok"}, nil
	})
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	a := NewNode("A", "", map[string]string{"B": b.Address}, zerolog.Nop())

	var out echo
	require.NoError(t, a.SendMessage(context.Background(), "B", "echo", echo{Content: "small"}, &out))

	err := a.SendMessage(context.Background(), "B", "echo", echo{Content: strings.Repeat("x", 2048)}, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusRequestEntityTooLarge, remote.Status)
	assert.Equal(t, "too_large", remote.Code)
}

func TestSendToNonExistentPeer(t *testing.T) {
	nodes := setupTestNetwork(t, "A")
	err := nodes["A"].SendMessage(context.Background(), "B", "echo", echo{}, nil)
	require.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	nodes := setupTestNetwork(t, "A", "B")
	nodes["A"].Peers["C"] = "127.0.0.1:1"

	nodes["A"].HealthCheck(context.Background())
	assert.True(t, nodes["A"].Healthy("B"))
	assert.False(t, nodes["A"].Healthy("C"))
}

var (
	setupOnce   sync.Once
	testProgram *zkvm.Program
	setupErr    error
)

func program(t *testing.T) *zkvm.Program {
	t.Helper()
	setupOnce.Do(func() {
		testProgram, setupErr = zkvm.Setup(zkvm.Shape{Accounts: 2, Transfers: 1})
	})
	require.NoError(t, setupErr)
	return testProgram
}

func TestLedgerClient(t *testing.T) {
	p := program(t)
	kv, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	l := ledger.New(kv, zerolog.Nop())

	var alice, bob types.Account
	alice[0], bob[0] = 1, 2
	require.NoError(t, l.Endow(alice, uint128.From64(100)))
	require.NoError(t, l.Endow(bob, uint128.From64(50)))

	nodes := setupTestNetwork(t, "prover", "ledger")
	verifier := chain.NewVerifier(p.VerifyingKey(), l, chain.Config{Program: p.ID(), StrictOldBalances: true})
	RegisterLedgerHandlers(nodes["ledger"], l, verifier)
	client := NewLedgerClient(nodes["prover"], "ledger")

	ctx := context.Background()
	balance, err := client.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance.Lo)

	var nobody types.Account
	balance, err = client.Balance(ctx, nobody)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	receipt, err := zkvm.NewProver(p, zerolog.Nop()).Prove(zkvm.EncodeInput(
		[]uint128.Uint128{uint128.From64(100), uint128.From64(50)},
		[]types.IndexedTransfer{{Sender: 0, Recipient: 1, Amount: uint128.From64(30)}},
	))
	require.NoError(t, err)
	sub := chain.NewSubmission([]types.Account{alice, bob}, receipt)

	require.NoError(t, client.Submit(ctx, sub))
	balance, err = client.Balance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(80), balance.Lo)

	// Replaying the same receipt is refused once balances moved on.
	err = client.Submit(ctx, sub)
	require.ErrorIs(t, err, chain.ErrStaleBalances)
	require.ErrorIs(t, err, chain.ErrFailedVerification)

	sub.Accounts = []types.Account{alice, alice}
	err = client.Submit(ctx, sub)
	require.ErrorIs(t, err, chain.ErrMalformedSubmission)
}

func TestRemoteChainError(t *testing.T) {
	for code, want := range map[string]error{
		"malformed":         chain.ErrMalformedSubmission,
		"stale":             chain.ErrStaleBalances,
		"identity_mismatch": zkvm.ErrIdentityMismatch,
		"invalid_proof":     chain.ErrFailedVerification,
	} {
		t.Run(code, func(t *testing.T) {
			err := remoteChainError(&RemoteError{Peer: "ledger", Status: 422, Code: code, Message: "x"})
			require.ErrorIs(t, err, want)
		})
	}
	err := remoteChainError(&RemoteError{Code: "other"})
	require.NotErrorIs(t, err, chain.ErrFailedVerification)
	assert.Contains(t, fmt.Sprint(err), "other")
}
