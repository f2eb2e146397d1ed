// main.go - End-to-end walkthrough of a proven batch transfer.
//
// This runs the whole flow in one process:
//   - a ledger node holds balances and verifies submissions over p2p
//   - a prover compiles the transfer program, admits signed requests,
//     proves the batch and submits the receipt to the ledger node
//   - the ledger checks the proof against the pinned program id and commits
//
// Usage:
//
//	go run .
//
// Alice starts with 100 and Bob with 50. Alice pays Bob 30, leaving 70 and 80.
// A second batch in which Bob overspends is refused and changes nothing.

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ed25519"

	"github.com/zkledger/transferproof/internal/accounts"
	"github.com/zkledger/transferproof/internal/admission"
	"github.com/zkledger/transferproof/internal/chain"
	"github.com/zkledger/transferproof/internal/ledger"
	"github.com/zkledger/transferproof/internal/log"
	"github.com/zkledger/transferproof/internal/pipeline"
	"github.com/zkledger/transferproof/internal/service"
	"github.com/zkledger/transferproof/internal/store"
	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
	"github.com/zkledger/transferproof/p2p"
	"lukechampine.com/uint128"
)

var demoShape = zkvm.Shape{Accounts: 4, Transfers: 2}

type participant struct {
	Name    string
	Account types.Account
	key     ed25519.PrivateKey
}

func newParticipant(name string) (*participant, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	account, err := types.AccountFromBytes(pub)
	if err != nil {
		return nil, err
	}
	return &participant{Name: name, Account: account, key: priv}, nil
}

func (p *participant) pay(to *participant, amount uint64) types.TransferRequest {
	return admission.Sign(p.key, to.Account, uint128.From64(amount))
}

// network is a ledger node and a prover-side coordinator talking over p2p.
type network struct {
	ledger     *ledger.Ledger
	ledgerNode *p2p.Node
	service    *service.Service
	program    *zkvm.Program
	closers    []func()
}

func (n *network) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
}

func newNetwork(program *zkvm.Program, logger zerolog.Logger) (*network, error) {
	n := &network{program: program}

	ledgerKV, err := store.OpenInMemory()
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, func() { _ = ledgerKV.Close() })
	n.ledger = ledger.New(ledgerKV, logger.With().Str("component", "ledger").Logger())

	verifier := chain.NewVerifier(program.VerifyingKey(), n.ledger, chain.Config{
		Program:           program.ID(),
		StrictOldBalances: true,
	}, chain.WithLogger(logger.With().Str("component", "verifier").Logger()),
		chain.WithEventSink(chain.EventSinkFunc(func(_ context.Context, e chain.Event) error {
			logger.Info().Str("event", e.Kind).Str("digest", e.Digest.String()).Int("accounts", len(e.Accounts)).Msg("ledger event")
			return nil
		})))

	n.ledgerNode = p2p.NewNode("ledger", "127.0.0.1:0", nil, logger)
	p2p.RegisterLedgerHandlers(n.ledgerNode, n.ledger, verifier)
	if err := n.ledgerNode.Start(); err != nil {
		n.Close()
		return nil, err
	}
	n.closers = append(n.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.ledgerNode.Shutdown(ctx)
	})

	proverKV, err := store.OpenInMemory()
	if err != nil {
		n.Close()
		return nil, err
	}
	n.closers = append(n.closers, func() { _ = proverKV.Close() })
	records, err := store.NewRecords(proverKV)
	if err != nil {
		n.Close()
		return nil, err
	}

	proverNode := p2p.NewNode("prover", "", map[string]string{"ledger": n.ledgerNode.Address}, logger)
	client := p2p.NewLedgerClient(proverNode, "ledger")

	pipe := pipeline.New(zkvm.NewProver(program, logger), pipeline.DefaultConfig(),
		pipeline.WithLogger(logger.With().Str("component", "pipeline").Logger()))
	n.closers = append(n.closers, pipe.Close)

	n.service = service.New(service.Deps{
		Admission: admission.NewVerifier(logger),
		Balances:  client,
		Prover:    pipe,
		Submitter: client,
		Records:   records,
		Program:   program.ID(),
		Logger:    logger.With().Str("component", "service").Logger(),
	})
	n.closers = append(n.closers, n.service.Stop)
	return n, nil
}

func printBalances(out io.Writer, title string, balances []accounts.Balance, names map[types.Account]string) {
	fmt.Fprintf(out, "%s\n", title)
	for _, b := range balances {
		fmt.Fprintf(out, "  %-6s %s -> %s\n", names[b.Account], b.Old, b.New)
	}
}

// runDemo executes the walkthrough and returns the balances of the accepted batch.
func runDemo(ctx context.Context, program *zkvm.Program, logger zerolog.Logger, out io.Writer) ([]accounts.Balance, error) {
	nw, err := newNetwork(program, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start network: %w", err)
	}
	defer nw.Close()

	alice, err := newParticipant("alice")
	if err != nil {
		return nil, err
	}
	bob, err := newParticipant("bob")
	if err != nil {
		return nil, err
	}
	names := map[types.Account]string{alice.Account: alice.Name, bob.Account: bob.Name}

	if err := nw.ledger.Endow(alice.Account, uint128.From64(100)); err != nil {
		return nil, err
	}
	if err := nw.ledger.Endow(bob.Account, uint128.From64(50)); err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "program %s (%s)\n", program.ID(), program.Shape())

	result, err := nw.service.Process(ctx, []types.TransferRequest{alice.pay(bob, 30)})
	if err != nil {
		return nil, fmt.Errorf("batch refused: %w", err)
	}
	printBalances(out, "batch "+result.ID.String()+" verified:", result.Balances, names)

	_, err = nw.service.Process(ctx, []types.TransferRequest{bob.pay(alice, 500)})
	if !errors.Is(err, zkvm.ErrExecutionFailed) {
		return nil, fmt.Errorf("overdraft batch: expected execution failure, got %v", err)
	}
	fmt.Fprintf(out, "overdraft batch refused: %v\n", err)

	for _, p := range []*participant{alice, bob} {
		balance, err := nw.ledger.Balance(ctx, p.Account)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "  %-6s %s\n", p.Name, balance)
	}
	return result.Balances, nil
}

func main() {
	logger, err := log.New(log.Options{Level: zerolog.InfoLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Close()
	logger.RouteGnark(false)

	start := time.Now()
	program, err := zkvm.Setup(demoShape)
	if err != nil {
		logger.Root.Fatal().Err(err).Msg("program setup failed")
	}
	logger.Root.Info().Dur("elapsed", time.Since(start)).Msg("program compiled")

	if _, err := runDemo(context.Background(), program, logger.Component("demo"), os.Stdout); err != nil {
		logger.Root.Fatal().Err(err).Msg("demo failed")
	}
}
