// main.go - Transfer proof daemon.
//
// Modes:
//   - standalone: ledger, verifier and prover in one process
//   - ledger: holds balances and verifies submissions from remote provers
//   - prover: accepts batches, proves them and submits to a ledger node
//
// Usage:
//
//	transferd --mode=standalone --ledger-genesis=genesis.json
//	transferd --help

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zkledger/transferproof/internal/accounts"
	"github.com/zkledger/transferproof/internal/admission"
	"github.com/zkledger/transferproof/internal/chain"
	"github.com/zkledger/transferproof/internal/events"
	"github.com/zkledger/transferproof/internal/ledger"
	"github.com/zkledger/transferproof/internal/log"
	"github.com/zkledger/transferproof/internal/metrics"
	"github.com/zkledger/transferproof/internal/pipeline"
	"github.com/zkledger/transferproof/internal/service"
	"github.com/zkledger/transferproof/internal/store"
	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
	"github.com/zkledger/transferproof/p2p"
)

var build = "develop"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "main: exited with error: %s\n", err.Error())
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "creating logger")
	}
	defer logger.Close()
	logger.RouteGnark(cfg.Log.Gnark)
	mainLog := logger.Component("main")

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	mainLog.Info().Str("build", build).Msgf("Config :\n%v", out)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(cfg.Metrics.Namespace, reg)

	kv, err := store.Open(store.Options{Path: cfg.Store.Folder})
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	defer kv.Close()

	d, err := assemble(cfg, logger, m, reg, kv)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if d.node != nil && cfg.Mode != ModeProver {
		if err := d.node.Start(); err != nil {
			return errors.Wrap(err, "starting ledger node")
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return d.node.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		settled, err := d.svc.Resume(gctx)
		if err != nil {
			mainLog.Error().Err(err).Int("settled", settled).Msg("resuming unfinished batches")
			return nil
		}
		if settled > 0 {
			mainLog.Info().Int("settled", settled).Msg("unfinished batches settled")
		}
		return nil
	})

	intake := NewServer(d.batches, d.balances, d.health, logger.Component("intake"))
	serve(gctx, g, mainLog, "intake", &http.Server{
		Addr:              cfg.Server.HttpHost,
		Handler:           intake.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, cfg.Server.ShutdownTimeout)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	serve(gctx, g, mainLog, "metrics", &http.Server{
		Addr:              cfg.Server.MetricsHttpHost,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}, cfg.Server.ShutdownTimeout)

	mainLog.Info().Str("mode", cfg.Mode).Str("program", d.program.String()).Msg("transferd started")
	err = g.Wait()
	mainLog.Info().Msg("shutting down")
	return err
}

func newLogger(cfg Config) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	format, err := log.ParseFormat(cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return log.New(log.Options{
		Level:     level,
		Format:    format,
		File:      cfg.Log.File,
		AuditFile: cfg.Log.AuditFile,
	})
}

// serve runs srv until ctx ends, then shuts it down.
func serve(ctx context.Context, g *errgroup.Group, logger zerolog.Logger, name string, srv *http.Server, timeout time.Duration) {
	g.Go(func() error {
		logger.Info().Str("server", name).Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "serving %s", name)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// daemon is the set of components a mode runs.
type daemon struct {
	program  zkvm.ProgramID
	balances accounts.BalanceLookup
	batches  Batches
	svc      *service.Service
	node     *p2p.Node
	health   *HealthChecker
	closers  []func()
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func assemble(cfg Config, logger *log.Logger, m *metrics.Metrics, reg *prometheus.Registry, kv *store.KV) (*daemon, error) {
	pinned, err := cfg.PinnedProgram()
	if err != nil {
		return nil, errors.Wrap(err, "parsing program id")
	}
	shape := cfg.Shape()
	pkPath, vkPath := zkvm.KeyPaths(cfg.Program.KeyFolder, shape)
	d := &daemon{}

	var (
		program *zkvm.Program
		key     *zkvm.VerifyingKey
	)
	switch cfg.Mode {
	case ModeStandalone, ModeProver:
		start := time.Now()
		program, err = zkvm.LoadOrSetup(shape, cfg.Program.KeyFolder)
		if err != nil {
			return nil, errors.Wrap(err, "loading program keys")
		}
		m.RecordCircuitCompile(time.Since(start))
		key = program.VerifyingKey()
	case ModeLedger:
		key, err = zkvm.LoadVerifyingKey(vkPath)
		if err != nil {
			return nil, errors.Wrap(err, "loading verifying key")
		}
	}
	if pinned.IsZero() {
		mainLog := logger.Component("main")
		mainLog.Warn().Str("program", key.ID().String()).Msg("no program id pinned, trusting local keys")
		pinned = key.ID()
	} else if key.ID() != pinned {
		return nil, errors.Errorf("loaded keys have program id %s, pinned %s", key.ID(), pinned)
	}
	d.program = pinned
	d.health = NewHealthChecker(build, pinned.String())

	var submitter service.Submitter
	switch cfg.Mode {
	case ModeStandalone, ModeLedger:
		ledgerLog := logger.Component("ledger")
		l := ledger.New(kv, ledgerLog)
		if cfg.Ledger.Genesis != "" {
			balances, err := loadGenesis(cfg.Ledger.Genesis)
			if err != nil {
				return nil, errors.Wrap(err, "loading genesis")
			}
			applied, err := applyGenesis(kv, l, balances)
			if err != nil {
				return nil, errors.Wrap(err, "applying genesis")
			}
			ledgerLog.Info().Bool("applied", applied).Int("accounts", len(balances)).Msg("genesis")
		}

		sinks := []chain.EventSink{auditSink(logger)}
		if len(cfg.Kafka.Brokers) > 0 {
			kcl, err := events.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Metrics.Namespace, reg, reg)
			if err != nil {
				return nil, errors.Wrap(err, "creating kafka client")
			}
			d.closers = append(d.closers, kcl.Close)
			sinks = append(sinks, events.NewPublisher(kcl, cfg.Kafka.Topic, logger.Component("events")))
			d.health.RegisterComponent("kafka", false, kcl.Ping)
		}

		verifier := chain.NewVerifier(key, l, chain.Config{
			Program:           pinned,
			StrictOldBalances: cfg.Ledger.StrictOldBalances,
		},
			chain.WithEventSink(fanOut(sinks)),
			chain.WithMetrics(m),
			chain.WithLogger(logger.Component("verifier")),
		)

		d.node = p2p.NewNode(cfg.Node.ID, cfg.Node.Listen, nil, logger.Component("p2p"))
		p2p.RegisterLedgerHandlers(d.node, l, verifier)
		d.balances = l
		submitter = verifier

	case ModeProver:
		d.node = p2p.NewNode(cfg.Node.ID, "", map[string]string{cfg.Node.LedgerID: cfg.Node.LedgerAddress}, logger.Component("p2p"))
		client := p2p.NewLedgerClient(d.node, cfg.Node.LedgerID)
		d.health.RegisterComponent("ledger_peer", true, func(ctx context.Context) error {
			d.node.HealthCheck(ctx)
			if !d.node.Healthy(cfg.Node.LedgerID) {
				return fmt.Errorf("ledger node %s at %s did not answer ping", cfg.Node.LedgerID, cfg.Node.LedgerAddress)
			}
			return nil
		})
		d.balances = client
		submitter = client
	}

	d.health.RegisterComponent("ledger", true, func(ctx context.Context) error {
		_, err := d.balances.Balance(ctx, types.Account{})
		return err
	})

	if program == nil {
		d.health.RegisterComponent("verifying_key", true, fileCheck(vkPath))
		return d, nil
	}
	d.health.RegisterComponent("prover_keys", true, func(ctx context.Context) error {
		if err := fileCheck(pkPath)(ctx); err != nil {
			return err
		}
		return fileCheck(vkPath)(ctx)
	})

	records, err := store.NewRecords(kv)
	if err != nil {
		return nil, errors.Wrap(err, "opening batch records")
	}
	pl := pipeline.New(zkvm.NewProver(program, logger.Component("prover")), pipeline.Config{
		Workers:   cfg.Prover.Workers,
		QueueSize: cfg.Prover.QueueSize,
		Retries:   cfg.Prover.Retries,
		Backoff:   cfg.Prover.Backoff,
	}, pipeline.WithMetrics(m), pipeline.WithLogger(logger.Component("pipeline")))
	d.closers = append(d.closers, pl.Close)

	limiter := NewSenderRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, cfg.RateLimit.Idle)
	d.closers = append(d.closers, limiter.Close)

	svc := service.New(service.Deps{
		Admission: admission.NewVerifier(logger.Component("admission")),
		Balances:  d.balances,
		Prover:    pl,
		Submitter: submitter,
		Records:   records,
		Locks:     pipeline.NewAccountLocks(cfg.Prover.GlobalLock),
		Throttle:  limiter,
		Program:   pinned,
		Metrics:   m,
		Logger:    logger.Component("service"),
	})
	d.closers = append(d.closers, svc.Stop)
	d.batches = svc
	d.svc = svc
	return d, nil
}

func fileCheck(path string) Checker {
	return func(context.Context) error {
		_, err := os.Stat(path)
		return err
	}
}

// auditSink records every committed batch in the audit log.
func auditSink(logger *log.Logger) chain.EventSink {
	return chain.EventSinkFunc(func(_ context.Context, event chain.Event) error {
		logger.Audit(event.Kind, map[string]any{
			"program":  event.Program.String(),
			"digest":   event.Digest.String(),
			"accounts": len(event.Accounts),
		})
		return nil
	})
}

// fanOut delivers each event to every sink and returns the first error.
func fanOut(sinks []chain.EventSink) chain.EventSink {
	return chain.EventSinkFunc(func(ctx context.Context, event chain.Event) error {
		var first error
		for _, sink := range sinks {
			if err := sink.Publish(ctx, event); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
