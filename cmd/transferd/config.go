// config.go - Daemon configuration
package main

import (
	"fmt"
	"time"

	"github.com/zkledger/transferproof/internal/log"
	"github.com/zkledger/transferproof/internal/zkvm"
)

const envPrefix = "TRANSFERD"

const (
	ModeStandalone = "standalone"
	ModeLedger     = "ledger"
	ModeProver     = "prover"
)

// Config is filled from flags and TRANSFERD_* environment variables.
type Config struct {
	Mode   string `conf:"default:standalone,help:standalone|ledger|prover"`
	Server struct {
		HttpHost        string        `conf:"default:0.0.0.0:8080"`
		MetricsHttpHost string        `conf:"default:0.0.0.0:9999"`
		ShutdownTimeout time.Duration `conf:"default:30s"`
	}
	Node struct {
		ID       string `conf:"default:transferd"`
		Listen   string `conf:"default:0.0.0.0:7000"`
		LedgerID string `conf:"default:ledger"`
		// LedgerAddress is the host:port of the ledger node in prover mode.
		LedgerAddress string `conf:"default:localhost:7000"`
	}
	Store struct {
		Folder string `conf:"default:store"`
	}
	Ledger struct {
		StrictOldBalances bool   `conf:"default:true"`
		Genesis           string `conf:"optional,help:JSON file of account to initial balance"`
	}
	Program struct {
		KeyFolder string `conf:"default:keys"`
		Accounts  uint32 `conf:"default:8"`
		Transfers uint32 `conf:"default:8"`
		// ID pins the accepted program. Required in ledger mode.
		ID string `conf:"optional"`
	}
	Prover struct {
		Workers    int           `conf:"default:1"`
		QueueSize  int           `conf:"default:16"`
		Retries    int           `conf:"default:2"`
		Backoff    time.Duration `conf:"default:1s"`
		GlobalLock bool          `conf:"default:true"`
	}
	Log struct {
		Level     string `conf:"default:info"`
		Format    string `conf:"default:console"`
		File      string `conf:"optional"`
		AuditFile string `conf:"optional"`
		Gnark     bool   `conf:"default:false"`
	}
	Metrics struct {
		Namespace string `conf:"default:transferd"`
	}
	Kafka struct {
		Brokers []string `conf:"optional"`
		Topic   string   `conf:"default:transfer-verifications"`
	}
	RateLimit struct {
		PerSecond float64 `conf:"default:5"`
		Burst     int     `conf:"default:10"`
		// Idle is how long an unused sender bucket is kept.
		Idle time.Duration `conf:"default:10m"`
	}
}

// Shape returns the configured program shape.
func (c *Config) Shape() zkvm.Shape {
	return zkvm.Shape{Accounts: c.Program.Accounts, Transfers: c.Program.Transfers}
}

// PinnedProgram parses Program.ID. The zero id means none was configured.
func (c *Config) PinnedProgram() (zkvm.ProgramID, error) {
	if c.Program.ID == "" {
		return zkvm.ProgramID{}, nil
	}
	return zkvm.ParseProgramID(c.Program.ID)
}

// Validate checks the combination of options.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeStandalone, ModeLedger, ModeProver:
	default:
		return fmt.Errorf("mode must be one of %s, %s, %s", ModeStandalone, ModeLedger, ModeProver)
	}
	if err := c.Shape().Validate(); err != nil {
		return fmt.Errorf("program shape: %w", err)
	}
	if _, err := c.PinnedProgram(); err != nil {
		return fmt.Errorf("program id: %w", err)
	}
	if c.Mode == ModeLedger && c.Program.ID == "" {
		return fmt.Errorf("program id is required in ledger mode")
	}
	if c.Mode == ModeProver && c.Node.LedgerAddress == "" {
		return fmt.Errorf("ledger address is required in prover mode")
	}
	if c.Store.Folder == "" {
		return fmt.Errorf("store folder must be set")
	}
	if c.Prover.Workers <= 0 {
		return fmt.Errorf("prover workers must be positive")
	}
	if c.Prover.QueueSize < 0 {
		return fmt.Errorf("prover queue size must not be negative")
	}
	if c.Prover.Retries < 0 {
		return fmt.Errorf("prover retries must not be negative")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit burst must be positive")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if _, err := log.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log format: %w", err)
	}
	return nil
}
