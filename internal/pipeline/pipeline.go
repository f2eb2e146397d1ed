// pipeline.go - Dispatching batches to dedicated proving workers.
//
// Proving is CPU bound and long running, so it never runs on the caller's
// goroutine. A job can be abandoned while it waits in the queue; once a
// worker has picked it up it always runs to completion, and the caller waits
// for it even if its context ends.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zkledger/transferproof/internal/metrics"
	"github.com/zkledger/transferproof/internal/types"
	"github.com/zkledger/transferproof/internal/zkvm"
	"lukechampine.com/uint128"
)

var (
	// ErrProofInfrastructure covers failures of the proving environment
	// rather than of the batch. It is the only class that is retried.
	ErrProofInfrastructure = errors.New("proof infrastructure error")

	ErrClosed = errors.New("pipeline closed")
)

// Prover turns an encoded program input into a receipt.
type Prover interface {
	Prove(input []byte) (*zkvm.Receipt, error)
}

type Config struct {
	Workers   int
	QueueSize int
	// Retries is the number of extra attempts after an infrastructure failure.
	Retries int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
}

func DefaultConfig() Config {
	return Config{Workers: 1, QueueSize: 16, Retries: 2, Backoff: time.Second}
}

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type result struct {
	receipt *zkvm.Receipt
	err     error
}

type job struct {
	input []byte
	state atomic.Int32
	done  chan result
}

type Pipeline struct {
	prover  Prover
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	jobs      chan *job
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Pipeline)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New starts cfg.Workers proving workers.
func New(prover Prover, cfg Config, opts ...Option) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	p := &Pipeline{
		prover: prover,
		cfg:    cfg,
		logger: zerolog.Nop(),
		jobs:   make(chan *job, cfg.QueueSize),
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Prove encodes balances and transfers, runs them through a worker and
// returns the receipt. Execution failures wrap zkvm.ErrExecutionFailed;
// failures that persisted through every retry wrap ErrProofInfrastructure.
func (p *Pipeline) Prove(ctx context.Context, balances []uint128.Uint128, transfers []types.IndexedTransfer) (*zkvm.Receipt, error) {
	j := &job{
		input: zkvm.EncodeInput(balances, transfers),
		done:  make(chan result, 1),
	}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.quit:
		return nil, ErrClosed
	}

	select {
	case r := <-j.done:
		return r.receipt, r.err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return nil, ctx.Err()
		}
		r := <-j.done
		return r.receipt, r.err
	case <-p.quit:
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return nil, ErrClosed
		}
		r := <-j.done
		return r.receipt, r.err
	}
}

// Close stops the workers after their current job. Queued jobs fail with
// ErrClosed.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
	for {
		select {
		case j := <-p.jobs:
			if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
				j.done <- result{err: ErrClosed}
			}
		default:
			return
		}
	}
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()
	for {
		select {
		case <-p.quit:
			return
		case j := <-p.jobs:
			if !j.state.CompareAndSwap(jobQueued, jobStarted) {
				continue
			}
			receipt, err := p.run(logger, j.input)
			j.done <- result{receipt: receipt, err: err}
		}
	}
}

func (p *Pipeline) run(logger zerolog.Logger, input []byte) (*zkvm.Receipt, error) {
	start := time.Now()
	var err error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			p.metrics.RecordProofRetry()
			time.Sleep(time.Duration(attempt) * p.cfg.Backoff)
		}

		var receipt *zkvm.Receipt
		receipt, err = p.attempt(input)
		if err == nil {
			p.metrics.RecordProofGeneration(time.Since(start), len(receipt.Segments))
			logger.Info().
				Int("segments", len(receipt.Segments)).
				Dur("elapsed", time.Since(start)).
				Int("attempt", attempt+1).
				Msg("batch proven")
			return receipt, nil
		}
		if !errors.Is(err, ErrProofInfrastructure) {
			return nil, err
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("proving failed")
	}
	p.metrics.RecordError("proof_infrastructure")
	return nil, err
}

// attempt runs the prover once and classifies its error.
func (p *Pipeline) attempt(input []byte) (receipt *zkvm.Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			receipt, err = nil, fmt.Errorf("%w: prover panic: %v", ErrProofInfrastructure, r)
		}
	}()

	receipt, err = p.prover.Prove(input)
	switch {
	case err == nil:
		return receipt, nil
	case errors.Is(err, zkvm.ErrExecutionFailed),
		errors.Is(err, zkvm.ErrShapeExceeded),
		errors.Is(err, zkvm.ErrMalformedEncoding):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", ErrProofInfrastructure, err)
	}
}
