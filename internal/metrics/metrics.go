// metrics.go - Prometheus metrics for the transfer pipeline.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	batchesAdmitted   prometheus.Counter
	transfersAdmitted prometheus.Counter
	batchesRejected   *prometheus.CounterVec
	batchesInFlight   prometheus.Gauge
	proofGeneration   prometheus.Histogram
	circuitCompile    prometheus.Histogram
	segmentsPerProof  prometheus.Histogram
	proofRetries      prometheus.Counter
	verifications     *prometheus.CounterVec
	ledgerCommits     prometheus.Counter
	accountsCommitted prometheus.Counter
	eventsPublished   *prometheus.CounterVec
	errors            *prometheus.CounterVec
}

// New registers the pipeline metrics with reg, each name prefixed by namespace.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		batchesAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_batches_admitted_total", namespace),
			Help: "Batches that passed signature verification",
		}),
		transfersAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_transfers_admitted_total", namespace),
			Help: "Transfers in admitted batches",
		}),
		batchesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_batches_rejected_total", namespace),
			Help: "Rejected batches by reason",
		}, []string{"reason"}),
		batchesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_batches_in_flight", namespace),
			Help: "Batches admitted but not yet verified or rejected",
		}),
		proofGeneration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_proof_generation_seconds", namespace),
			Help:    "Time to execute and prove one batch",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		circuitCompile: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_circuit_compile_seconds", namespace),
			Help:    "Time to compile the circuit and load or generate its keys",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		segmentsPerProof: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_receipt_segments", namespace),
			Help:    "Segments per receipt",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		proofRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_proof_retries_total", namespace),
			Help: "Proof attempts retried after an infrastructure failure",
		}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_verifications_total", namespace),
			Help: "Submitted receipts by verification result",
		}, []string{"result"}),
		ledgerCommits: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_ledger_commits_total", namespace),
			Help: "Verified batches committed to the ledger",
		}),
		accountsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_ledger_accounts_committed_total", namespace),
			Help: "Account balances written by verified batches",
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_events_published_total", namespace),
			Help: "Verification events handed to the event sink by result",
		}, []string{"result"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_errors_total", namespace),
			Help: "Errors by type",
		}, []string{"type"}),
	}
}

func (m *Metrics) RecordAdmitted(transfers int) {
	if m == nil {
		return
	}
	m.batchesAdmitted.Inc()
	m.transfersAdmitted.Add(float64(transfers))
	m.batchesInFlight.Inc()
}

func (m *Metrics) RecordRejected(reason string, admitted bool) {
	if m == nil {
		return
	}
	m.batchesRejected.WithLabelValues(reason).Inc()
	if admitted {
		m.batchesInFlight.Dec()
	}
}

func (m *Metrics) RecordVerified() {
	if m == nil {
		return
	}
	m.batchesInFlight.Dec()
}

func (m *Metrics) RecordProofGeneration(duration time.Duration, segments int) {
	if m == nil {
		return
	}
	m.proofGeneration.Observe(duration.Seconds())
	m.segmentsPerProof.Observe(float64(segments))
}

func (m *Metrics) RecordCircuitCompile(duration time.Duration) {
	if m == nil {
		return
	}
	m.circuitCompile.Observe(duration.Seconds())
}

func (m *Metrics) RecordProofRetry() {
	if m == nil {
		return
	}
	m.proofRetries.Inc()
}

// RecordVerification counts one submission; result is "ok" or a failure reason.
func (m *Metrics) RecordVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCommit(accounts int) {
	if m == nil {
		return
	}
	m.ledgerCommits.Inc()
	m.accountsCommitted.Add(float64(accounts))
}

func (m *Metrics) RecordEvent(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsPublished.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorType).Inc()
}
