package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobsEnqueued       *prometheus.CounterVec
	JobsProcessed      *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	JobsInFlight       *prometheus.GaugeVec
	RateLimitDecisions *prometheus.CounterVec
	LedgerTransactions *prometheus.CounterVec
	RegistrarCalls     *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domainq_jobs_enqueued_total",
			Help: "Jobs accepted by the producer",
		}, []string{"type"}),
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domainq_jobs_processed_total",
			Help: "Job executions by outcome",
		}, []string{"type", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "domainq_job_duration_seconds",
			Help:    "Wall time of a single job execution",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		JobsInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "domainq_jobs_in_flight",
			Help: "Jobs currently Active in this process",
		}, []string{"type"}),
		RateLimitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domainq_ratelimit_decisions_total",
			Help: "Rate limiter decisions by scope",
		}, []string{"scope", "allowed"}),
		LedgerTransactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domainq_ledger_transactions_total",
			Help: "Wallet transactions appended",
		}, []string{"type"}),
		RegistrarCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domainq_registrar_calls_total",
			Help: "Outbound registrar calls by operation and result",
		}, []string{"op", "result"}),
	}
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) Enqueued(jobType string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(jobType).Inc()
}

func (m *Metrics) Processed(jobType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(took.Seconds())
}

func (m *Metrics) InFlight(jobType string, delta float64) {
	if m == nil {
		return
	}
	m.JobsInFlight.WithLabelValues(jobType).Add(delta)
}

func (m *Metrics) RateLimit(scope string, allowed bool) {
	if m == nil {
		return
	}
	label := "false"
	if allowed {
		label = "true"
	}
	m.RateLimitDecisions.WithLabelValues(scope, label).Inc()
}

func (m *Metrics) Ledger(txType string) {
	if m == nil {
		return
	}
	m.LedgerTransactions.WithLabelValues(txType).Inc()
}

func (m *Metrics) Registrar(op, result string) {
	if m == nil {
		return
	}
	m.RegistrarCalls.WithLabelValues(op, result).Inc()
}
