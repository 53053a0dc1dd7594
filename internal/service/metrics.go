package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics holds the interception pipeline's prometheus metrics.
// Pass to the interception service; nil disables recording.
type GatewayMetrics struct {
	// DecisionsTotal counts routing decisions by route and deciding phase.
	DecisionsTotal *prometheus.CounterVec
	// ClassifierUnavailable counts classifications that timed out or
	// returned garbage and were substituted with a zero assessment.
	ClassifierUnavailable prometheus.Counter
	// TaintMarks counts sessions newly marked tainted.
	TaintMarks prometheus.Counter
	// RedactionsTotal counts sanitizer replacements in outbound payloads.
	RedactionsTotal prometheus.Counter
	// ForwardFailures counts backend forwards that did not complete, by
	// kind (timeout, error).
	ForwardFailures *prometheus.CounterVec
	// LedgerWriteFailures counts failed ledger write attempts. The store
	// retries them; the counter is the monitoring signal.
	LedgerWriteFailures prometheus.Counter
}

// NewGatewayMetrics creates and registers the pipeline metrics.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	return &GatewayMetrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chimera",
				Name:      "routing_decisions_total",
				Help:      "Routing decisions by route and deciding phase",
			},
			[]string{"route", "phase"},
		),
		ClassifierUnavailable: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "chimera",
				Name:      "classifier_unavailable_total",
				Help:      "Classifications substituted with a zero assessment",
			},
		),
		TaintMarks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "chimera",
				Name:      "taint_marks_total",
				Help:      "Sessions newly marked tainted",
			},
		),
		RedactionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "chimera",
				Name:      "sanitizer_redactions_total",
				Help:      "Sanitizer replacements in outbound payloads",
			},
		),
		ForwardFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chimera",
				Name:      "forward_failures_total",
				Help:      "Backend forwards that did not complete",
			},
			[]string{"kind"},
		),
		LedgerWriteFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "chimera",
				Name:      "ledger_write_failures_total",
				Help:      "Failed ledger write attempts (queued for retry)",
			},
		),
	}
}
