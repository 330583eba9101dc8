// Package metrics records pricing activity as prometheus metrics.
//
// Metrics:
//   - <ns>_evaluations_total: evaluations by ruleset and outcome
//   - <ns>_evaluation_duration_seconds: evaluation latency by ruleset
//   - <ns>_quotes_issued_total: issue calls by ruleset and outcome (created, replayed)
//   - <ns>_quotes_accepted_total: accept calls by outcome
//   - <ns>_errors_total: failed operations by operation and error kind
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/pricer/internal/config"
	"github.com/roach88/pricer/internal/errs"
)

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCreated  = "created"
	OutcomeReplayed = "replayed"
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Metrics holds the pricer collectors.
type Metrics struct {
	registry *prometheus.Registry

	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	issuedTotal        *prometheus.CounterVec
	acceptedTotal      *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
}

// New creates and registers the collectors. If registry is nil a fresh
// registry is used.
func New(cfg config.MetricsConfig, registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}

	m := &Metrics{
		registry: registry,
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "evaluations_total",
				Help:      "Total number of pricing evaluations",
			},
			[]string{"ruleset", "outcome"},
		),
		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of pricing evaluations in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~160ms
			},
			[]string{"ruleset"},
		),
		issuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "quotes_issued_total",
				Help:      "Total number of quote issue calls",
			},
			[]string{"ruleset", "outcome"},
		),
		acceptedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "quotes_accepted_total",
				Help:      "Total number of quote accept calls",
			},
			[]string{"outcome"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of failed operations by error kind",
			},
			[]string{"operation", "kind"},
		),
	}

	registry.MustRegister(
		m.evaluationsTotal,
		m.evaluationDuration,
		m.issuedTotal,
		m.acceptedTotal,
		m.errorsTotal,
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordEvaluation records one evaluation. A nil err counts as ok.
func (m *Metrics) RecordEvaluation(ruleset string, d time.Duration, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
		m.RecordError("evaluate", err)
	}
	m.evaluationsTotal.WithLabelValues(ruleset, outcome).Inc()
	m.evaluationDuration.WithLabelValues(ruleset).Observe(d.Seconds())
}

// RecordIssue records an issue call that returned a quote version.
func (m *Metrics) RecordIssue(ruleset string, created bool) {
	outcome := OutcomeReplayed
	if created {
		outcome = OutcomeCreated
	}
	m.issuedTotal.WithLabelValues(ruleset, outcome).Inc()
}

// RecordAccept records an accept call.
func (m *Metrics) RecordAccept(err error) {
	if err != nil {
		m.acceptedTotal.WithLabelValues(OutcomeRejected).Inc()
		m.RecordError("accept", err)
		return
	}
	m.acceptedTotal.WithLabelValues(OutcomeAccepted).Inc()
}

// RecordError counts a failed operation under its error kind. Errors
// outside the taxonomy are labelled "internal".
func (m *Metrics) RecordError(operation string, err error) {
	kind := string(errs.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	m.errorsTotal.WithLabelValues(operation, kind).Inc()
}
