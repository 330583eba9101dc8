package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pricer/internal/config"
	"github.com/roach88/pricer/internal/errs"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return New(config.MetricsConfig{Namespace: "test", Subsystem: "pricer"}, prometheus.NewRegistry())
}

func TestNew_DefaultsNamespace(t *testing.T) {
	m := New(config.MetricsConfig{}, nil)
	require.NotNil(t, m.Registry())

	m.RecordIssue("bookkeeping@3", true)
	n, err := testutil.GatherAndCount(m.Registry(), "pricer_quotes_issued_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordEvaluation(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordEvaluation("bookkeeping@3", 2*time.Millisecond, nil)
	m.RecordEvaluation("bookkeeping@3", time.Millisecond, nil)
	m.RecordEvaluation("bookkeeping@3", time.Millisecond, errs.Expression("vars.per_month", "division by zero", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.evaluationsTotal.WithLabelValues("bookkeeping@3", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluationsTotal.WithLabelValues("bookkeeping@3", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("evaluate", string(errs.KindExpression))))

	n, err := testutil.GatherAndCount(m.Registry(), "test_pricer_evaluation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordIssue(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordIssue("bookkeeping@3", true)
	m.RecordIssue("bookkeeping@3", false)
	m.RecordIssue("bookkeeping@3", false)

	expected := `
# HELP test_pricer_quotes_issued_total Total number of quote issue calls
# TYPE test_pricer_quotes_issued_total counter
test_pricer_quotes_issued_total{outcome="created",ruleset="bookkeeping@3"} 1
test_pricer_quotes_issued_total{outcome="replayed",ruleset="bookkeeping@3"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_pricer_quotes_issued_total"))
}

func TestRecordAccept(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordAccept(nil)
	m.RecordAccept(errs.Immutable("quote version qv-1 is already accepted"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.acceptedTotal.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acceptedTotal.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("accept", string(errs.KindImmutability))))
}

func TestRecordError_Internal(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError("get", errors.New("disk I/O error"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("get", "internal")))
}
