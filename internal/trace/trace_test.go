package trace

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ir"
)

func TestClock(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Current())
}

func TestClock_ThreadSafe(t *testing.T) {
	c := NewClock()
	const goroutines = 50
	const calls = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				c.Next()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(goroutines*calls), c.Current())
}

func sampleRecorder(t *testing.T) *Recorder {
	t.Helper()
	r := NewRecorder()
	require.NoError(t, r.Record(Step{
		Stage:   StageEligibility,
		RuleID:  "payroll_requires_addon",
		Inputs:  []Input{{Ref: "addons.payroll", Value: ir.IRBool(false)}},
		Outcome: Skipped,
		Reasons: []string{"payroll add-on not selected"},
	}))
	require.NoError(t, r.Record(Step{
		Stage:    StagePricing,
		RuleID:   "bk_base",
		RuleName: "Bookkeeping base fee",
		Inputs:   []Input{{Ref: "volume.monthly_transaction_volume", Value: ir.DecimalFromInt(250)}},
		Value:    ir.MustDecimal("750.00"),
		Outcome:  Applied,
	}))
	return r
}

var sampleResult = ir.IRObject{"total": ir.MustDecimal("750.00")}

func TestRecorderAssignsSeq(t *testing.T) {
	r := sampleRecorder(t)
	tr, err := r.Finalize(sampleResult)
	require.NoError(t, err)

	require.Len(t, tr.Steps, 2)
	assert.Equal(t, int64(1), tr.Steps[0].Seq)
	assert.Equal(t, int64(2), tr.Steps[1].Seq)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, tr.Checksum)

	s, ok := tr.Step("bk_base")
	require.True(t, ok)
	assert.Equal(t, Applied, s.Outcome)
}

func TestRecorderRejects(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Record(Step{RuleID: "a", Outcome: Applied}))

	tests := []struct {
		name string
		step Step
		want string
	}{
		{"duplicate rule", Step{RuleID: "a", Outcome: Applied}, "already has a step"},
		{"skipped without reason", Step{RuleID: "b", Outcome: Skipped}, "has no reason"},
		{"missing id", Step{Outcome: Applied}, "without rule id"},
		{"bad outcome", Step{RuleID: "c", Outcome: "maybe"}, "invalid outcome"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Record(tt.step)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("b"))
}

func TestRecorderSkip(t *testing.T) {
	r := sampleRecorder(t)
	require.NoError(t, r.Skip("bk_base", "rule did not apply"))

	require.Error(t, r.Skip("bk_base", ""))
	err := r.Skip("missing", "nothing here")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no step")

	tr, err := r.Finalize(sampleResult)
	require.NoError(t, err)
	s, ok := tr.Step("bk_base")
	require.True(t, ok)
	assert.Equal(t, Skipped, s.Outcome)
	assert.Equal(t, []string{"rule did not apply"}, s.Reasons)
	assert.Equal(t, int64(2), s.Seq)

	require.Error(t, r.Skip("bk_base", "too late"))
}

func TestRecorderFrozenAfterFinalize(t *testing.T) {
	r := sampleRecorder(t)
	_, err := r.Finalize(sampleResult)
	require.NoError(t, err)

	err = r.Record(Step{RuleID: "late", Outcome: Applied})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after finalize")

	_, err = r.Finalize(sampleResult)
	require.Error(t, err)
}

func TestChecksumDeterministic(t *testing.T) {
	a, err := sampleRecorder(t).Finalize(sampleResult)
	require.NoError(t, err)
	b, err := sampleRecorder(t).Finalize(sampleResult)
	require.NoError(t, err)
	assert.Equal(t, a.Checksum, b.Checksum)

	c, err := sampleRecorder(t).Finalize(ir.IRObject{"total": ir.MustDecimal("751.00")})
	require.NoError(t, err)
	assert.NotEqual(t, a.Checksum, c.Checksum, "checksum covers the result")
}

func TestVerifyDetectsTampering(t *testing.T) {
	tr, err := sampleRecorder(t).Finalize(sampleResult)
	require.NoError(t, err)
	require.NoError(t, tr.Verify(sampleResult))

	tr.Steps[1].Value = ir.MustDecimal("500.00")
	err = tr.Verify(sampleResult)
	require.Error(t, err)
	assert.True(t, errs.IsChecksumMismatch(err))
}

func TestJSONRoundTripKeepsChecksum(t *testing.T) {
	tr, err := sampleRecorder(t).Finalize(sampleResult)
	require.NoError(t, err)

	data, err := json.Marshal(tr)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"value":"750"`)

	var decoded Trace
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, tr.Checksum, decoded.Checksum)
	require.Len(t, decoded.Steps, 2)
	assert.Equal(t, []string{"payroll add-on not selected"}, decoded.Steps[0].Reasons)
	assert.Equal(t, "Bookkeeping base fee", decoded.Steps[1].RuleName)

	require.NoError(t, decoded.Verify(sampleResult))
}
