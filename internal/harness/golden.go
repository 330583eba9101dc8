package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/pricer/internal/engine"
	"github.com/roach88/pricer/internal/ir"
)

// Snapshot renders the result and trace of an evaluation as indented
// canonical JSON. Identical evaluations produce identical bytes.
func Snapshot(name string, ev *engine.Evaluation) ([]byte, error) {
	snapshot := ir.IRObject{
		"scenario_name":  ir.IRString(name),
		"ruleset":        ir.IRString(ev.Ref.String()),
		"result":         ev.Result.IR(),
		"trace":          ev.Trace.IR(),
		"trace_checksum": ir.IRString(ev.Trace.Checksum),
	}
	data, err := ir.MarshalCanonical(snapshot)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. By default the file is testdata/golden/{scenario.Name}.golden;
// opts are passed to goldie and may override that.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...goldie.Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if result.Evaluation == nil {
		return result, nil
	}
	if err := AssertGolden(t, scenario.Name, result, opts...); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against its golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result, opts ...goldie.Option) error {
	t.Helper()

	if result.Evaluation == nil {
		return fmt.Errorf("scenario %s has no evaluation to snapshot", scenarioName)
	}
	data, err := Snapshot(scenarioName, result.Evaluation)
	if err != nil {
		return err
	}

	g := goldie.New(t, append([]goldie.Option{
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	}, opts...)...)
	g.Assert(t, scenarioName, data)
	return nil
}
