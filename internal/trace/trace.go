// Package trace records the evaluation trace: one step per touched rule,
// in the order the pipeline touched them.
//
// A Recorder is append-only. Finalize freezes it and computes the trace
// checksum over the canonical (result, steps) pair, which makes a stored
// trace verifiable without re-running the evaluation.
package trace

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ir"
)

// Outcome is what happened to a rule.
type Outcome string

const (
	Applied Outcome = "applied"
	Skipped Outcome = "skipped"
)

// Stage names the pipeline stage that recorded a step.
type Stage string

const (
	StageDefinitions Stage = "definitions"
	StageEligibility Stage = "eligibility"
	StagePricing     Stage = "pricing"
	StageModifiers   Stage = "modifiers"
	StageBundles     Stage = "bundles"
	StageOutput      Stage = "output"
)

// Input is one value a rule read, in first-read order.
type Input struct {
	Ref   string
	Value ir.IRValue
}

// Step is one trace entry.
type Step struct {
	Seq      int64
	Stage    Stage
	RuleID   string
	RuleName string
	Inputs   []Input
	// Value is the value the rule produced, if any.
	Value   ir.IRValue
	Outcome Outcome
	Reasons []string
}

// IR returns the canonical object form of the step.
func (s Step) IR() ir.IRObject {
	inputs := make(ir.IRArray, len(s.Inputs))
	for i, in := range s.Inputs {
		inputs[i] = ir.IRObject{"ref": ir.IRString(in.Ref), "value": in.Value}
	}
	obj := ir.IRObject{
		"seq":     ir.IRInt(s.Seq),
		"stage":   ir.IRString(s.Stage),
		"rule_id": ir.IRString(s.RuleID),
		"inputs":  inputs,
		"outcome": ir.IRString(s.Outcome),
	}
	if s.RuleName != "" {
		obj["rule_name"] = ir.IRString(s.RuleName)
	}
	if s.Value != nil {
		obj["value"] = s.Value
	}
	if len(s.Reasons) > 0 {
		reasons := make(ir.IRArray, len(s.Reasons))
		for i, r := range s.Reasons {
			reasons[i] = ir.IRString(r)
		}
		obj["reasons"] = reasons
	}
	return obj
}

// stepFromIR is the inverse of Step.IR. Decimal values come back as the
// strings they were canonicalized to, which hash identically.
func stepFromIR(v ir.IRValue) (Step, error) {
	obj, ok := v.(ir.IRObject)
	if !ok {
		return Step{}, fmt.Errorf("step must be an object, got %s", ir.TypeName(v))
	}
	var s Step
	seq, ok := obj["seq"].(ir.IRInt)
	if !ok {
		return Step{}, fmt.Errorf("step seq missing")
	}
	s.Seq = int64(seq)
	s.Stage = Stage(str(obj["stage"]))
	s.RuleID = str(obj["rule_id"])
	s.RuleName = str(obj["rule_name"])
	s.Outcome = Outcome(str(obj["outcome"]))
	s.Value = obj["value"]

	inputs, _ := obj["inputs"].(ir.IRArray)
	for i, in := range inputs {
		o, ok := in.(ir.IRObject)
		if !ok {
			return Step{}, fmt.Errorf("step %d input %d must be an object", s.Seq, i)
		}
		s.Inputs = append(s.Inputs, Input{Ref: str(o["ref"]), Value: o["value"]})
	}
	reasons, _ := obj["reasons"].(ir.IRArray)
	for _, r := range reasons {
		s.Reasons = append(s.Reasons, str(r))
	}
	return s, nil
}

func str(v ir.IRValue) string {
	s, _ := v.(ir.IRString)
	return string(s)
}

// Recorder accumulates steps for one evaluation. It is not safe for
// concurrent use; an evaluation runs on one goroutine.
type Recorder struct {
	clock     *Clock
	steps     []Step
	ids       map[string]bool
	finalized bool
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{clock: NewClock(), ids: make(map[string]bool)}
}

// Record appends step, stamping its seq. A rule id may appear once; a
// skipped step needs at least one reason.
func (r *Recorder) Record(step Step) error {
	if r.finalized {
		return fmt.Errorf("trace: record %q after finalize", step.RuleID)
	}
	if step.RuleID == "" {
		return fmt.Errorf("trace: step without rule id")
	}
	if r.ids[step.RuleID] {
		return fmt.Errorf("trace: rule %q already has a step", step.RuleID)
	}
	switch step.Outcome {
	case Applied:
	case Skipped:
		if len(step.Reasons) == 0 {
			return fmt.Errorf("trace: skipped rule %q has no reason", step.RuleID)
		}
	default:
		return fmt.Errorf("trace: rule %q has invalid outcome %q", step.RuleID, step.Outcome)
	}

	step.Seq = r.clock.Next()
	r.ids[step.RuleID] = true
	r.steps = append(r.steps, step)
	return nil
}

// Skip overturns the outcome of an already recorded step. Its seq is
// kept; the reason is added to any it already had.
func (r *Recorder) Skip(ruleID, reason string) error {
	if r.finalized {
		return fmt.Errorf("trace: skip %q after finalize", ruleID)
	}
	if reason == "" {
		return fmt.Errorf("trace: skip %q without reason", ruleID)
	}
	for i := range r.steps {
		if r.steps[i].RuleID == ruleID {
			r.steps[i].Outcome = Skipped
			r.steps[i].Reasons = append(r.steps[i].Reasons, reason)
			return nil
		}
	}
	return fmt.Errorf("trace: no step for rule %q", ruleID)
}

// Has reports whether ruleID has been recorded.
func (r *Recorder) Has(ruleID string) bool {
	return r.ids[ruleID]
}

// Len returns the number of recorded steps.
func (r *Recorder) Len() int {
	return len(r.steps)
}

// Finalize freezes the recorder and returns the trace with its checksum
// over (result, steps).
func (r *Recorder) Finalize(result ir.IRValue) (*Trace, error) {
	if r.finalized {
		return nil, fmt.Errorf("trace: already finalized")
	}
	r.finalized = true

	t := &Trace{Steps: make([]Step, len(r.steps))}
	copy(t.Steps, r.steps)
	sum, err := ir.EvaluationChecksum(result, t.IR())
	if err != nil {
		return nil, fmt.Errorf("trace checksum: %w", err)
	}
	t.Checksum = sum
	return t, nil
}

// Trace is a finalized, immutable evaluation trace.
type Trace struct {
	Steps    []Step
	Checksum string
}

// IR returns the steps as a canonical array.
func (t *Trace) IR() ir.IRArray {
	out := make(ir.IRArray, len(t.Steps))
	for i, s := range t.Steps {
		out[i] = s.IR()
	}
	return out
}

// Step returns the step recorded for ruleID.
func (t *Trace) Step(ruleID string) (Step, bool) {
	for _, s := range t.Steps {
		if s.RuleID == ruleID {
			return s, true
		}
	}
	return Step{}, false
}

// Verify recomputes the checksum against result.
func (t *Trace) Verify(result ir.IRValue) error {
	sum, err := ir.EvaluationChecksum(result, t.IR())
	if err != nil {
		return fmt.Errorf("trace checksum: %w", err)
	}
	if sum != t.Checksum {
		return errs.ChecksumMismatch("evaluation trace", t.Checksum, sum)
	}
	return nil
}

// MarshalJSON writes {"checksum": ..., "steps": [...]} in canonical form so
// a decoded trace hashes to the same checksum.
func (t *Trace) MarshalJSON() ([]byte, error) {
	return ir.MarshalCanonical(ir.IRObject{
		"checksum": ir.IRString(t.Checksum),
		"steps":    t.IR(),
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (t *Trace) UnmarshalJSON(data []byte) error {
	v, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return fmt.Errorf("decode trace: %w", err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return fmt.Errorf("decode trace: want object, got %s", ir.TypeName(v))
	}
	steps, _ := obj["steps"].(ir.IRArray)
	out := Trace{Checksum: str(obj["checksum"]), Steps: make([]Step, 0, len(steps))}
	for i, sv := range steps {
		s, err := stepFromIR(sv)
		if err != nil {
			return fmt.Errorf("decode trace step %d: %w", i, err)
		}
		out.Steps = append(out.Steps, s)
	}
	*t = out
	return nil
}

var _ json.Marshaler = (*Trace)(nil)
