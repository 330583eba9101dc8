package harness

import (
	"fmt"

	"github.com/roach88/pricer/internal/compiler"
	"github.com/roach88/pricer/internal/engine"
	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/evalctx"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/ruleset"
)

// Result holds the outcome of running a scenario.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool

	// Evaluation is the engine output; nil when evaluation failed.
	Evaluation *engine.Evaluation

	// ErrorKind is the kind of the evaluation error, if any.
	ErrorKind errs.Kind

	// Errors lists every failed expectation and assertion.
	Errors []error
}

// Run loads the scenario's ruleset, evaluates its context and checks the
// expectations.
//
// The returned error is reserved for problems with the scenario itself
// (unreadable or invalid ruleset, context that is not a JSON-like value).
// Failed expectations are reported in Result.Errors.
func Run(s *Scenario) (*Result, error) {
	rs, err := loadRuleSet(s.RuleSet)
	if err != nil {
		return nil, err
	}

	raw, err := ir.FromGo(s.Context)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: context: %w", s.Name, err)
	}
	obj, ok := raw.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("scenario %s: context must be a mapping", s.Name)
	}

	result := &Result{}
	ev, err := evaluate(rs, obj)
	if err != nil {
		kind := errs.KindOf(err)
		if kind == "" {
			return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
		result.ErrorKind = kind
		result.Errors = append(result.Errors, checkError(s.Expect.Error, kind, err)...)
		result.Pass = len(result.Errors) == 0
		return result, nil
	}

	result.Evaluation = ev
	if s.Expect.Error != "" {
		result.Errors = append(result.Errors, &AssertionError{
			Type:     "error",
			Expected: s.Expect.Error,
			Actual:   "evaluation succeeded",
			Steps:    ev.Trace.Steps,
		})
	}
	result.Errors = append(result.Errors, checkExpect(s.Expect, ev)...)
	result.Errors = append(result.Errors, checkAssertions(s.Assertions, ev.Trace)...)
	result.Pass = len(result.Errors) == 0
	return result, nil
}

func loadRuleSet(path string) (*ruleset.RuleSet, error) {
	doc, err := compiler.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load ruleset %s: %w", path, err)
	}
	rs, err := ruleset.Validate(doc)
	if err != nil {
		return nil, fmt.Errorf("validate ruleset %s: %w", path, err)
	}
	return rs, nil
}

func evaluate(rs *ruleset.RuleSet, raw ir.IRObject) (*engine.Evaluation, error) {
	ctx, err := evalctx.Normalize(raw, rs)
	if err != nil {
		return nil, err
	}
	return engine.Evaluate(rs, ctx)
}

func checkError(want string, got errs.Kind, err error) []error {
	if want == string(got) {
		return nil
	}
	expected := "evaluation to succeed"
	if want != "" {
		expected = want
	}
	return []error{&AssertionError{
		Type:     "error",
		Expected: expected,
		Actual:   fmt.Sprintf("%s: %v", got, err),
	}}
}
