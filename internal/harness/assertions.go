package harness

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/pricer/internal/engine"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/output"
	"github.com/roach88/pricer/internal/trace"
)

// AssertionError is returned when an expectation or assertion fails.
// It includes the trace so a failure can be read without rerunning.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Steps    []trace.Step // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Steps) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, s := range e.Steps {
			fmt.Fprintf(&buf, "  [%d] %-12s %s %s", s.Seq, s.Stage, s.RuleID, s.Outcome)
			if len(s.Reasons) > 0 {
				fmt.Fprintf(&buf, " (%s)", strings.Join(s.Reasons, "; "))
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

func checkExpect(want Expect, ev *engine.Evaluation) []error {
	res := ev.Result
	steps := ev.Trace.Steps
	var failures []error

	fail := func(typ, expected, actual string) {
		failures = append(failures, &AssertionError{Type: typ, Expected: expected, Actual: actual, Steps: steps})
	}

	for _, lw := range want.LineItems {
		li, found := findLine(res, lw.ProductCode)
		if lw.Absent {
			if found {
				fail("line_item", fmt.Sprintf("no line for %s", lw.ProductCode), fmt.Sprintf("line %s amount %s", li.LineItemID, li.Amount))
			}
			continue
		}
		if !found {
			fail("line_item", fmt.Sprintf("line for %s", lw.ProductCode), fmt.Sprintf("products %v", productCodes(res)))
			continue
		}
		for _, field := range []struct {
			name string
			want string
			got  ir.Decimal
		}{
			{"quantity", lw.Quantity, li.Quantity},
			{"unit_price", lw.UnitPrice, li.UnitPrice},
			{"amount", lw.Amount, li.Amount},
		} {
			if field.want == "" {
				continue
			}
			if !decimalEquals(field.want, field.got) {
				fail("line_item", fmt.Sprintf("%s %s = %s", lw.ProductCode, field.name, field.want), field.got.String())
			}
		}
		if lw.Notes != "" && lw.Notes != li.Notes {
			fail("line_item", fmt.Sprintf("%s notes = %q", lw.ProductCode, lw.Notes), strconv.Quote(li.Notes))
		}
	}

	totals := map[string]ir.Decimal{
		"subtotal":  res.Totals.Subtotal,
		"discounts": res.Totals.Discounts,
		"taxes":     res.Totals.Taxes,
		"total":     res.Totals.Total,
	}
	for _, name := range []string{"subtotal", "discounts", "taxes", "total"} {
		expected, ok := want.Totals[name]
		if !ok {
			continue
		}
		if !decimalEquals(expected, totals[name]) {
			fail("totals", fmt.Sprintf("%s = %s", name, expected), totals[name].String())
		}
	}

	for _, w := range want.WarningsContain {
		if !slices.Contains(res.Warnings, w) {
			fail("warnings", fmt.Sprintf("warning %q", w), fmt.Sprintf("%q", res.Warnings))
		}
	}
	for _, a := range want.AssumptionsContain {
		if !slices.Contains(res.Assumptions, a) {
			fail("assumptions", fmt.Sprintf("assumption %q", a), fmt.Sprintf("%q", res.Assumptions))
		}
	}
	return failures
}

func checkAssertions(assertions []Assertion, tr *trace.Trace) []error {
	var failures []error
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertStepOutcome:
			err = assertStepOutcome(tr, a)
		case AssertStepOrder:
			err = assertStepOrder(tr, a)
		case AssertStepCount:
			err = assertStepCount(tr, a)
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}
		if err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}

// assertStepOutcome checks that the step exists and matches every given
// field.
func assertStepOutcome(tr *trace.Trace, a Assertion) error {
	step, ok := tr.Step(a.Step)
	if !ok {
		return &AssertionError{
			Type:     AssertStepOutcome,
			Expected: fmt.Sprintf("step %s", a.Step),
			Actual:   "step not recorded",
			Steps:    tr.Steps,
		}
	}

	var mismatches []string
	if a.Outcome != "" && string(step.Outcome) != a.Outcome {
		mismatches = append(mismatches, fmt.Sprintf("outcome %s", step.Outcome))
	}
	if a.Value != "" && !valueEquals(a.Value, step.Value) {
		mismatches = append(mismatches, fmt.Sprintf("value %s", formatValue(step.Value)))
	}
	if a.Reason != "" && !slices.Contains(step.Reasons, a.Reason) {
		mismatches = append(mismatches, fmt.Sprintf("reasons %q", step.Reasons))
	}
	if len(mismatches) == 0 {
		return nil
	}

	return &AssertionError{
		Type:     AssertStepOutcome,
		Expected: describeStep(a),
		Actual:   fmt.Sprintf("%s with %s", a.Step, strings.Join(mismatches, ", ")),
		Steps:    tr.Steps,
	}
}

// assertStepOrder checks that the listed steps appear in the given
// relative order. Other steps may be interleaved.
func assertStepOrder(tr *trace.Trace, a Assertion) error {
	position := make(map[string]int, len(tr.Steps))
	for i, s := range tr.Steps {
		position[s.RuleID] = i
	}

	last := -1
	for _, id := range a.Steps {
		pos, ok := position[id]
		if !ok {
			return &AssertionError{
				Type:     AssertStepOrder,
				Expected: fmt.Sprintf("step %s in order %v", id, a.Steps),
				Actual:   "step not recorded",
				Steps:    tr.Steps,
			}
		}
		if pos < last {
			return &AssertionError{
				Type:     AssertStepOrder,
				Expected: fmt.Sprintf("order %v", a.Steps),
				Actual:   fmt.Sprintf("%s recorded out of order", id),
				Steps:    tr.Steps,
			}
		}
		last = pos
	}
	return nil
}

// assertStepCount checks the number of steps recorded for a stage.
func assertStepCount(tr *trace.Trace, a Assertion) error {
	count := 0
	for _, s := range tr.Steps {
		if string(s.Stage) == a.Stage {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertStepCount,
		Expected: fmt.Sprintf("%d steps in stage %s", a.Count, a.Stage),
		Actual:   fmt.Sprintf("%d steps", count),
		Steps:    tr.Steps,
	}
}

func describeStep(a Assertion) string {
	parts := []string{a.Step}
	if a.Outcome != "" {
		parts = append(parts, "outcome "+a.Outcome)
	}
	if a.Value != "" {
		parts = append(parts, "value "+a.Value)
	}
	if a.Reason != "" {
		parts = append(parts, fmt.Sprintf("reason %q", a.Reason))
	}
	return strings.Join(parts, ", ")
}

func findLine(res *output.Result, code string) (output.LineItem, bool) {
	for _, li := range res.LineItems {
		if li.ProductCode == code {
			return li, true
		}
	}
	return output.LineItem{}, false
}

func productCodes(res *output.Result) []string {
	codes := make([]string, len(res.LineItems))
	for i, li := range res.LineItems {
		codes[i] = li.ProductCode
	}
	return codes
}

// decimalEquals compares numerically, so "750" equals "750.00".
func decimalEquals(want string, got ir.Decimal) bool {
	d, err := ir.ParseDecimal(want)
	if err != nil {
		return false
	}
	return d.Cmp(got) == 0
}

// valueEquals compares a trace value with its textual expectation.
func valueEquals(want string, got ir.IRValue) bool {
	switch v := got.(type) {
	case ir.Decimal:
		return decimalEquals(want, v)
	case ir.IRInt:
		d, err := ir.ParseDecimal(want)
		return err == nil && d.Cmp(ir.DecimalFromInt(int64(v))) == 0
	default:
		return formatValue(got) == want
	}
}

func formatValue(v ir.IRValue) string {
	switch x := v.(type) {
	case nil:
		return "<none>"
	case ir.IRString:
		return string(x)
	case ir.IRInt:
		return strconv.FormatInt(int64(x), 10)
	case ir.IRBool:
		return strconv.FormatBool(bool(x))
	case ir.Decimal:
		return x.Canonical()
	default:
		data, err := ir.MarshalIRValue(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
