package engine

import (
	"fmt"
	"slices"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/evalctx"
	"github.com/roach88/pricer/internal/expr"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/output"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/trace"
)

// Trace reasons and warnings with fixed wording.
const (
	ReasonConditionNotMet = "condition not met"
	ReasonBelowTier       = "volume below tier threshold"
	ReasonAboveTier       = "volume exceeds tier bound"
	ReasonCheckSatisfied  = "check satisfied"
	WarnTierOverflow      = "volume exceeds tier bounds; defaulting to highest tier"
)

var one = ir.DecimalFromInt(1)

// Evaluation is the complete output of one pipeline run.
type Evaluation struct {
	Ref     ruleset.Ref
	Context ir.IRObject
	Result  *output.Result
	Trace   *trace.Trace
}

// Evaluate prices ctx under rs. ctx must have been normalized against rs.
//
// Errors are *errs.Error values: ImmutabilityViolation for a blocked
// ruleset, ExpressionError for runtime expression failures and
// EligibilityConflict for incompatible discounts.
func Evaluate(rs *ruleset.RuleSet, ctx *evalctx.Context) (*Evaluation, error) {
	if err := rs.Evaluable(); err != nil {
		return nil, err
	}

	doc, err := rs.Document()
	if err != nil {
		return nil, err
	}
	r := newRun(rs, doc, ctx)
	stages := []func() error{
		r.definitions,
		r.eligibility,
		r.pricing,
		r.modifiers,
		r.bundles,
		r.shape,
	}
	for _, stage := range stages {
		if err := stage(); err != nil {
			return nil, err
		}
	}

	res, err := output.Assemble(output.Input{
		Currency:    rs.Currency(),
		Lines:       r.out,
		Discounts:   r.discounts,
		TaxRates:    r.taxRates(),
		Assumptions: r.assumptions,
		Warnings:    r.warnings,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble result: %w", err)
	}

	tr, err := r.rec.Finalize(res.IR())
	if err != nil {
		return nil, err
	}

	return &Evaluation{
		Ref:     rs.Ref(),
		Context: ctx.Object(),
		Result:  res,
		Trace:   tr,
	}, nil
}

// line is a product line while the pipeline is still adjusting it.
type line struct {
	product   ruleset.Product
	quantity  ir.Decimal
	unitPrice ir.Decimal
	amount    ir.Decimal
	notes     string

	adjustments []lineAdjustment
}

// lineAdjustment is a surcharge, minimum or cap applied to a line. amount
// is the flat surcharge, floor or ceiling; percent is set for percentage
// surcharges.
type lineAdjustment struct {
	ruleID  string
	kind    string
	amount  ir.Decimal
	percent *ir.Decimal
}

// tierChoice is the outcome of tier selection for one tiered rule.
type tierChoice struct {
	index    int
	price    ir.Decimal
	inputs   []trace.Input
	overflow bool
}

// run holds the mutable state of one evaluation.
type run struct {
	rs  *ruleset.RuleSet
	doc *ruleset.Document
	ctx *evalctx.Context
	rec *trace.Recorder

	vars       map[string]ir.IRValue
	ineligible map[string]bool
	tiers      map[string]tierChoice
	lines      map[string]*line
	pricedBy   map[string]string

	discounts []output.Discount
	rates     map[string]ir.Decimal // percent of each percentage discount
	exclusive string

	assumptions []string
	warnings    []string
	out         []output.Line
}

func newRun(rs *ruleset.RuleSet, doc *ruleset.Document, ctx *evalctx.Context) *run {
	return &run{
		rs:         rs,
		doc:        doc,
		ctx:        ctx,
		rec:        trace.NewRecorder(),
		vars:       make(map[string]ir.IRValue),
		ineligible: make(map[string]bool),
		tiers:      make(map[string]tierChoice),
		lines:      make(map[string]*line),
		pricedBy:   make(map[string]string),
		rates:      make(map[string]ir.Decimal),
	}
}

// Resolve implements expr.Env over context, constants and intermediates.
func (r *run) Resolve(ref expr.Ref) (ir.IRValue, bool) {
	switch ref.Kind {
	case expr.RefField, expr.RefExtension:
		return r.ctx.Resolve(ref)
	case expr.RefConstant:
		return r.rs.Constant(ref.Name)
	case expr.RefIntermediate:
		v, ok := r.vars[ref.Name]
		return v, ok
	}
	return nil, false
}

func (r *run) record(step trace.Step) error {
	if err := r.rec.Record(step); err != nil {
		return fmt.Errorf("record %s step: %w", step.Stage, err)
	}
	return nil
}

func (r *run) assume(s string) {
	if s != "" {
		r.assumptions = append(r.assumptions, s)
	}
}

func (r *run) warn(s string) {
	if s != "" {
		r.warnings = append(r.warnings, s)
	}
}

func (r *run) taxRates() map[string]ir.Decimal {
	rates := make(map[string]ir.Decimal)
	for _, p := range r.doc.Products {
		if rate, ok := r.rs.TaxRate(p.TaxCategory); ok {
			rates[p.TaxCategory] = rate
		}
	}
	return rates
}

// orderedLines returns current lines in product declaration order.
func (r *run) orderedLines() []*line {
	var out []*line
	for _, p := range r.doc.Products {
		if ln, ok := r.lines[p.Code]; ok {
			out = append(out, ln)
		}
	}
	return out
}

// inputs accumulates what one rule read across all of its expressions,
// deduplicated in first-read order.
type inputs struct {
	list []trace.Input
	seen map[string]bool
}

func newInputs() *inputs {
	return &inputs{seen: make(map[string]bool)}
}

func (in *inputs) add(reads ...trace.Input) {
	for _, rd := range reads {
		if in.seen[rd.Ref] {
			continue
		}
		in.seen[rd.Ref] = true
		in.list = append(in.list, rd)
	}
}

func (in *inputs) addReads(reads []expr.Read) {
	for _, rd := range reads {
		in.add(trace.Input{Ref: rd.Ref, Value: rd.Value})
	}
}

func (in *inputs) snapshot() []trace.Input {
	return slices.Clone(in.list)
}

// value evaluates a rule expression of any type.
func (r *run) value(ruleID, field string, e ruleset.Expr, in *inputs) (ir.IRValue, error) {
	v, reads, err := expr.Eval(e.Compiled(), r)
	if err != nil {
		return nil, errs.Expression(ruleID, "cannot evaluate "+field, err)
	}
	in.addReads(reads)
	return v, nil
}

// number evaluates a numeric rule expression.
func (r *run) number(ruleID, field string, e ruleset.Expr, in *inputs) (ir.Decimal, error) {
	d, reads, err := expr.EvalDecimal(e.Compiled(), r)
	if err != nil {
		return ir.Decimal{}, errs.Expression(ruleID, "cannot evaluate "+field, err)
	}
	in.addReads(reads)
	return d, nil
}

// nonNegative evaluates a numeric expression that must not be negative.
func (r *run) nonNegative(ruleID, field string, e ruleset.Expr, in *inputs) (ir.Decimal, error) {
	d, err := r.number(ruleID, field, e, in)
	if err != nil {
		return ir.Decimal{}, err
	}
	if d.Sign() < 0 {
		return ir.Decimal{}, errs.Expression(ruleID, fmt.Sprintf("%s must not be negative, got %s", field, d.Canonical()), nil)
	}
	return d, nil
}

// condition evaluates an optional boolean guard; absent guards hold.
func (r *run) condition(ruleID, field string, e ruleset.Expr, in *inputs) (bool, error) {
	if e.IsZero() {
		return true, nil
	}
	b, reads, err := expr.EvalBool(e.Compiled(), r)
	if err != nil {
		return false, errs.Expression(ruleID, "cannot evaluate "+field, err)
	}
	in.addReads(reads)
	return b, nil
}

func mul(ruleID string, a, b ir.Decimal) (ir.Decimal, error) {
	d, err := a.Mul(b)
	if err != nil {
		return ir.Decimal{}, errs.Expression(ruleID, "arithmetic overflow", err)
	}
	return d, nil
}

func skipped(step trace.Step, reason string) trace.Step {
	step.Outcome = trace.Skipped
	step.Reasons = []string{reason}
	return step
}

func (r *run) definitions() error {
	for _, im := range r.doc.Definitions.Intermediates {
		id := expr.NSVars + "." + im.Name
		in := newInputs()
		v, err := r.value(id, "expr", im.Expr, in)
		if err != nil {
			return err
		}
		r.vars[im.Name] = v
		if err := r.record(trace.Step{
			Stage:   trace.StageDefinitions,
			RuleID:  id,
			Inputs:  in.list,
			Value:   v,
			Outcome: trace.Applied,
		}); err != nil {
			return err
		}
	}
	return nil
}
