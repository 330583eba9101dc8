package engine

import (
	"fmt"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/output"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/trace"
)

var hundred = ir.DecimalFromInt(100)

// modifiers adjusts priced lines. Discounts are collected for the
// assembler; surcharges, minimums and caps change the target line amount.
func (r *run) modifiers() error {
	for i := range r.doc.Rules.Modifiers {
		m := &r.doc.Rules.Modifiers[i]
		step, err := r.modify(m)
		if err != nil {
			return err
		}
		if err := r.record(step); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) modify(m *ruleset.ModifierRule) (trace.Step, error) {
	in := newInputs()
	step := trace.Step{
		Stage:    trace.StageModifiers,
		RuleID:   m.ID,
		RuleName: m.Name,
		Outcome:  trace.Applied,
	}

	var ln *line
	if m.Target == ruleset.TargetSubtotal {
		if len(r.lines) == 0 {
			return skipped(step, "no lines to discount"), nil
		}
	} else {
		ln = r.lines[m.Target]
		if ln == nil {
			return skipped(step, fmt.Sprintf("no line for product %s", m.Target)), nil
		}
	}

	ok, err := r.condition(m.ID, "when", m.When, in)
	if err != nil {
		return step, err
	}
	if !ok {
		step.Inputs = in.list
		return skipped(step, ReasonConditionNotMet), nil
	}

	var value ir.Decimal
	switch m.Kind {
	case ruleset.ModifierDiscount:
		var reason string
		value, reason, err = r.discount(m, in)
		if err != nil {
			return step, err
		}
		if reason != "" {
			step.Inputs = in.list
			return skipped(step, reason), nil
		}

	case ruleset.ModifierSurcharge:
		var pct ir.Decimal
		if value, pct, err = r.adjustment(m, ln.amount, in); err != nil {
			return step, err
		}
		if ln.amount, err = ln.amount.Add(value); err != nil {
			return step, errs.Expression(m.ID, "arithmetic overflow", err)
		}
		adj := lineAdjustment{ruleID: m.ID, kind: m.Kind, amount: value}
		if !m.Percent.IsZero() {
			adj.percent = &pct
		}
		ln.adjustments = append(ln.adjustments, adj)

	case ruleset.ModifierMinimum:
		floor, err := r.nonNegative(m.ID, "amount", m.Amount, in)
		if err != nil {
			return step, err
		}
		ln.amount = ir.MaxDecimal(ln.amount, floor)
		ln.adjustments = append(ln.adjustments, lineAdjustment{ruleID: m.ID, kind: m.Kind, amount: floor})
		value = ln.amount

	case ruleset.ModifierCap:
		ceiling, err := r.nonNegative(m.ID, "amount", m.Amount, in)
		if err != nil {
			return step, err
		}
		ln.amount = ir.MinDecimal(ln.amount, ceiling)
		ln.adjustments = append(ln.adjustments, lineAdjustment{ruleID: m.ID, kind: m.Kind, amount: ceiling})
		value = ln.amount

	default:
		return step, errs.Expression(m.ID, fmt.Sprintf("unknown modifier kind %q", m.Kind), nil)
	}

	r.assume(m.Assumption)
	r.warn(m.Warning)
	step.Inputs = in.list
	step.Value = value
	return step, nil
}

// adjustment evaluates percent-of-base or a flat amount. The evaluated
// percent is returned alongside; it is zero for flat amounts.
func (r *run) adjustment(m *ruleset.ModifierRule, base ir.Decimal, in *inputs) (ir.Decimal, ir.Decimal, error) {
	if m.Percent.IsZero() {
		v, err := r.nonNegative(m.ID, "amount", m.Amount, in)
		return v, ir.Zero, err
	}
	pct, err := r.nonNegative(m.ID, "percent", m.Percent, in)
	if err != nil {
		return ir.Decimal{}, ir.Decimal{}, err
	}
	v, err := percentOf(m.ID, base, pct)
	return v, pct, err
}

func percentOf(ruleID string, base, pct ir.Decimal) (ir.Decimal, error) {
	v, err := mul(ruleID, base, pct)
	if err != nil {
		return ir.Decimal{}, err
	}
	if v, err = v.Quo(hundred); err != nil {
		return ir.Decimal{}, errs.Expression(ruleID, "arithmetic overflow", err)
	}
	return v, nil
}

// discount applies the stacking policy. It returns a non-empty skip reason
// when the policy keeps the discount from applying.
func (r *run) discount(m *ruleset.ModifierRule, in *inputs) (ir.Decimal, string, error) {
	stacking := r.doc.Policy.Stacking()

	switch stacking {
	case ruleset.StackingNone:
		if len(r.discounts) > 0 {
			msg := fmt.Sprintf("promo conflict: %s not applied; %s already applied", m.ID, r.discounts[0].RuleID)
			r.warn(msg)
			return ir.Decimal{}, msg, nil
		}
	default:
		if m.Exclusive && len(r.discounts) > 0 {
			return ir.Decimal{}, "", errs.Conflict(m.ID,
				fmt.Sprintf("exclusive discount %s cannot combine with %s", m.ID, r.discounts[0].RuleID))
		}
		if r.exclusive != "" {
			return ir.Decimal{}, "", errs.Conflict(m.ID,
				fmt.Sprintf("discount %s cannot combine with exclusive discount %s", m.ID, r.exclusive))
		}
	}

	base, err := r.discountBase(m.ID, m.Target, stacking == ruleset.StackingSequential)
	if err != nil {
		return ir.Decimal{}, "", err
	}
	amount, pct, err := r.adjustment(m, base, in)
	if err != nil {
		return ir.Decimal{}, "", err
	}
	if !m.Percent.IsZero() {
		r.rates[m.ID] = pct
	}
	if amount.Cmp(base) > 0 {
		r.warn(fmt.Sprintf("discount %s capped at its base of %s", m.ID, base.Canonical()))
		amount = base
	}

	r.discounts = append(r.discounts, output.Discount{RuleID: m.ID, Target: m.Target, Amount: amount})
	if m.Exclusive {
		r.exclusive = m.ID
	}
	return amount, "", nil
}

// discountBase is the target's gross amount, or under sequential stacking
// the gross amount net of earlier discounts on the same target.
func (r *run) discountBase(ruleID, target string, net bool) (ir.Decimal, error) {
	base := ir.Zero
	var err error
	if target != ruleset.TargetSubtotal {
		if ln := r.lines[target]; ln != nil {
			base = ln.amount
		}
	} else {
		for _, l := range r.orderedLines() {
			if base, err = base.Add(l.amount); err != nil {
				return ir.Decimal{}, errs.Expression(ruleID, "arithmetic overflow", err)
			}
		}
	}
	if !net {
		return base, nil
	}
	for _, d := range r.discounts {
		if target != ruleset.TargetSubtotal && d.Target != target {
			continue
		}
		if base, err = base.Sub(d.Amount); err != nil {
			return ir.Decimal{}, errs.Expression(ruleID, "arithmetic overflow", err)
		}
	}
	if base.Sign() < 0 {
		base = ir.Zero
	}
	return base, nil
}

// rebaseDiscounts re-sizes the collected discounts after a bundle changed
// the lines they were computed against. Percent discounts follow their new
// base, flat ones are capped at it, and a discount left with no base is
// voided. Every change is reported as a warning.
func (r *run) rebaseDiscounts(bundleID string) error {
	sequential := r.doc.Policy.Stacking() == ruleset.StackingSequential
	prior := r.discounts
	r.discounts = nil
	for _, d := range prior {
		base, err := r.discountBase(d.RuleID, d.Target, sequential)
		if err != nil {
			return err
		}
		if base.IsZero() && !d.Amount.IsZero() {
			r.warn(fmt.Sprintf("discount %s voided by bundle %s", d.RuleID, bundleID))
			if r.exclusive == d.RuleID {
				r.exclusive = ""
			}
			continue
		}
		amount := d.Amount
		if pct, ok := r.rates[d.RuleID]; ok {
			if amount, err = percentOf(d.RuleID, base, pct); err != nil {
				return err
			}
		}
		amount = ir.MinDecimal(amount, base)
		if amount.Cmp(d.Amount) != 0 {
			r.warn(fmt.Sprintf("discount %s resized from %s to %s by bundle %s",
				d.RuleID, d.Amount.Canonical(), amount.Canonical(), bundleID))
		}
		d.Amount = amount
		r.discounts = append(r.discounts, d)
	}
	return nil
}

// reprice recomputes a line from its unit price and quantity, replaying
// the surcharges, minimums and caps already applied to it in order.
func (ln *line) reprice(ruleID string) error {
	amount, err := mul(ruleID, ln.unitPrice, ln.quantity)
	if err != nil {
		return err
	}
	for _, a := range ln.adjustments {
		switch a.kind {
		case ruleset.ModifierSurcharge:
			v := a.amount
			if a.percent != nil {
				if v, err = percentOf(a.ruleID, amount, *a.percent); err != nil {
					return err
				}
			}
			if amount, err = amount.Add(v); err != nil {
				return errs.Expression(a.ruleID, "arithmetic overflow", err)
			}
		case ruleset.ModifierMinimum:
			amount = ir.MaxDecimal(amount, a.amount)
		case ruleset.ModifierCap:
			amount = ir.MinDecimal(amount, a.amount)
		}
	}
	ln.amount = amount
	return nil
}
