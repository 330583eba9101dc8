package engine

import (
	"fmt"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/trace"
)

// pricing creates at most one base line per product. The first applicable
// rule for a product wins. A rule's `as` intermediate holds its amount, or
// zero when the rule was skipped.
func (r *run) pricing() error {
	for i := range r.doc.Rules.Pricing {
		p := &r.doc.Rules.Pricing[i]
		step, amount, err := r.priceRule(p)
		if err != nil {
			return err
		}
		if p.As != "" {
			r.vars[p.As] = amount
		}
		if err := r.record(step); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) priceRule(p *ruleset.PricingRule) (trace.Step, ir.Decimal, error) {
	in := newInputs()
	step := trace.Step{
		Stage:    trace.StagePricing,
		RuleID:   p.ID,
		RuleName: p.Name,
		Outcome:  trace.Applied,
	}

	if r.ineligible[p.Product] {
		return skipped(step, fmt.Sprintf("product %s not eligible", p.Product)), ir.Zero, nil
	}
	if by, ok := r.pricedBy[p.Product]; ok {
		if err := r.unselectTier(p, fmt.Sprintf("pricing rule %s skipped: product %s already priced by %s", p.ID, p.Product, by)); err != nil {
			return step, ir.Zero, err
		}
		return skipped(step, fmt.Sprintf("product %s already priced by %s", p.Product, by)), ir.Zero, nil
	}
	ok, err := r.condition(p.ID, "when", p.When, in)
	if err != nil {
		return step, ir.Zero, err
	}
	if !ok {
		if err := r.unselectTier(p, fmt.Sprintf("pricing rule %s skipped: %s", p.ID, ReasonConditionNotMet)); err != nil {
			return step, ir.Zero, err
		}
		step.Inputs = in.list
		return skipped(step, ReasonConditionNotMet), ir.Zero, nil
	}

	quantity := one
	if !p.Quantity.IsZero() {
		if quantity, err = r.nonNegative(p.ID, "quantity", p.Quantity, in); err != nil {
			return step, ir.Zero, err
		}
	}

	var unit ir.Decimal
	switch p.Type {
	case ruleset.PricingFixed:
		unit, err = r.nonNegative(p.ID, "price", p.Price, in)
	case ruleset.PricingPerUnit:
		unit, err = r.nonNegative(p.ID, "price", p.Price, in)
		if err == nil && !p.Driver.IsZero() {
			quantity, err = r.nonNegative(p.ID, "driver", p.Driver, in)
		}
	case ruleset.PricingTiered:
		choice, selected := r.tiers[p.ID]
		if !selected {
			return step, ir.Zero, errs.Expression(p.ID, "no tier was selected", nil)
		}
		in.add(choice.inputs...)
		unit = choice.price
		if choice.overflow {
			r.warn(WarnTierOverflow)
		}
	default:
		err = errs.Expression(p.ID, fmt.Sprintf("unknown pricing type %q", p.Type), nil)
	}
	if err != nil {
		return step, ir.Zero, err
	}

	amount, err := mul(p.ID, unit, quantity)
	if err != nil {
		return step, ir.Zero, err
	}

	product := r.product(p.Product)
	r.lines[p.Product] = &line{
		product:   product,
		quantity:  quantity,
		unitPrice: unit,
		amount:    amount,
	}
	r.pricedBy[p.Product] = p.ID
	r.assume(p.Assumption)
	r.warn(p.Warning)

	step.Inputs = in.list
	step.Value = amount
	return step, amount, nil
}

// unselectTier marks the tier chosen for a tiered rule as skipped once the
// rule itself does not apply.
func (r *run) unselectTier(p *ruleset.PricingRule, reason string) error {
	choice, ok := r.tiers[p.ID]
	if !ok {
		return nil
	}
	if err := r.rec.Skip(fmt.Sprintf("%s.tier[%d]", p.ID, choice.index), reason); err != nil {
		return fmt.Errorf("record %s step: %w", trace.StageEligibility, err)
	}
	return nil
}

func (r *run) product(code string) ruleset.Product {
	for _, p := range r.doc.Products {
		if p.Code == code {
			return p
		}
	}
	return ruleset.Product{Code: code, Name: code}
}
