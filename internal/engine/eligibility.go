package engine

import (
	"fmt"

	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/trace"
)

// eligibility evaluates product gates, then selects a tier for every
// tiered pricing rule of an eligible product. A product is eligible iff
// every gate naming it holds.
func (r *run) eligibility() error {
	for _, rule := range r.doc.Rules.Eligibility {
		in := newInputs()
		ok, err := r.condition(rule.ID, "when", rule.When, in)
		if err != nil {
			return err
		}
		step := trace.Step{
			Stage:    trace.StageEligibility,
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Inputs:   in.list,
			Value:    ir.IRBool(ok),
			Outcome:  trace.Applied,
		}
		if !ok {
			reason := rule.Reason
			if reason == "" {
				reason = ReasonConditionNotMet
			}
			step = skipped(step, reason)
			r.ineligible[rule.Product] = true
		}
		if err := r.record(step); err != nil {
			return err
		}
	}

	for i := range r.doc.Rules.Pricing {
		p := &r.doc.Rules.Pricing[i]
		if p.Type != ruleset.PricingTiered || r.ineligible[p.Product] {
			continue
		}
		if err := r.selectTier(p); err != nil {
			return err
		}
	}
	return nil
}

// selectTier picks the first tier whose bound covers the driver. A driver
// above every bound falls back to the highest tier with a warning at
// pricing time. Every tier gets a step: tiers below the selected one are
// exceeded, tiers above it are not reached. If the pricing rule itself
// is later skipped, pricing overturns the selected tier's step.
func (r *run) selectTier(p *ruleset.PricingRule) error {
	in := newInputs()
	driver, err := r.number(p.ID, "driver", p.Driver, in)
	if err != nil {
		return err
	}

	selected := -1
	for j, t := range p.Tiers {
		if t.UpTo.IsZero() {
			selected = j
			break
		}
		bound, err := r.number(p.ID, fmt.Sprintf("tiers[%d].up_to", j), t.UpTo, newInputs())
		if err != nil {
			return err
		}
		if driver.Cmp(bound) <= 0 {
			selected = j
			break
		}
	}
	overflow := selected < 0
	if overflow {
		selected = len(p.Tiers) - 1
	}

	price, err := r.nonNegative(p.ID, fmt.Sprintf("tiers[%d].price", selected), p.Tiers[selected].Price, in)
	if err != nil {
		return err
	}

	for j := range p.Tiers {
		step := trace.Step{
			Stage:    trace.StageEligibility,
			RuleID:   fmt.Sprintf("%s.tier[%d]", p.ID, j),
			RuleName: p.Name,
			Inputs:   in.snapshot(),
			Outcome:  trace.Applied,
		}
		switch {
		case j == selected:
			step.Value = price
		case j < selected:
			step = skipped(step, ReasonAboveTier)
		default:
			step = skipped(step, ReasonBelowTier)
		}
		if err := r.record(step); err != nil {
			return err
		}
	}

	r.tiers[p.ID] = tierChoice{index: selected, price: price, inputs: in.snapshot(), overflow: overflow}
	return nil
}
