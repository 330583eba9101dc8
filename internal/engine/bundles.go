package engine

import (
	"fmt"
	"slices"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/output"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/trace"
)

// bundles runs package pricing and included-quantity rules against the
// lines computed so far. Discounts are re-sized after each applied bundle.
func (r *run) bundles() error {
	for i := range r.doc.Rules.Bundles {
		b := &r.doc.Rules.Bundles[i]
		step, err := r.bundle(b)
		if err != nil {
			return err
		}
		if err := r.record(step); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) bundle(b *ruleset.BundleRule) (trace.Step, error) {
	in := newInputs()
	step := trace.Step{
		Stage:    trace.StageBundles,
		RuleID:   b.ID,
		RuleName: b.Name,
		Outcome:  trace.Applied,
	}

	for _, code := range b.Requires {
		if r.lines[code] == nil {
			return skipped(step, fmt.Sprintf("required product %s not priced", code)), nil
		}
	}
	ok, err := r.condition(b.ID, "when", b.When, in)
	if err != nil {
		return step, err
	}
	if !ok {
		step.Inputs = in.list
		return skipped(step, ReasonConditionNotMet), nil
	}

	if b.Included != nil {
		target := r.lines[b.Included.Product]
		if target == nil {
			step.Inputs = in.list
			return skipped(step, fmt.Sprintf("no line for product %s", b.Included.Product)), nil
		}
		free, err := r.nonNegative(b.ID, "included.quantity", b.Included.Quantity, in)
		if err != nil {
			return step, err
		}
		qty, err := target.quantity.Sub(free)
		if err != nil {
			return step, errs.Expression(b.ID, "arithmetic overflow", err)
		}
		if qty.Sign() < 0 {
			qty = ir.Zero
		}
		target.quantity = qty
		if err := target.reprice(b.ID); err != nil {
			return step, err
		}
		if err := r.rebaseDiscounts(b.ID); err != nil {
			return step, err
		}
		r.assume(b.Assumption)
		step.Inputs = in.list
		step.Value = qty
		return step, nil
	}

	if by, priced := r.pricedBy[b.Product]; priced {
		step.Inputs = in.list
		return skipped(step, fmt.Sprintf("product %s already priced by %s", b.Product, by)), nil
	}
	price, err := r.nonNegative(b.ID, "price", b.Price, in)
	if err != nil {
		return step, err
	}

	for _, code := range b.Requires {
		ln := r.lines[code]
		ln.amount = ir.Zero
		ln.notes = fmt.Sprintf("included in bundle %s", b.Product)
	}
	r.voidDiscounts(b)

	r.lines[b.Product] = &line{
		product:   r.product(b.Product),
		quantity:  one,
		unitPrice: price,
		amount:    price,
	}
	r.pricedBy[b.Product] = b.ID
	if err := r.rebaseDiscounts(b.ID); err != nil {
		return step, err
	}
	r.assume(b.Assumption)

	step.Inputs = in.list
	step.Value = price
	return step, nil
}

// voidDiscounts drops line discounts whose target line a bundle zeroed.
func (r *run) voidDiscounts(b *ruleset.BundleRule) {
	var kept []output.Discount
	for _, d := range r.discounts {
		if slices.Contains(b.Requires, d.Target) {
			r.warn(fmt.Sprintf("discount %s voided by bundle %s", d.RuleID, b.ID))
			continue
		}
		kept = append(kept, d)
	}
	r.discounts = kept
}
