package engine

import (
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/output"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/trace"
)

// shape maps lines to the output contract in product declaration order,
// applies output_map overrides, then runs constraint checks.
func (r *run) shape() error {
	for _, p := range r.doc.Products {
		ln, ok := r.lines[p.Code]
		if !ok {
			continue
		}
		name, notes := p.Name, ln.notes
		entry, mapped := r.doc.OutputMap[p.Code]
		if mapped {
			if entry.Name != "" {
				name = entry.Name
			}
			if notes == "" {
				notes = entry.Notes
			}
		}
		r.out = append(r.out, output.Line{
			ProductCode:  p.Code,
			Name:         name,
			BillingModel: p.BillingModel,
			Unit:         p.Unit,
			TaxCategory:  p.TaxCategory,
			Notes:        notes,
			Quantity:     ln.quantity,
			UnitPrice:    ln.unitPrice,
			Amount:       ln.amount,
			HideIfZero:   mapped && entry.HideIfZero,
		})
	}

	for _, c := range r.doc.Constraints {
		in := newInputs()
		ok, err := r.condition(c.ID, "check", c.Check, in)
		if err != nil {
			return err
		}
		step := trace.Step{
			Stage:    trace.StageOutput,
			RuleID:   c.ID,
			RuleName: c.Name,
			Inputs:   in.list,
			Value:    ir.IRBool(ok),
			Outcome:  trace.Applied,
		}
		if ok {
			step = skipped(step, ReasonCheckSatisfied)
		} else if c.Severity == ruleset.SeverityAssumption {
			r.assume(c.Message)
		} else {
			r.warn(c.Message)
		}
		if err := r.record(step); err != nil {
			return err
		}
	}
	return nil
}
