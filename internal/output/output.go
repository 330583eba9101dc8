// Package output assembles the stable evaluation result contract from the
// lines, discounts and notes the pipeline produced.
//
// Rounding happens in exactly two places: each line amount, and the final
// aggregates (discounts, taxes). Intermediate sums stay at full precision,
// so rounding never accumulates.
package output

import (
	"fmt"

	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/money"
)

// SubtotalDiscountTaxNote is added when a subtotal-level discount applies
// to a taxed result.
const SubtotalDiscountTaxNote = "Subtotal-level discounts do not reduce the taxable base"

// TargetSubtotal marks a discount that applies to the whole subtotal.
const TargetSubtotal = "subtotal"

// LineItem is one billable line of the result.
type LineItem struct {
	LineItemID   string     `json:"line_item_id"`
	ProductCode  string     `json:"product_code"`
	Name         string     `json:"name"`
	Quantity     ir.Decimal `json:"quantity"`
	UnitPrice    ir.Decimal `json:"unit_price"`
	Amount       ir.Decimal `json:"amount"`
	BillingModel string     `json:"billing_model"`
	Unit         string     `json:"unit"`
	Notes        string     `json:"notes,omitempty"`
	TaxCategory  string     `json:"tax_category,omitempty"`
}

// Totals are the rounded aggregates: total = subtotal - discounts + taxes.
type Totals struct {
	Subtotal  ir.Decimal `json:"subtotal"`
	Discounts ir.Decimal `json:"discounts"`
	Taxes     ir.Decimal `json:"taxes"`
	Total     ir.Decimal `json:"total"`
}

// Result is the evaluation result contract.
type Result struct {
	Currency    string     `json:"currency"`
	LineItems   []LineItem `json:"line_items"`
	Totals      Totals     `json:"totals"`
	Assumptions []string   `json:"assumptions"`
	Warnings    []string   `json:"warnings"`
}

// IR returns the canonical object form used for checksums.
func (r *Result) IR() ir.IRObject {
	items := make(ir.IRArray, len(r.LineItems))
	for i, li := range r.LineItems {
		obj := ir.IRObject{
			"line_item_id":  ir.IRString(li.LineItemID),
			"product_code":  ir.IRString(li.ProductCode),
			"name":          ir.IRString(li.Name),
			"quantity":      li.Quantity,
			"unit_price":    li.UnitPrice,
			"amount":        li.Amount,
			"billing_model": ir.IRString(li.BillingModel),
			"unit":          ir.IRString(li.Unit),
		}
		if li.Notes != "" {
			obj["notes"] = ir.IRString(li.Notes)
		}
		if li.TaxCategory != "" {
			obj["tax_category"] = ir.IRString(li.TaxCategory)
		}
		items[i] = obj
	}
	return ir.IRObject{
		"currency":   ir.IRString(r.Currency),
		"line_items": items,
		"totals": ir.IRObject{
			"subtotal":  r.Totals.Subtotal,
			"discounts": r.Totals.Discounts,
			"taxes":     r.Totals.Taxes,
			"total":     r.Totals.Total,
		},
		"assumptions": stringArray(r.Assumptions),
		"warnings":    stringArray(r.Warnings),
	}
}

func stringArray(in []string) ir.IRArray {
	out := make(ir.IRArray, len(in))
	for i, s := range in {
		out[i] = ir.IRString(s)
	}
	return out
}

// Line is a priced product line before rounding.
type Line struct {
	ProductCode  string
	Name         string
	BillingModel string
	Unit         string
	TaxCategory  string
	Notes        string
	Quantity     ir.Decimal
	UnitPrice    ir.Decimal
	Amount       ir.Decimal
	HideIfZero   bool
}

// Discount is an applied discount. Target is a product code or
// TargetSubtotal.
type Discount struct {
	RuleID string
	Target string
	Amount ir.Decimal
}

// Input is everything Assemble needs. Lines must already be in output
// order.
type Input struct {
	Currency    money.Currency
	Lines       []Line
	Discounts   []Discount
	TaxRates    map[string]ir.Decimal
	Assumptions []string
	Warnings    []string
}

// Assemble rounds lines, computes totals and numbers the line items
// L001, L002, ... in output order.
func Assemble(in Input) (*Result, error) {
	cur := in.Currency
	res := &Result{
		Currency:  cur.Code,
		LineItems: []LineItem{},
	}
	notes := newNotes(in.Assumptions, in.Warnings)

	lineDiscounts := make(map[string]ir.Decimal)
	discountSum := ir.Zero
	subtotalDiscount := false
	for _, d := range in.Discounts {
		var err error
		if discountSum, err = discountSum.Add(d.Amount); err != nil {
			return nil, fmt.Errorf("sum discounts: %w", err)
		}
		if d.Target == TargetSubtotal {
			if !d.Amount.IsZero() {
				subtotalDiscount = true
			}
			continue
		}
		prev, ok := lineDiscounts[d.Target]
		if !ok {
			prev = ir.Zero
		}
		if lineDiscounts[d.Target], err = prev.Add(d.Amount); err != nil {
			return nil, fmt.Errorf("sum discounts for %s: %w", d.Target, err)
		}
	}

	subtotal := cur.Zero()
	taxBase := ir.Zero
	taxAcc := ir.Zero
	for _, l := range in.Lines {
		amount, err := cur.Round(l.Amount)
		if err != nil {
			return nil, err
		}
		if l.HideIfZero && amount.IsZero() {
			continue
		}

		res.LineItems = append(res.LineItems, LineItem{
			LineItemID:   fmt.Sprintf("L%03d", len(res.LineItems)+1),
			ProductCode:  l.ProductCode,
			Name:         l.Name,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice,
			Amount:       amount,
			BillingModel: l.BillingModel,
			Unit:         l.Unit,
			Notes:        l.Notes,
			TaxCategory:  l.TaxCategory,
		})
		if subtotal, err = subtotal.Add(amount); err != nil {
			return nil, err
		}

		rate, taxed := in.TaxRates[l.TaxCategory]
		if l.TaxCategory == "" || !taxed || rate.IsZero() {
			continue
		}
		base := amount
		if d, ok := lineDiscounts[l.ProductCode]; ok {
			if base, err = base.Sub(d); err != nil {
				return nil, err
			}
		}
		if base.Sign() < 0 {
			base = ir.Zero
		}
		tax, err := base.Mul(rate)
		if err != nil {
			return nil, err
		}
		if taxAcc, err = taxAcc.Add(tax); err != nil {
			return nil, err
		}
		if taxBase, err = taxBase.Add(base); err != nil {
			return nil, err
		}
	}

	discounts, err := cur.Round(discountSum)
	if err != nil {
		return nil, err
	}
	if discounts.Cmp(subtotal) > 0 {
		notes.warn(fmt.Sprintf("discounts of %s exceed the subtotal; capped at %s", discounts, subtotal))
		discounts = subtotal
	}
	taxes, err := cur.Round(taxAcc)
	if err != nil {
		return nil, err
	}
	if subtotalDiscount && !taxBase.IsZero() {
		notes.assume(SubtotalDiscountTaxNote)
	}

	total, err := subtotal.Sub(discounts)
	if err != nil {
		return nil, err
	}
	if total, err = total.Add(taxes); err != nil {
		return nil, err
	}
	if total, err = cur.Round(total); err != nil {
		return nil, err
	}

	res.Totals = Totals{Subtotal: subtotal, Discounts: discounts, Taxes: taxes, Total: total}
	res.Assumptions = notes.assumptions
	res.Warnings = notes.warnings
	return res, nil
}

// notes deduplicates assumption and warning text, keeping first-seen
// order.
type notes struct {
	assumptions []string
	warnings    []string
	seenA       map[string]bool
	seenW       map[string]bool
}

func newNotes(assumptions, warnings []string) *notes {
	n := &notes{
		assumptions: []string{},
		warnings:    []string{},
		seenA:       make(map[string]bool),
		seenW:       make(map[string]bool),
	}
	for _, a := range assumptions {
		n.assume(a)
	}
	for _, w := range warnings {
		n.warn(w)
	}
	return n
}

func (n *notes) assume(s string) {
	if s == "" || n.seenA[s] {
		return
	}
	n.seenA[s] = true
	n.assumptions = append(n.assumptions, s)
}

func (n *notes) warn(s string) {
	if s == "" || n.seenW[s] {
		return
	}
	n.seenW[s] = true
	n.warnings = append(n.warnings, s)
}
