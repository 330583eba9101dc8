package output

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/money"
)

var usd = money.MustLookup("USD")

func line(code, qty, unit, amount string) Line {
	return Line{
		ProductCode:  code,
		Name:         code + " product",
		BillingModel: "recurring_monthly",
		Unit:         "month",
		Quantity:     ir.MustDecimal(qty),
		UnitPrice:    ir.MustDecimal(unit),
		Amount:       ir.MustDecimal(amount),
	}
}

func TestAssembleTotals(t *testing.T) {
	bk := line("BK", "1", "750", "750")
	bk.TaxCategory = "services"
	pay := line("PAY", "3", "12.50", "37.5")

	res, err := Assemble(Input{
		Currency: usd,
		Lines:    []Line{bk, pay},
		Discounts: []Discount{
			{RuleID: "promo", Target: "BK", Amount: ir.MustDecimal("75")},
		},
		TaxRates: map[string]ir.Decimal{"services": ir.MustDecimal("0.08")},
	})
	require.NoError(t, err)

	require.Len(t, res.LineItems, 2)
	assert.Equal(t, "L001", res.LineItems[0].LineItemID)
	assert.Equal(t, "L002", res.LineItems[1].LineItemID)
	assert.Equal(t, "37.50", res.LineItems[1].Amount.String())

	assert.Equal(t, "787.50", res.Totals.Subtotal.String())
	assert.Equal(t, "75.00", res.Totals.Discounts.String())
	// (750 - 75) * 0.08
	assert.Equal(t, "54.00", res.Totals.Taxes.String())
	assert.Equal(t, "766.50", res.Totals.Total.String())
	assert.Empty(t, res.Assumptions)
}

func TestAssembleRoundsHalfEvenOncePerLine(t *testing.T) {
	res, err := Assemble(Input{
		Currency: usd,
		Lines: []Line{
			line("A", "1", "0.125", "0.125"),
			line("B", "1", "0.135", "0.135"),
			line("C", "1", "0.005", "0.005"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "0.12", res.LineItems[0].Amount.String())
	assert.Equal(t, "0.14", res.LineItems[1].Amount.String())
	assert.Equal(t, "0.00", res.LineItems[2].Amount.String())
	assert.Equal(t, "0.26", res.Totals.Subtotal.String())
	assert.Equal(t, "0.26", res.Totals.Total.String())
}

func TestAssembleHideIfZero(t *testing.T) {
	setup := line("SETUP", "1", "0", "0")
	setup.HideIfZero = true
	shown := line("SUITE", "1", "0", "0.001")
	shown.HideIfZero = true

	res, err := Assemble(Input{Currency: usd, Lines: []Line{line("BK", "1", "500", "500"), setup, shown}})
	require.NoError(t, err)

	require.Len(t, res.LineItems, 1, "amounts rounding to zero are hidden too")
	assert.Equal(t, "BK", res.LineItems[0].ProductCode)
	assert.Equal(t, "L001", res.LineItems[0].LineItemID)
}

func TestAssembleSubtotalDiscountAssumption(t *testing.T) {
	bk := line("BK", "1", "500", "500")
	bk.TaxCategory = "services"

	res, err := Assemble(Input{
		Currency:  usd,
		Lines:     []Line{bk},
		Discounts: []Discount{{RuleID: "prepay", Target: TargetSubtotal, Amount: ir.MustDecimal("25")}},
		TaxRates:  map[string]ir.Decimal{"services": ir.MustDecimal("0.08")},
	})
	require.NoError(t, err)

	assert.Equal(t, "40.00", res.Totals.Taxes.String(), "subtotal discounts leave the tax base alone")
	assert.Equal(t, "515.00", res.Totals.Total.String())
	assert.Equal(t, []string{SubtotalDiscountTaxNote}, res.Assumptions)
}

func TestAssembleCapsDiscountsAtSubtotal(t *testing.T) {
	res, err := Assemble(Input{
		Currency:  usd,
		Lines:     []Line{line("BK", "1", "10", "10")},
		Discounts: []Discount{{RuleID: "big", Target: TargetSubtotal, Amount: ir.MustDecimal("15")}},
	})
	require.NoError(t, err)

	assert.Equal(t, "10.00", res.Totals.Discounts.String())
	assert.Equal(t, "0.00", res.Totals.Total.String())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "exceed the subtotal")
}

func TestAssembleDeduplicatesNotes(t *testing.T) {
	res, err := Assemble(Input{
		Currency:    usd,
		Assumptions: []string{"a", "b", "a", ""},
		Warnings:    []string{"w1", "w1", "w2"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, res.Assumptions)
	assert.Equal(t, []string{"w1", "w2"}, res.Warnings)
	assert.Empty(t, res.LineItems)
	assert.Equal(t, "0.00", res.Totals.Total.String())
}

func TestAssembleZeroMinorUnits(t *testing.T) {
	jpy := money.MustLookup("JPY")
	res, err := Assemble(Input{Currency: jpy, Lines: []Line{line("A", "1", "100.5", "100.5")}})
	require.NoError(t, err)
	assert.Equal(t, "100", res.LineItems[0].Amount.String())
}

func TestRoundingStability(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	rates := map[string]ir.Decimal{"services": ir.MustDecimal("0.0825")}

	for i := 0; i < 500; i++ {
		var lines []Line
		var discounts []Discount
		for j := 0; j < 1+rng.IntN(6); j++ {
			code := fmt.Sprintf("P%d", j)
			l := line(code, "1", "0", fmt.Sprintf("%d.%04d", rng.IntN(5000), rng.IntN(10000)))
			if rng.IntN(2) == 0 {
				l.TaxCategory = "services"
			}
			lines = append(lines, l)
			if rng.IntN(3) == 0 {
				discounts = append(discounts, Discount{RuleID: "d" + code, Target: code, Amount: ir.MustDecimal(fmt.Sprintf("%d.%03d", rng.IntN(50), rng.IntN(1000)))})
			}
		}

		res, err := Assemble(Input{Currency: usd, Lines: lines, Discounts: discounts, TaxRates: rates})
		require.NoError(t, err)

		want, err := res.Totals.Subtotal.Sub(res.Totals.Discounts)
		require.NoError(t, err)
		want, err = want.Add(res.Totals.Taxes)
		require.NoError(t, err)
		require.True(t, usd.WithinMinorUnit(res.Totals.Total, want),
			"iteration %d: total %s vs %s", i, res.Totals.Total, want)
	}
}

func TestResultJSONAndIR(t *testing.T) {
	res, err := Assemble(Input{Currency: usd, Lines: []Line{line("BK", "1", "500", "500")}})
	require.NoError(t, err)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"amount":"500.00"`)
	assert.Contains(t, string(data), `"assumptions":[]`)

	var decoded Result
	require.NoError(t, json.Unmarshal(data, &decoded))

	a, err := ir.MarshalCanonical(res.IR())
	require.NoError(t, err)
	b, err := ir.MarshalCanonical(decoded.IR())
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
