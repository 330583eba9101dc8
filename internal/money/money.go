// Package money rounds decimal amounts to a currency's minor unit.
//
// Rounding is always half-even and is applied exactly once per reported
// amount; callers keep full precision for every intermediate sum.
package money

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"

	"github.com/roach88/pricer/internal/ir"
)

// MaxMinorUnits bounds explicit minor unit overrides.
const MaxMinorUnits = 8

// Currency is an ISO 4217 code plus the number of fractional digits
// amounts are rounded to.
type Currency struct {
	Code       string `json:"code"`
	MinorUnits int32  `json:"minor_units"`
}

// Lookup resolves an ISO 4217 code. The minor unit comes from CLDR data
// unless override is non-nil.
func Lookup(code string, override *int) (Currency, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return Currency{}, fmt.Errorf("unknown currency %q: %w", code, err)
	}

	scale, _ := currency.Standard.Rounding(unit)
	if override != nil {
		if *override < 0 || *override > MaxMinorUnits {
			return Currency{}, fmt.Errorf("minor_units %d out of range [0,%d]", *override, MaxMinorUnits)
		}
		scale = *override
	}

	return Currency{Code: unit.String(), MinorUnits: int32(scale)}, nil
}

// MustLookup is like Lookup but panics on error.
// Use only in tests.
func MustLookup(code string) Currency {
	c, err := Lookup(code, nil)
	if err != nil {
		panic(err)
	}
	return c
}

// Round rounds d to the currency's minor unit using round-half-even.
func (c Currency) Round(d ir.Decimal) (ir.Decimal, error) {
	r, err := d.Round(c.MinorUnits)
	if err != nil {
		return ir.Decimal{}, fmt.Errorf("round to %s: %w", c.Code, err)
	}
	return r, nil
}

// Zero returns 0 at the currency's scale, e.g. "0.00" for USD.
func (c Currency) Zero() ir.Decimal {
	z, _ := ir.Zero.Round(c.MinorUnits)
	return z
}

// MinorUnit returns the smallest representable amount, e.g. 0.01.
func (c Currency) MinorUnit() ir.Decimal {
	return ir.MustDecimal(fmt.Sprintf("1e-%d", c.MinorUnits))
}

// WithinMinorUnit reports whether |a - b| is at most one minor unit.
func (c Currency) WithinMinorUnit(a, b ir.Decimal) bool {
	diff, err := a.Sub(b)
	if err != nil {
		return false
	}
	return diff.Abs().Cmp(c.MinorUnit()) <= 0
}

// Sum adds amounts at full precision. It does not round.
func Sum(amounts ...ir.Decimal) (ir.Decimal, error) {
	total := ir.Zero
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return ir.Decimal{}, err
		}
	}
	return total, nil
}
