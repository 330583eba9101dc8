package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pricer/internal/ir"
)

func TestLookupMinorUnits(t *testing.T) {
	tests := []struct {
		code string
		want int32
	}{
		{"USD", 2},
		{"eur", 2},
		{"JPY", 0},
		{"BHD", 3},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			c, err := Lookup(tt.code, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.MinorUnits)
		})
	}
}

func TestLookupOverride(t *testing.T) {
	four := 4
	c, err := Lookup("USD", &four)
	require.NoError(t, err)
	assert.Equal(t, int32(4), c.MinorUnits)

	bad := 12
	_, err = Lookup("USD", &bad)
	require.Error(t, err)
}

func TestLookupUnknownCurrency(t *testing.T) {
	_, err := Lookup("XYZW", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "XYZW")
}

func TestRoundHalfEven(t *testing.T) {
	usd := MustLookup("USD")

	tests := []struct {
		in, want string
	}{
		{"112.505", "112.50"},
		{"112.515", "112.52"},
		{"0.125", "0.12"},
		{"750", "750.00"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := usd.Round(ir.MustDecimal(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestZeroAndMinorUnit(t *testing.T) {
	usd := MustLookup("USD")
	assert.Equal(t, "0.00", usd.Zero().String())
	assert.Equal(t, "0.01", usd.MinorUnit().String())

	jpy := MustLookup("JPY")
	assert.Equal(t, "1", jpy.MinorUnit().String())
}

func TestWithinMinorUnit(t *testing.T) {
	usd := MustLookup("USD")
	assert.True(t, usd.WithinMinorUnit(ir.MustDecimal("10.00"), ir.MustDecimal("10.01")))
	assert.False(t, usd.WithinMinorUnit(ir.MustDecimal("10.00"), ir.MustDecimal("10.02")))
}

func TestSum(t *testing.T) {
	total, err := Sum(ir.MustDecimal("0.333"), ir.MustDecimal("0.333"), ir.MustDecimal("0.334"))
	require.NoError(t, err)
	assert.Equal(t, "1", total.Canonical())
}
