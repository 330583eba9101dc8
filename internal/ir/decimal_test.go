package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"12.50", "12.50", false},
		{"-3", "-3", false},
		{" 7 ", "7", false},
		{"1e2", "100", false},
		{"abc", "", true},
		{"NaN", "", true},
		{"Infinity", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDecimal(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.String())
		})
	}
}

func TestDecimalArithmetic(t *testing.T) {
	a := MustDecimal("0.1")
	b := MustDecimal("0.2")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "0.3", sum.Canonical(), "no binary float drift")

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, "-0.1", diff.Canonical())

	prod, err := MustDecimal("750").Mul(MustDecimal("0.15"))
	require.NoError(t, err)
	assert.Equal(t, "112.5", prod.Canonical())

	quo, err := MustDecimal("1").Quo(MustDecimal("3"))
	require.NoError(t, err)
	assert.Equal(t, "0.3333333333333333333333333333333333", quo.String())

	_, err = a.Quo(Zero)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestDecimalImmutability(t *testing.T) {
	a := MustDecimal("10")
	_, err := a.Add(MustDecimal("5"))
	require.NoError(t, err)
	_ = a.Neg()
	assert.Equal(t, "10", a.String())
}

func TestDecimalRoundHalfEven(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2.345", "2.34"},
		{"2.355", "2.36"},
		{"2.3450001", "2.35"},
		{"-2.345", "-2.34"},
		{"0.005", "0.00"},
		{"0.015", "0.02"},
		{"10", "10.00"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := MustDecimal(tt.in).Round(2)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestDecimalFloorCeil(t *testing.T) {
	f, err := MustDecimal("2.5").Floor()
	require.NoError(t, err)
	assert.Equal(t, "2", f.Canonical())

	c, err := MustDecimal("2.1").Ceil()
	require.NoError(t, err)
	assert.Equal(t, "3", c.Canonical())

	c, err = MustDecimal("-2.1").Ceil()
	require.NoError(t, err)
	assert.Equal(t, "-2", c.Canonical())
}

func TestDecimalIntegerChecks(t *testing.T) {
	assert.True(t, MustDecimal("250.000").IsInteger())
	assert.False(t, MustDecimal("250.5").IsInteger())

	n, err := MustDecimal("250.00").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)

	_, err = MustDecimal("1.5").Int64()
	require.Error(t, err)
}

func TestDecimalZeroValue(t *testing.T) {
	var d Decimal
	assert.True(t, d.IsZero())
	assert.Equal(t, "0", d.String())

	sum, err := d.Add(MustDecimal("1"))
	require.NoError(t, err)
	assert.Equal(t, "1", sum.String())
}

func TestDecimalJSON(t *testing.T) {
	data, err := json.Marshal(MustDecimal("12.50"))
	require.NoError(t, err)
	assert.Equal(t, `"12.50"`, string(data))

	var fromString, fromNumber Decimal
	require.NoError(t, json.Unmarshal([]byte(`"3.75"`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`3.75`), &fromNumber))
	assert.Equal(t, 0, fromString.Cmp(fromNumber))
}

func TestMinMaxDecimal(t *testing.T) {
	a, b := MustDecimal("1"), MustDecimal("2")
	assert.Equal(t, "1", MinDecimal(a, b).String())
	assert.Equal(t, "2", MaxDecimal(a, b).String())
}
