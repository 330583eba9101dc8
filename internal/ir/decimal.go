package ir

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// DecimalPrecision is the number of significant digits carried by every
// arithmetic operation.
const DecimalPrecision = 34

// arith is shared by all Decimal operations. apd contexts are read-only
// during arithmetic, so concurrent use is safe.
var arith = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(DecimalPrecision)
	c.Rounding = apd.RoundHalfEven
	return c
}()

// Decimal is an immutable fixed-point number. The zero value is 0.
//
// Operations never mutate their receiver or arguments; every result is a
// freshly allocated apd.Decimal.
type Decimal struct {
	d *apd.Decimal
}

// Zero is the decimal 0.
var Zero = Decimal{}

func (x Decimal) ptr() *apd.Decimal {
	if x.d == nil {
		return apd.New(0, 0)
	}
	return x.d
}

// ParseDecimal parses a finite decimal literal such as "12.50" or "-3".
func ParseDecimal(s string) (Decimal, error) {
	v, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if v.Form != apd.Finite {
		return Decimal{}, fmt.Errorf("invalid decimal %q: not finite", s)
	}
	return Decimal{d: v}, nil
}

// MustDecimal is like ParseDecimal but panics on error.
// Use only in tests or for compile-time constants.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DecimalFromInt returns n as a Decimal.
func DecimalFromInt(n int64) Decimal {
	return Decimal{d: apd.New(n, 0)}
}

// DecimalFromFloat converts a float through its shortest round-trip text.
// Only decoders hand us floats (YAML scalars); arithmetic never does.
func DecimalFromFloat(f float64) (Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Decimal{}, fmt.Errorf("invalid decimal: %v", f)
	}
	return ParseDecimal(strconv.FormatFloat(f, 'f', -1, 64))
}

func result(op string, fn func(res *apd.Decimal) (apd.Condition, error)) (Decimal, error) {
	res := new(apd.Decimal)
	if _, err := fn(res); err != nil {
		return Decimal{}, fmt.Errorf("decimal %s: %w", op, err)
	}
	return Decimal{d: res}, nil
}

// Add returns x + y.
func (x Decimal) Add(y Decimal) (Decimal, error) {
	return result("add", func(r *apd.Decimal) (apd.Condition, error) { return arith.Add(r, x.ptr(), y.ptr()) })
}

// Sub returns x - y.
func (x Decimal) Sub(y Decimal) (Decimal, error) {
	return result("sub", func(r *apd.Decimal) (apd.Condition, error) { return arith.Sub(r, x.ptr(), y.ptr()) })
}

// Mul returns x * y.
func (x Decimal) Mul(y Decimal) (Decimal, error) {
	return result("mul", func(r *apd.Decimal) (apd.Condition, error) { return arith.Mul(r, x.ptr(), y.ptr()) })
}

// Quo returns x / y. Division by zero is an error.
func (x Decimal) Quo(y Decimal) (Decimal, error) {
	if y.IsZero() {
		return Decimal{}, fmt.Errorf("decimal quo: division by zero")
	}
	return result("quo", func(r *apd.Decimal) (apd.Condition, error) { return arith.Quo(r, x.ptr(), y.ptr()) })
}

// Rem returns the remainder of x / y.
func (x Decimal) Rem(y Decimal) (Decimal, error) {
	if y.IsZero() {
		return Decimal{}, fmt.Errorf("decimal rem: division by zero")
	}
	return result("rem", func(r *apd.Decimal) (apd.Condition, error) { return arith.Rem(r, x.ptr(), y.ptr()) })
}

// Neg returns -x.
func (x Decimal) Neg() Decimal {
	r := new(apd.Decimal)
	r.Neg(x.ptr())
	return Decimal{d: r}
}

// Abs returns |x|.
func (x Decimal) Abs() Decimal {
	r := new(apd.Decimal)
	r.Abs(x.ptr())
	return Decimal{d: r}
}

// Round rounds x to the given number of fractional digits, half-even.
func (x Decimal) Round(scale int32) (Decimal, error) {
	return result("round", func(r *apd.Decimal) (apd.Condition, error) { return arith.Quantize(r, x.ptr(), -scale) })
}

// Floor returns the greatest integer <= x.
func (x Decimal) Floor() (Decimal, error) {
	return result("floor", func(r *apd.Decimal) (apd.Condition, error) { return arith.Floor(r, x.ptr()) })
}

// Ceil returns the least integer >= x.
func (x Decimal) Ceil() (Decimal, error) {
	return result("ceil", func(r *apd.Decimal) (apd.Condition, error) { return arith.Ceil(r, x.ptr()) })
}

// Cmp compares x and y numerically: -1, 0 or +1.
func (x Decimal) Cmp(y Decimal) int {
	return x.ptr().Cmp(y.ptr())
}

// Sign returns -1, 0 or +1.
func (x Decimal) Sign() int {
	return x.ptr().Sign()
}

// IsZero reports whether x == 0.
func (x Decimal) IsZero() bool {
	return x.Sign() == 0
}

// IsInteger reports whether x has no fractional part.
func (x Decimal) IsInteger() bool {
	return !strings.Contains(x.Canonical(), ".")
}

// Int64 returns x as an int64 if it is integral and in range.
func (x Decimal) Int64() (int64, error) {
	if !x.IsInteger() {
		return 0, fmt.Errorf("decimal %s is not an integer", x.Canonical())
	}
	return strconv.ParseInt(x.Canonical(), 10, 64)
}

// MinDecimal returns the smaller of x and y.
func MinDecimal(x, y Decimal) Decimal {
	if x.Cmp(y) <= 0 {
		return x
	}
	return y
}

// MaxDecimal returns the larger of x and y.
func MaxDecimal(x, y Decimal) Decimal {
	if x.Cmp(y) >= 0 {
		return x
	}
	return y
}

// String returns the plain (non-exponent) form, keeping trailing zeros
// so that rounded money amounts print as "12.50".
func (x Decimal) String() string {
	return x.ptr().Text('f')
}

// Canonical returns the plain form with trailing fractional zeros removed
// and negative zero folded to "0". Equal values always share one form.
func (x Decimal) Canonical() string {
	s := x.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" || s == "" {
		return "0"
	}
	return s
}

// MarshalJSON emits the decimal as a JSON string.
func (x Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.String())
}

// UnmarshalJSON accepts a JSON string or number.
func (x *Decimal) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) > 0 && s[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	d, err := ParseDecimal(s)
	if err != nil {
		return err
	}
	*x = d
	return nil
}

// MarshalYAML emits the decimal as a string scalar.
func (x Decimal) MarshalYAML() (any, error) {
	return x.String(), nil
}
