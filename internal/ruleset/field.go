package ruleset

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/pricer/internal/expr"
	"github.com/roach88/pricer/internal/ir"
)

var fieldTypes = []string{FieldCount, FieldInteger, FieldDecimal, FieldMoney, FieldBool, FieldString, FieldEnum}

// Field is a declared context field with its category.
type Field struct {
	Category string
	Name     string
	Def      FieldDef
}

// Path returns category.name.
func (f Field) Path() string {
	return f.Category + "." + f.Name
}

// ExprType maps a field type to its expression type.
func (f FieldDef) ExprType() expr.Type {
	switch f.Type {
	case FieldCount, FieldInteger, FieldDecimal, FieldMoney:
		return expr.TypeNumber
	case FieldBool:
		return expr.TypeBool
	case FieldString, FieldEnum:
		return expr.TypeString
	}
	return expr.TypeAny
}

// Zero returns the zero value used when an optional field is absent and
// has no default.
func (f FieldDef) Zero() ir.IRValue {
	switch f.Type {
	case FieldCount, FieldInteger:
		return ir.IRInt(0)
	case FieldDecimal, FieldMoney:
		return ir.Zero
	case FieldBool:
		return ir.IRBool(false)
	default:
		return ir.IRString("")
	}
}

// Coerce checks v against the field type and returns its normalized form:
// IRInt for count/integer, Decimal for decimal/money, IRBool, IRString.
// Numeric strings are accepted for numeric types and "true"/"false" for
// bools, since contexts often arrive from form posts.
func (f FieldDef) Coerce(v ir.IRValue) (ir.IRValue, error) {
	switch f.Type {
	case FieldCount, FieldInteger:
		d, err := asNumber(v)
		if err != nil {
			return nil, err
		}
		n, err := d.Int64()
		if err != nil {
			return nil, fmt.Errorf("must be an integer, got %s", d.Canonical())
		}
		if f.Type == FieldCount && n < 0 {
			return nil, fmt.Errorf("must be a non-negative integer, got %d", n)
		}
		return ir.IRInt(n), nil

	case FieldDecimal, FieldMoney:
		d, err := asNumber(v)
		if err != nil {
			return nil, err
		}
		if f.Type == FieldMoney && d.Sign() < 0 {
			return nil, fmt.Errorf("must be a non-negative amount, got %s", d.Canonical())
		}
		return d, nil

	case FieldBool:
		switch b := v.(type) {
		case ir.IRBool:
			return b, nil
		case ir.IRString:
			switch strings.ToLower(string(b)) {
			case "true":
				return ir.IRBool(true), nil
			case "false":
				return ir.IRBool(false), nil
			}
		}
		return nil, fmt.Errorf("must be a bool, got %s", ir.TypeName(v))

	case FieldString:
		s, ok := v.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("must be a string, got %s", ir.TypeName(v))
		}
		return s, nil

	case FieldEnum:
		s, ok := v.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("must be a string, got %s", ir.TypeName(v))
		}
		if !slices.Contains(f.Values, string(s)) {
			return nil, fmt.Errorf("must be one of [%s], got %q", strings.Join(f.Values, ", "), string(s))
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown field type %q", f.Type)
}

func asNumber(v ir.IRValue) (ir.Decimal, error) {
	switch n := v.(type) {
	case ir.IRInt:
		return ir.DecimalFromInt(int64(n)), nil
	case ir.Decimal:
		return n, nil
	case ir.IRString:
		d, err := ir.ParseDecimal(string(n))
		if err != nil {
			return ir.Decimal{}, fmt.Errorf("must be a number, got %q", string(n))
		}
		return d, nil
	}
	return ir.Decimal{}, fmt.Errorf("must be a number, got %s", ir.TypeName(v))
}
