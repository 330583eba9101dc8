package expr

import (
	"fmt"

	"github.com/roach88/pricer/internal/ir"
)

// Type is the static type of an expression.
type Type int

const (
	// TypeAny is assigned to untyped references (extensions). Checks
	// against it are deferred to evaluation.
	TypeAny Type = iota
	TypeNumber
	TypeString
	TypeBool
)

func (t Type) String() string {
	switch t {
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	default:
		return "any"
	}
}

// Scope answers static questions about references.
type Scope interface {
	// TypeOf returns the type of a declared reference, or an error naming
	// why the reference is not available.
	TypeOf(ref Ref) (Type, error)
}

// TypeError reports a static check failure.
type TypeError struct {
	Source  string
	Message string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("expression %q: %s", e.Source, e.Message)
}

// Check statically verifies references and operand types and returns the
// expression's result type.
func Check(e *Expression, scope Scope) (Type, error) {
	c := checker{src: e.Source, scope: scope}
	return c.check(e.Root)
}

// CheckAs is Check plus a requirement on the result type.
func CheckAs(e *Expression, scope Scope, want Type) error {
	got, err := Check(e, scope)
	if err != nil {
		return err
	}
	if !compatible(got, want) {
		return &TypeError{Source: e.Source, Message: fmt.Sprintf("expected %s result, got %s", want, got)}
	}
	return nil
}

type checker struct {
	src   string
	scope Scope
}

func (c checker) fail(format string, args ...any) error {
	return &TypeError{Source: c.src, Message: fmt.Sprintf(format, args...)}
}

func compatible(a, b Type) bool {
	return a == TypeAny || b == TypeAny || a == b
}

// unify returns the more specific of two compatible types.
func unify(a, b Type) Type {
	if a == TypeAny {
		return b
	}
	return a
}

func (c checker) check(n Node) (Type, error) {
	switch v := n.(type) {
	case Literal:
		switch v.Value.(type) {
		case ir.Decimal:
			return TypeNumber, nil
		case ir.IRString:
			return TypeString, nil
		case ir.IRBool:
			return TypeBool, nil
		}
		return TypeAny, c.fail("unsupported literal")

	case RefNode:
		t, err := c.scope.TypeOf(v.Ref)
		if err != nil {
			return TypeAny, c.fail("%v", err)
		}
		return t, nil

	case Unary:
		x, err := c.check(v.X)
		if err != nil {
			return TypeAny, err
		}
		want := TypeNumber
		if v.Op == "!" {
			want = TypeBool
		}
		if !compatible(x, want) {
			return TypeAny, c.fail("operator %s needs %s, got %s", v.Op, want, x)
		}
		return want, nil

	case Binary:
		return c.checkBinary(v)

	case Cond:
		cond, err := c.check(v.If)
		if err != nil {
			return TypeAny, err
		}
		if !compatible(cond, TypeBool) {
			return TypeAny, c.fail("condition must be bool, got %s", cond)
		}
		a, err := c.check(v.Then)
		if err != nil {
			return TypeAny, err
		}
		b, err := c.check(v.Else)
		if err != nil {
			return TypeAny, err
		}
		if !compatible(a, b) {
			return TypeAny, c.fail("conditional branches differ: %s vs %s", a, b)
		}
		return unify(a, b), nil

	case Call:
		for i, a := range v.Args {
			t, err := c.check(a)
			if err != nil {
				return TypeAny, err
			}
			if !compatible(t, TypeNumber) {
				return TypeAny, c.fail("%s: argument %d must be number, got %s", v.Fn, i+1, t)
			}
		}
		return TypeNumber, nil

	case In:
		x, err := c.check(v.X)
		if err != nil {
			return TypeAny, err
		}
		for i, e := range v.List {
			t, err := c.check(e)
			if err != nil {
				return TypeAny, err
			}
			if !compatible(x, t) {
				return TypeAny, c.fail("'in' element %d is %s, value is %s", i, t, x)
			}
		}
		return TypeBool, nil
	}
	return TypeAny, c.fail("unsupported node %T", n)
}

func (c checker) checkBinary(v Binary) (Type, error) {
	l, err := c.check(v.L)
	if err != nil {
		return TypeAny, err
	}
	r, err := c.check(v.R)
	if err != nil {
		return TypeAny, err
	}

	switch v.Op {
	case "+", "-", "*", "/", "%":
		if !compatible(l, TypeNumber) || !compatible(r, TypeNumber) {
			return TypeAny, c.fail("operator %s needs numbers, got %s and %s", v.Op, l, r)
		}
		return TypeNumber, nil
	case "<", "<=", ">", ">=":
		if !compatible(l, r) || unify(l, r) == TypeBool {
			return TypeAny, c.fail("cannot order %s and %s", l, r)
		}
		return TypeBool, nil
	case "==", "!=":
		if !compatible(l, r) {
			return TypeAny, c.fail("cannot compare %s and %s", l, r)
		}
		return TypeBool, nil
	case "&&", "||":
		if !compatible(l, TypeBool) || !compatible(r, TypeBool) {
			return TypeAny, c.fail("operator %s needs bools, got %s and %s", v.Op, l, r)
		}
		return TypeBool, nil
	}
	return TypeAny, c.fail("unknown operator %s", v.Op)
}
