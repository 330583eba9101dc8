package expr

import (
	"fmt"

	"github.com/roach88/pricer/internal/ir"
)

// Env supplies reference values during evaluation.
type Env interface {
	// Resolve returns the value of ref, or false if it has none.
	Resolve(ref Ref) (ir.IRValue, bool)
}

// MapEnv is an Env backed by a map keyed by Ref.Path().
type MapEnv map[string]ir.IRValue

// Resolve implements Env.
func (m MapEnv) Resolve(ref Ref) (ir.IRValue, bool) {
	v, ok := m[ref.Path()]
	return v, ok
}

// Read records one reference read during evaluation.
type Read struct {
	Ref   string
	Value ir.IRValue
}

// EvalError reports a runtime failure: a type mismatch, an unresolved
// reference or an arithmetic error.
type EvalError struct {
	Source  string
	Message string
	Err     error
}

func (e *EvalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluate %q: %s: %v", e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluate %q: %s", e.Source, e.Message)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// Eval evaluates e against env. It returns the value (ir.Decimal,
// ir.IRString or ir.IRBool) and every reference read, in first-read order.
// Evaluation is pure: the same expression and env always give the same
// result and reads.
func Eval(e *Expression, env Env) (ir.IRValue, []Read, error) {
	ev := &evaluator{src: e.Source, env: env, seen: make(map[string]bool)}
	v, err := ev.eval(e.Root)
	if err != nil {
		return nil, nil, err
	}
	return v, ev.reads, nil
}

// EvalDecimal evaluates e and requires a number.
func EvalDecimal(e *Expression, env Env) (ir.Decimal, []Read, error) {
	v, reads, err := Eval(e, env)
	if err != nil {
		return ir.Decimal{}, nil, err
	}
	d, ok := v.(ir.Decimal)
	if !ok {
		return ir.Decimal{}, nil, &EvalError{Source: e.Source, Message: fmt.Sprintf("expected number, got %s", ir.TypeName(v))}
	}
	return d, reads, nil
}

// EvalBool evaluates e and requires a bool.
func EvalBool(e *Expression, env Env) (bool, []Read, error) {
	v, reads, err := Eval(e, env)
	if err != nil {
		return false, nil, err
	}
	b, ok := v.(ir.IRBool)
	if !ok {
		return false, nil, &EvalError{Source: e.Source, Message: fmt.Sprintf("expected bool, got %s", ir.TypeName(v))}
	}
	return bool(b), reads, nil
}

type evaluator struct {
	src   string
	env   Env
	reads []Read
	seen  map[string]bool
}

func (ev *evaluator) fail(err error, format string, args ...any) error {
	return &EvalError{Source: ev.src, Message: fmt.Sprintf(format, args...), Err: err}
}

func (ev *evaluator) eval(n Node) (ir.IRValue, error) {
	switch v := n.(type) {
	case Literal:
		return v.Value, nil

	case RefNode:
		return ev.resolve(v.Ref)

	case Unary:
		x, err := ev.eval(v.X)
		if err != nil {
			return nil, err
		}
		if v.Op == "!" {
			b, err := ev.asBool(x, "!")
			if err != nil {
				return nil, err
			}
			return ir.IRBool(!b), nil
		}
		d, err := ev.asDecimal(x, "-")
		if err != nil {
			return nil, err
		}
		return d.Neg(), nil

	case Binary:
		return ev.evalBinary(v)

	case Cond:
		c, err := ev.eval(v.If)
		if err != nil {
			return nil, err
		}
		b, err := ev.asBool(c, "?:")
		if err != nil {
			return nil, err
		}
		if b {
			return ev.eval(v.Then)
		}
		return ev.eval(v.Else)

	case Call:
		spec, ok := builtins[v.Fn]
		if !ok || spec.call == nil {
			return nil, ev.fail(nil, "unknown function %q", v.Fn)
		}
		args := make([]ir.Decimal, len(v.Args))
		for i, a := range v.Args {
			x, err := ev.eval(a)
			if err != nil {
				return nil, err
			}
			if args[i], err = ev.asDecimal(x, v.Fn); err != nil {
				return nil, err
			}
		}
		out, err := spec.call(args)
		if err != nil {
			return nil, ev.fail(err, "%s", v.Fn)
		}
		return out, nil

	case In:
		x, err := ev.eval(v.X)
		if err != nil {
			return nil, err
		}
		for _, e := range v.List {
			y, err := ev.eval(e)
			if err != nil {
				return nil, err
			}
			if ir.TypeName(x) != ir.TypeName(y) {
				return nil, ev.fail(nil, "'in' compares %s with %s", ir.TypeName(x), ir.TypeName(y))
			}
			if ir.Equal(x, y) {
				return ir.IRBool(true), nil
			}
		}
		return ir.IRBool(false), nil
	}
	return nil, ev.fail(nil, "unsupported node %T", n)
}

func (ev *evaluator) resolve(ref Ref) (ir.IRValue, error) {
	raw, ok := ev.env.Resolve(ref)
	if !ok {
		return nil, ev.fail(nil, "%s has no value", ref.Path())
	}

	var v ir.IRValue
	switch x := raw.(type) {
	case ir.IRInt:
		v = ir.DecimalFromInt(int64(x))
	case ir.Decimal, ir.IRString, ir.IRBool:
		v = x
	default:
		return nil, ev.fail(nil, "%s is a %s, not a scalar", ref.Path(), ir.TypeName(raw))
	}

	if !ev.seen[ref.Path()] {
		ev.seen[ref.Path()] = true
		ev.reads = append(ev.reads, Read{Ref: ref.Path(), Value: v})
	}
	return v, nil
}

func (ev *evaluator) evalBinary(v Binary) (ir.IRValue, error) {
	l, err := ev.eval(v.L)
	if err != nil {
		return nil, err
	}

	// Short-circuit: the right side is not evaluated (or read) when the
	// left side decides the result.
	switch v.Op {
	case "&&", "||":
		lb, err := ev.asBool(l, v.Op)
		if err != nil {
			return nil, err
		}
		if (v.Op == "&&" && !lb) || (v.Op == "||" && lb) {
			return ir.IRBool(lb), nil
		}
		r, err := ev.eval(v.R)
		if err != nil {
			return nil, err
		}
		rb, err := ev.asBool(r, v.Op)
		if err != nil {
			return nil, err
		}
		return ir.IRBool(rb), nil
	}

	r, err := ev.eval(v.R)
	if err != nil {
		return nil, err
	}

	switch v.Op {
	case "==", "!=":
		if ir.TypeName(l) != ir.TypeName(r) {
			return nil, ev.fail(nil, "cannot compare %s and %s", ir.TypeName(l), ir.TypeName(r))
		}
		eq := ir.Equal(l, r)
		return ir.IRBool(eq == (v.Op == "==")), nil

	case "<", "<=", ">", ">=":
		cmp, err := ev.order(l, r, v.Op)
		if err != nil {
			return nil, err
		}
		switch v.Op {
		case "<":
			return ir.IRBool(cmp < 0), nil
		case "<=":
			return ir.IRBool(cmp <= 0), nil
		case ">":
			return ir.IRBool(cmp > 0), nil
		default:
			return ir.IRBool(cmp >= 0), nil
		}
	}

	a, err := ev.asDecimal(l, v.Op)
	if err != nil {
		return nil, err
	}
	b, err := ev.asDecimal(r, v.Op)
	if err != nil {
		return nil, err
	}

	var out ir.Decimal
	switch v.Op {
	case "+":
		out, err = a.Add(b)
	case "-":
		out, err = a.Sub(b)
	case "*":
		out, err = a.Mul(b)
	case "/":
		out, err = a.Quo(b)
	case "%":
		out, err = a.Rem(b)
	default:
		return nil, ev.fail(nil, "unknown operator %s", v.Op)
	}
	if err != nil {
		return nil, ev.fail(err, "operator %s", v.Op)
	}
	return out, nil
}

func (ev *evaluator) order(l, r ir.IRValue, op string) (int, error) {
	switch a := l.(type) {
	case ir.Decimal:
		if b, ok := r.(ir.Decimal); ok {
			return a.Cmp(b), nil
		}
	case ir.IRString:
		if b, ok := r.(ir.IRString); ok {
			switch {
			case a < b:
				return -1, nil
			case a > b:
				return 1, nil
			}
			return 0, nil
		}
	}
	return 0, ev.fail(nil, "operator %s cannot order %s and %s", op, ir.TypeName(l), ir.TypeName(r))
}

func (ev *evaluator) asDecimal(v ir.IRValue, op string) (ir.Decimal, error) {
	d, ok := v.(ir.Decimal)
	if !ok {
		return ir.Decimal{}, ev.fail(nil, "%s needs a number, got %s", op, ir.TypeName(v))
	}
	return d, nil
}

func (ev *evaluator) asBool(v ir.IRValue, op string) (bool, error) {
	b, ok := v.(ir.IRBool)
	if !ok {
		return false, ev.fail(nil, "%s needs a bool, got %s", op, ir.TypeName(v))
	}
	return bool(b), nil
}
