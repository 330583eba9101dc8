package expr

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"

	"github.com/roach88/pricer/internal/ir"
)

// Parse limits keep every expression small and finite.
const (
	MaxSourceLength = 4096
	MaxNodes        = 512
)

var binaryOps = map[string]string{
	operators.Add:           "+",
	operators.Subtract:      "-",
	operators.Multiply:      "*",
	operators.Divide:        "/",
	operators.Modulo:        "%",
	operators.Equals:        "==",
	operators.NotEquals:     "!=",
	operators.Less:          "<",
	operators.LessEquals:    "<=",
	operators.Greater:       ">",
	operators.GreaterEquals: ">=",
	operators.LogicalAnd:    "&&",
	operators.LogicalOr:     "||",
}

var (
	parserOnce sync.Once
	parserEnv  *cel.Env
	parserErr  error
)

// parser returns a CEL environment used only for parsing. Macros are
// cleared so has(), all(), exists() and friends are plain (rejected) calls.
func parser() (*cel.Env, error) {
	parserOnce.Do(func() {
		parserEnv, parserErr = cel.NewEnv(cel.ClearMacros())
	})
	return parserEnv, parserErr
}

// SyntaxError reports an expression that cannot be parsed or lowered.
type SyntaxError struct {
	Source  string
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid expression %q: %s", e.Source, e.Message)
}

// Parse parses src into an Expression.
func Parse(src string) (*Expression, error) {
	if src == "" {
		return nil, &SyntaxError{Source: src, Message: "empty expression"}
	}
	if len(src) > MaxSourceLength {
		return nil, &SyntaxError{Source: src[:32] + "...", Message: fmt.Sprintf("longer than %d bytes", MaxSourceLength)}
	}

	env, err := parser()
	if err != nil {
		return nil, fmt.Errorf("init expression parser: %w", err)
	}

	parsed, iss := env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return nil, &SyntaxError{Source: src, Message: iss.Err().Error()}
	}

	l := &lowerer{src: src}
	root, err := l.lower(parsed.NativeRep().Expr())
	if err != nil {
		return nil, err
	}

	return &Expression{Source: src, Root: root, Refs: collectRefs(root)}, nil
}

// MustParse is like Parse but panics on error.
// Use only in tests.
func MustParse(src string) *Expression {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

type lowerer struct {
	src   string
	nodes int
}

func (l *lowerer) fail(format string, args ...any) error {
	return &SyntaxError{Source: l.src, Message: fmt.Sprintf(format, args...)}
}

func (l *lowerer) lower(e celast.Expr) (Node, error) {
	l.nodes++
	if l.nodes > MaxNodes {
		return nil, l.fail("more than %d nodes", MaxNodes)
	}

	switch e.Kind() {
	case celast.LiteralKind:
		return l.lowerLiteral(e)
	case celast.IdentKind:
		return nil, l.fail("bare identifier %q; qualify it as <category>.%s, %s.%s, %s.%s or %s.%s",
			e.AsIdent(), e.AsIdent(), NSConstants, e.AsIdent(), NSVars, e.AsIdent(), NSExtensions, e.AsIdent())
	case celast.SelectKind:
		return l.lowerSelect(e)
	case celast.CallKind:
		return l.lowerCall(e)
	case celast.ListKind:
		return nil, l.fail("list literals are only allowed on the right of 'in'")
	case celast.ComprehensionKind:
		return nil, l.fail("comprehensions are not allowed")
	case celast.MapKind, celast.StructKind:
		return nil, l.fail("map and message literals are not allowed")
	default:
		return nil, l.fail("unsupported expression")
	}
}

func (l *lowerer) lowerLiteral(e celast.Expr) (Node, error) {
	switch v := e.AsLiteral().(type) {
	case types.Bool:
		return Literal{Value: ir.IRBool(bool(v))}, nil
	case types.String:
		return Literal{Value: ir.IRString(string(v))}, nil
	case types.Int:
		return Literal{Value: ir.DecimalFromInt(int64(v))}, nil
	case types.Uint:
		d, err := ir.ParseDecimal(strconv.FormatUint(uint64(v), 10))
		if err != nil {
			return nil, l.fail("%v", err)
		}
		return Literal{Value: d}, nil
	case types.Double:
		// Shortest round-trip text of the literal as written, never the
		// binary value. decimal("...") is available for exact spelling.
		d, err := ir.DecimalFromFloat(float64(v))
		if err != nil {
			return nil, l.fail("%v", err)
		}
		return Literal{Value: d}, nil
	case types.Null:
		return nil, l.fail("null is not allowed")
	default:
		return nil, l.fail("unsupported literal %v", v)
	}
}

func (l *lowerer) lowerSelect(e celast.Expr) (Node, error) {
	sel := e.AsSelect()
	if sel.IsTestOnly() {
		return nil, l.fail("presence tests are not allowed")
	}
	operand := sel.Operand()
	if operand.Kind() != celast.IdentKind {
		return nil, l.fail("references must have the form <namespace>.<name>")
	}

	ns, name := operand.AsIdent(), sel.FieldName()
	switch {
	case IsCategory(ns):
		return RefNode{Ref: Ref{Kind: RefField, Namespace: ns, Name: name}}, nil
	case ns == NSExtensions:
		return RefNode{Ref: Ref{Kind: RefExtension, Namespace: ns, Name: name}}, nil
	case ns == NSConstants:
		return RefNode{Ref: Ref{Kind: RefConstant, Namespace: ns, Name: name}}, nil
	case ns == NSVars:
		return RefNode{Ref: Ref{Kind: RefIntermediate, Namespace: ns, Name: name}}, nil
	default:
		return nil, l.fail("unknown namespace %q", ns)
	}
}

func (l *lowerer) lowerCall(e celast.Expr) (Node, error) {
	call := e.AsCall()
	if call.IsMemberFunction() {
		return nil, l.fail("member calls are not allowed: .%s()", call.FunctionName())
	}

	fn := call.FunctionName()
	args := call.Args()

	switch fn {
	case operators.Negate, operators.LogicalNot:
		x, err := l.lower(args[0])
		if err != nil {
			return nil, err
		}
		op := "-"
		if fn == operators.LogicalNot {
			op = "!"
		}
		return Unary{Op: op, X: x}, nil

	case operators.Conditional:
		parts, err := l.lowerAll(args)
		if err != nil {
			return nil, err
		}
		return Cond{If: parts[0], Then: parts[1], Else: parts[2]}, nil

	case operators.In, operators.OldIn:
		x, err := l.lower(args[0])
		if err != nil {
			return nil, err
		}
		if args[1].Kind() != celast.ListKind {
			return nil, l.fail("'in' requires a list literal on the right")
		}
		list := args[1].AsList()
		if len(list.OptionalIndices()) > 0 {
			return nil, l.fail("optional list elements are not allowed")
		}
		elems, err := l.lowerAll(list.Elements())
		if err != nil {
			return nil, err
		}
		return In{X: x, List: elems}, nil

	case operators.Index, operators.OptIndex, operators.OptSelect:
		return nil, l.fail("indexing is not allowed")
	}

	if op, ok := binaryOps[fn]; ok {
		parts, err := l.lowerAll(args)
		if err != nil {
			return nil, err
		}
		return Binary{Op: op, L: parts[0], R: parts[1]}, nil
	}

	spec, ok := builtins[fn]
	if !ok {
		return nil, l.fail("unknown function %q", fn)
	}
	if len(args) < spec.minArgs || (spec.maxArgs >= 0 && len(args) > spec.maxArgs) {
		return nil, l.fail("%s: wrong number of arguments (%d)", fn, len(args))
	}

	if fn == "decimal" {
		return l.lowerDecimal(args[0])
	}

	parts, err := l.lowerAll(args)
	if err != nil {
		return nil, err
	}
	return Call{Fn: fn, Args: parts}, nil
}

// lowerDecimal folds decimal("12.34") into an exact literal at parse time.
func (l *lowerer) lowerDecimal(arg celast.Expr) (Node, error) {
	if arg.Kind() != celast.LiteralKind {
		return nil, l.fail("decimal() takes a string literal")
	}
	s, ok := arg.AsLiteral().(types.String)
	if !ok {
		return nil, l.fail("decimal() takes a string literal")
	}
	d, err := ir.ParseDecimal(string(s))
	if err != nil {
		return nil, l.fail("%v", err)
	}
	return Literal{Value: d}, nil
}

func (l *lowerer) lowerAll(in []celast.Expr) ([]Node, error) {
	out := make([]Node, len(in))
	for i, e := range in {
		n, err := l.lower(e)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
