// Package expr implements the sandboxed expression sublanguage used inside
// rule documents.
//
// Expressions are written in CEL surface syntax and parsed with the CEL
// parser (macros disabled). The parse tree is lowered into the small finite
// AST below and CEL is never executed: evaluation walks the AST with
// fixed-point decimals only. There are no loops, no user-defined functions,
// no member calls, and no access to anything but the references handed in
// through an Env.
package expr

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/pricer/internal/ir"
)

// Reference namespaces.
const (
	NSExtensions = "extensions"
	NSConstants  = "constants"
	NSVars       = "vars"
)

// Categories are the fixed context categories addressable as
// <category>.<field>.
var Categories = []string{"account", "engagement", "volume", "addons", "discounts"}

// IsCategory reports whether name is a context category.
func IsCategory(name string) bool {
	return slices.Contains(Categories, name)
}

// RefKind distinguishes what a reference reads.
type RefKind int

const (
	RefField RefKind = iota + 1
	RefExtension
	RefConstant
	RefIntermediate
)

func (k RefKind) String() string {
	switch k {
	case RefField:
		return "field"
	case RefExtension:
		return "extension"
	case RefConstant:
		return "constant"
	case RefIntermediate:
		return "intermediate"
	default:
		return "unknown"
	}
}

// Ref is a resolved reference such as volume.monthly_transaction_volume.
type Ref struct {
	Kind RefKind
	// Namespace is the category for fields, or one of the NS* constants.
	Namespace string
	Name      string
}

// Path returns the dotted form used in traces and error messages.
func (r Ref) Path() string {
	return r.Namespace + "." + r.Name
}

// Node is a node of the lowered expression tree.
type Node interface {
	node()
}

// Literal is a constant value: ir.Decimal, ir.IRString or ir.IRBool.
type Literal struct {
	Value ir.IRValue
}

// RefNode reads a reference.
type RefNode struct {
	Ref Ref
}

// Unary is a prefix operator: "-" or "!".
type Unary struct {
	Op string
	X  Node
}

// Binary is an infix operator.
type Binary struct {
	Op   string
	L, R Node
}

// Cond is the conditional operator c ? a : b.
type Cond struct {
	If, Then, Else Node
}

// Call invokes one of the built-in pure functions.
type Call struct {
	Fn   string
	Args []Node
}

// In tests membership of X in a list literal.
type In struct {
	X    Node
	List []Node
}

func (Literal) node() {}
func (RefNode) node() {}
func (Unary) node()   {}
func (Binary) node()  {}
func (Cond) node()    {}
func (Call) node()    {}
func (In) node()      {}

// Expression is a parsed expression together with its source and the set
// of references it may read.
type Expression struct {
	Source string
	Root   Node
	Refs   []Ref
}

// String returns the source text.
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	return e.Source
}

// collectRefs walks the tree and returns references in first-seen order.
func collectRefs(n Node) []Ref {
	var refs []Ref
	seen := make(map[string]bool)
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case RefNode:
			if !seen[v.Ref.Path()] {
				seen[v.Ref.Path()] = true
				refs = append(refs, v.Ref)
			}
		case Unary:
			walk(v.X)
		case Binary:
			walk(v.L)
			walk(v.R)
		case Cond:
			walk(v.If)
			walk(v.Then)
			walk(v.Else)
		case Call:
			for _, a := range v.Args {
				walk(a)
			}
		case In:
			walk(v.X)
			for _, e := range v.List {
				walk(e)
			}
		}
	}
	walk(n)
	return refs
}

// Format renders a node back to CEL syntax, fully parenthesized.
func Format(n Node) string {
	switch v := n.(type) {
	case Literal:
		switch lit := v.Value.(type) {
		case ir.IRString:
			return fmt.Sprintf("%q", string(lit))
		case ir.IRBool:
			return fmt.Sprintf("%t", bool(lit))
		case ir.Decimal:
			return lit.Canonical()
		}
		return "?"
	case RefNode:
		return v.Ref.Path()
	case Unary:
		return v.Op + Format(v.X)
	case Binary:
		return "(" + Format(v.L) + " " + v.Op + " " + Format(v.R) + ")"
	case Cond:
		return "(" + Format(v.If) + " ? " + Format(v.Then) + " : " + Format(v.Else) + ")"
	case Call:
		args := make([]string, len(v.Args))
		for i, a := range v.Args {
			args[i] = Format(a)
		}
		return v.Fn + "(" + strings.Join(args, ", ") + ")"
	case In:
		elems := make([]string, len(v.List))
		for i, e := range v.List {
			elems[i] = Format(e)
		}
		return Format(v.X) + " in [" + strings.Join(elems, ", ") + "]"
	}
	return "?"
}
