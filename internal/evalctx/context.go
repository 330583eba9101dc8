// Package evalctx normalizes raw evaluation contexts against a ruleset's
// context schema.
//
// A raw context is either nested by category:
//
//	{"volume": {"monthly_transaction_volume": 250}, "extensions": {"referral_source": "partner"}}
//
// or flat, relying on field names being unique across categories:
//
//	{"monthly_transaction_volume": 250, "referral_source": "partner"}
//
// Normalize type-checks and coerces every declared field, fills defaults,
// routes allow-listed unknown keys into extensions and rejects everything
// else. The result is immutable and has a canonical form with stable key
// ordering.
package evalctx

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/expr"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/ruleset"
)

// Validation issue codes (V200-V299)
const (
	ErrUnknownField   = "V201" // key is neither declared nor allow-listed
	ErrMissing        = "V202" // required field absent
	ErrType           = "V203" // value does not coerce to the declared type
	ErrDuplicate      = "V204" // field supplied both nested and flat
	ErrExtensionValue = "V205" // extension value is not a scalar
	ErrTooManyFields  = "V206" // context exceeds the field limit
	ErrCategoryShape  = "V207" // category or extensions key is not an object
	ErrMalformed      = "V208" // context is not a JSON object
)

// KeyExtensions holds allow-listed extension fields in nested contexts.
const KeyExtensions = "extensions"

// DefaultMaxFields bounds the number of leaf keys a raw context may carry.
const DefaultMaxFields = 256

// Option configures Normalize.
type Option func(*options)

type options struct {
	maxFields int
}

// WithMaxFields sets the maximum number of leaf keys accepted.
// Zero or negative disables the limit.
func WithMaxFields(n int) Option {
	return func(o *options) {
		o.maxFields = n
	}
}

// Context is a normalized evaluation context. It implements expr.Env for
// field and extension references.
type Context struct {
	values     map[string]ir.IRValue // category.name -> coerced value
	extensions map[string]ir.IRValue
	defaulted  []string
}

// normalizer collects every issue before failing.
type normalizer struct {
	rs     *ruleset.RuleSet
	byName map[string]ruleset.Field
	issues []errs.Issue

	values     map[string]ir.IRValue
	extensions map[string]ir.IRValue
}

func (n *normalizer) add(field, code, format string, args ...any) {
	n.issues = append(n.issues, errs.Issue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Normalize validates raw against the context schema of rs.
func Normalize(raw ir.IRObject, rs *ruleset.RuleSet, opts ...Option) (*Context, error) {
	o := options{maxFields: DefaultMaxFields}
	for _, opt := range opts {
		opt(&o)
	}

	if o.maxFields > 0 {
		if count := countLeaves(raw); count > o.maxFields {
			return nil, errs.Validation(
				fmt.Sprintf("context has %d fields, limit is %d", count, o.maxFields),
				errs.Issue{Field: "context", Code: ErrTooManyFields, Message: fmt.Sprintf("at most %d fields allowed", o.maxFields)},
			)
		}
	}

	n := &normalizer{
		rs:         rs,
		byName:     make(map[string]ruleset.Field),
		values:     make(map[string]ir.IRValue),
		extensions: make(map[string]ir.IRValue),
	}
	for _, f := range rs.Fields() {
		n.byName[f.Name] = f
	}

	for _, key := range raw.SortedKeys() {
		val := raw[key]
		switch {
		case key == KeyExtensions:
			n.nestedExtensions(val)
		case expr.IsCategory(key):
			n.nestedCategory(key, val)
		default:
			n.flat(key, val)
		}
	}

	ctx := n.complete()
	if len(n.issues) > 0 {
		return nil, errs.Validation(fmt.Sprintf("invalid context for %s: %d issue(s)", rs.Ref(), len(n.issues)), n.issues...)
	}
	return ctx, nil
}

// NormalizeJSON decodes a JSON object and normalizes it.
func NormalizeJSON(data []byte, rs *ruleset.RuleSet, opts ...Option) (*Context, error) {
	v, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return nil, errs.Validation("context is not valid JSON",
			errs.Issue{Field: "context", Code: ErrMalformed, Message: err.Error()})
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, errs.Validation("context must be a JSON object",
			errs.Issue{Field: "context", Code: ErrMalformed, Message: fmt.Sprintf("got %s", ir.TypeName(v))})
	}
	return Normalize(obj, rs, opts...)
}

func (n *normalizer) nestedCategory(cat string, val ir.IRValue) {
	obj, ok := val.(ir.IRObject)
	if !ok {
		n.add(cat, ErrCategoryShape, "category must be an object, got %s", ir.TypeName(val))
		return
	}
	for _, name := range obj.SortedKeys() {
		f, declared := n.byName[name]
		switch {
		case declared && f.Category == cat:
			n.set(f, obj[name], cat+"."+name)
		case n.rs.IsExtension(name):
			n.extension(name, obj[name], cat+"."+name)
		case declared:
			n.add(cat+"."+name, ErrUnknownField, "field %q belongs to category %q", name, f.Category)
		default:
			n.add(cat+"."+name, ErrUnknownField, "unknown field %q", name)
		}
	}
}

func (n *normalizer) nestedExtensions(val ir.IRValue) {
	obj, ok := val.(ir.IRObject)
	if !ok {
		n.add(KeyExtensions, ErrCategoryShape, "extensions must be an object, got %s", ir.TypeName(val))
		return
	}
	for _, name := range obj.SortedKeys() {
		path := KeyExtensions + "." + name
		if !n.rs.IsExtension(name) {
			n.add(path, ErrUnknownField, "extension %q is not allow-listed", name)
			continue
		}
		n.extension(name, obj[name], path)
	}
}

func (n *normalizer) flat(key string, val ir.IRValue) {
	if f, ok := n.byName[key]; ok {
		n.set(f, val, key)
		return
	}
	if n.rs.IsExtension(key) {
		n.extension(key, val, key)
		return
	}
	n.add(key, ErrUnknownField, "unknown field %q", key)
}

func (n *normalizer) set(f ruleset.Field, val ir.IRValue, given string) {
	path := f.Path()
	if _, dup := n.values[path]; dup {
		n.add(given, ErrDuplicate, "field %s given more than once", path)
		return
	}
	coerced, err := f.Def.Coerce(val)
	if err != nil {
		n.add(path, ErrType, "%v", err)
		// Mark as seen so a later duplicate or missing check does not
		// report the same field again.
		n.values[path] = nil
		return
	}
	n.values[path] = coerced
}

func (n *normalizer) extension(name string, val ir.IRValue, given string) {
	if _, dup := n.extensions[name]; dup {
		n.add(given, ErrDuplicate, "extension %s given more than once", name)
		return
	}
	switch val.(type) {
	case ir.IRString, ir.IRInt, ir.IRBool, ir.Decimal:
		n.extensions[name] = val
	default:
		n.add(given, ErrExtensionValue, "extension must be a string, number or bool, got %s", ir.TypeName(val))
		n.extensions[name] = nil
	}
}

// complete fills defaults and zero values and reports missing required
// fields.
func (n *normalizer) complete() *Context {
	ctx := &Context{
		values:     make(map[string]ir.IRValue, len(n.rs.Fields())),
		extensions: make(map[string]ir.IRValue),
	}
	for _, f := range n.rs.Fields() {
		path := f.Path()
		if v, ok := n.values[path]; ok {
			ctx.values[path] = v
			continue
		}
		if f.Def.Required {
			n.add(path, ErrMissing, "required field is missing")
			continue
		}
		if !f.Def.Default.IsZero() {
			v, err := f.Def.Coerce(ir.IRString(f.Def.Default.String()))
			if err != nil {
				n.add(path, ErrType, "default: %v", err)
				continue
			}
			ctx.values[path] = v
		} else {
			ctx.values[path] = f.Def.Zero()
		}
		ctx.defaulted = append(ctx.defaulted, path)
	}

	for _, name := range n.rs.Extensions() {
		if v, ok := n.extensions[name]; ok {
			ctx.extensions[name] = v
		} else {
			ctx.extensions[name] = ir.IRString("")
		}
	}
	return ctx
}

func countLeaves(obj ir.IRObject) int {
	count := 0
	for key, v := range obj {
		if inner, ok := v.(ir.IRObject); ok && (key == KeyExtensions || expr.IsCategory(key)) {
			count += len(inner)
			continue
		}
		count++
	}
	return count
}

// Resolve implements expr.Env for field and extension references.
func (c *Context) Resolve(ref expr.Ref) (ir.IRValue, bool) {
	switch ref.Kind {
	case expr.RefField:
		v, ok := c.values[ref.Path()]
		return v, ok
	case expr.RefExtension:
		v, ok := c.extensions[ref.Name]
		return v, ok
	}
	return nil, false
}

// Value returns a field by category.name path.
func (c *Context) Value(path string) (ir.IRValue, bool) {
	v, ok := c.values[path]
	return v, ok
}

// Extension returns an allow-listed extension value.
func (c *Context) Extension(name string) (ir.IRValue, bool) {
	v, ok := c.extensions[name]
	return v, ok
}

// Defaulted lists the paths filled from defaults or zero values, in schema
// order.
func (c *Context) Defaulted() []string {
	return slices.Clone(c.defaulted)
}

// Object returns the canonical nested form: one object per category that
// declares fields, plus "extensions" when any are allow-listed.
func (c *Context) Object() ir.IRObject {
	out := make(ir.IRObject)
	for path, v := range c.values {
		cat, name, _ := strings.Cut(path, ".")
		inner, ok := out[cat].(ir.IRObject)
		if !ok {
			inner = make(ir.IRObject)
			out[cat] = inner
		}
		inner[name] = v
	}
	if len(c.extensions) > 0 {
		ext := make(ir.IRObject, len(c.extensions))
		for k, v := range c.extensions {
			ext[k] = v
		}
		out[KeyExtensions] = ext
	}
	return out
}

// Hash returns the content hash of the canonical form.
func (c *Context) Hash() (string, error) {
	return ir.ContextHash(c.Object())
}
