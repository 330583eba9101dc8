package ruleset

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/expr"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/money"
)

// Schema issue codes (E100-E199)
const (
	ErrUnsupportedSchema = "E100" // schema_version without adapter
	ErrRequired          = "E101" // required field missing or empty
	ErrDuplicate         = "E102" // duplicate id, code or name
	ErrUnknownRef        = "E103" // reference to an undeclared product/category/tax category
	ErrInvalidFieldType  = "E104" // bad context field type or enum values
	ErrExprSyntax        = "E105" // expression does not parse
	ErrExprType          = "E106" // expression fails static checks
	ErrInvalidValue      = "E107" // value outside its allowed set
	ErrTierOrder         = "E108" // tier bounds not strictly increasing
	ErrCurrency          = "E109" // unknown currency or minor unit
	ErrNotLiteral        = "E110" // constant or tax rate references something
	ErrInvalidName       = "E111" // identifier not usable in expressions
	ErrConflictingFields = "E112" // mutually exclusive fields both set
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// validator collects every issue in one pass.
type validator struct {
	doc    *Document
	issues []errs.Issue

	products  map[string]Product
	ruleIDs   map[string]string
	scope     *scope
	tierScope *scope // definitions only; tiers are selected during eligibility
	constants map[string]ir.IRValue
	taxRates  map[string]ir.Decimal
	currency  money.Currency
}

func (v *validator) add(field, code, format string, args ...any) {
	v.issues = append(v.issues, errs.Issue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

// validateDocument checks doc (already at the native schema version),
// attaches compiled expressions, and returns the derived lookup tables.
func validateDocument(doc *Document) (*validator, error) {
	v := &validator{
		doc:       doc,
		products:  make(map[string]Product),
		ruleIDs:   make(map[string]string),
		constants: make(map[string]ir.IRValue),
		taxRates:  make(map[string]ir.Decimal),
		scope:     newScope(),
	}

	v.validateHeader()
	v.validateContext()
	v.validateConstants()
	v.validateTaxRates()
	v.validateIntermediates()
	v.validatePolicy()
	v.validateProducts()
	v.validateEligibility()
	v.validatePricing()
	v.validateModifiers()
	v.validateBundles()
	v.validateConstraints()
	v.validateOutputMap()

	if len(v.issues) > 0 {
		return nil, errs.Schema(fmt.Sprintf("invalid rule document %s@%d: %d issue(s)", doc.RuleSetID, doc.RuleSetVersion, len(v.issues)), v.issues...)
	}
	return v, nil
}

func (v *validator) validateHeader() {
	d := v.doc
	if strings.TrimSpace(d.RuleSetID) == "" || strings.ContainsAny(d.RuleSetID, " \t\n@") {
		v.add("ruleset_id", ErrRequired, "ruleset_id is required and must not contain whitespace or '@'")
	}
	if d.RuleSetVersion < 1 {
		v.add("ruleset_version", ErrInvalidValue, "ruleset_version must be >= 1, got %d", d.RuleSetVersion)
	}
	c, err := money.Lookup(d.Currency, d.MinorUnits)
	if err != nil {
		v.add("currency", ErrCurrency, "%v", err)
		return
	}
	v.currency = c
}

func (v *validator) validateContext() {
	seen := make(map[string]string)
	for _, cat := range sortedKeys(v.doc.Definitions.Context) {
		if !expr.IsCategory(cat) {
			v.add("definitions.context."+cat, ErrUnknownRef, "unknown context category %q (allowed: %s)", cat, strings.Join(expr.Categories, ", "))
			continue
		}
		fields := v.doc.Definitions.Context[cat]
		for _, name := range sortedKeys(fields) {
			def := fields[name]
			path := fmt.Sprintf("definitions.context.%s.%s", cat, name)

			if !identRe.MatchString(name) {
				v.add(path, ErrInvalidName, "field name must match %s", identRe)
			}
			if prev, dup := seen[name]; dup {
				v.add(path, ErrDuplicate, "field %q already declared in category %q", name, prev)
			}
			seen[name] = cat

			switch {
			case !slices.Contains(fieldTypes, def.Type):
				v.add(path+".type", ErrInvalidFieldType, "unknown type %q (allowed: %s)", def.Type, strings.Join(fieldTypes, ", "))
				continue
			case def.Type == FieldEnum && len(def.Values) == 0:
				v.add(path+".values", ErrInvalidFieldType, "enum fields require values")
			case def.Type != FieldEnum && len(def.Values) > 0:
				v.add(path+".values", ErrInvalidFieldType, "values are only allowed on enum fields")
			}
			if !def.Default.IsZero() {
				if def.Required {
					v.add(path+".default", ErrConflictingFields, "required fields cannot have a default")
				}
				if _, err := def.Coerce(ir.IRString(def.Default.String())); err != nil {
					v.add(path+".default", ErrInvalidValue, "default %q: %v", def.Default.String(), err)
				}
			}
			v.scope.fields[cat+"."+name] = def.ExprType()
		}
	}

	for i, ext := range v.doc.Definitions.Extensions {
		path := fmt.Sprintf("definitions.extensions[%d]", i)
		if !identRe.MatchString(ext) {
			v.add(path, ErrInvalidName, "extension name must match %s", identRe)
		}
		if cat, declared := seen[ext]; declared {
			v.add(path, ErrDuplicate, "extension %q is already a declared field of %q", ext, cat)
		}
		if v.scope.extensions[ext] {
			v.add(path, ErrDuplicate, "duplicate extension %q", ext)
		}
		v.scope.extensions[ext] = true
	}
}

// literal parses a reference-free expression and evaluates it.
func (v *validator) literal(e Expr, path string) (ir.IRValue, bool) {
	parsed, err := expr.Parse(e.String())
	if err != nil {
		v.add(path, ErrExprSyntax, "%v", err)
		return nil, false
	}
	if len(parsed.Refs) > 0 {
		v.add(path, ErrNotLiteral, "must not reference %s", parsed.Refs[0].Path())
		return nil, false
	}
	val, _, err := expr.Eval(parsed, expr.MapEnv{})
	if err != nil {
		v.add(path, ErrExprType, "%v", err)
		return nil, false
	}
	return val, true
}

func (v *validator) validateConstants() {
	for _, name := range sortedKeys(v.doc.Definitions.Constants) {
		path := "definitions.constants." + name
		if !identRe.MatchString(name) {
			v.add(path, ErrInvalidName, "constant name must match %s", identRe)
			continue
		}
		val, ok := v.literal(v.doc.Definitions.Constants[name], path)
		if !ok {
			continue
		}
		v.constants[name] = val
		switch val.(type) {
		case ir.Decimal:
			v.scope.constants[name] = expr.TypeNumber
		case ir.IRString:
			v.scope.constants[name] = expr.TypeString
		case ir.IRBool:
			v.scope.constants[name] = expr.TypeBool
		}
	}
}

func (v *validator) validateTaxRates() {
	for _, cat := range sortedKeys(v.doc.Definitions.TaxRates) {
		path := "definitions.tax_rates." + cat
		val, ok := v.literal(v.doc.Definitions.TaxRates[cat], path)
		if !ok {
			continue
		}
		rate, isNum := val.(ir.Decimal)
		if !isNum || rate.Sign() < 0 {
			v.add(path, ErrInvalidValue, "tax rate must be a non-negative number")
			continue
		}
		v.taxRates[cat] = rate
	}
}

func (v *validator) validateIntermediates() {
	for i := range v.doc.Definitions.Intermediates {
		im := &v.doc.Definitions.Intermediates[i]
		path := fmt.Sprintf("definitions.intermediates[%d]", i)
		if !identRe.MatchString(im.Name) {
			v.add(path+".name", ErrInvalidName, "intermediate name must match %s", identRe)
			continue
		}
		if _, dup := v.scope.vars[im.Name]; dup {
			v.add(path+".name", ErrDuplicate, "duplicate intermediate %q", im.Name)
			continue
		}
		v.claimID(expr.NSVars+"."+im.Name, path)
		t, ok := v.compile(&im.Expr, path+".expr", expr.TypeAny, true)
		if ok {
			v.scope.vars[im.Name] = t
		}
	}
}

func (v *validator) validatePolicy() {
	switch v.doc.Policy.DiscountStacking {
	case "", StackingNone, StackingAdditive, StackingSequential:
	default:
		v.add("policy.discount_stacking", ErrInvalidValue, "unknown stacking policy %q (allowed: none, additive, sequential)", v.doc.Policy.DiscountStacking)
	}
}

func (v *validator) validateProducts() {
	for i, p := range v.doc.Products {
		path := fmt.Sprintf("products[%d]", i)
		if p.Code == "" {
			v.add(path+".code", ErrRequired, "code is required")
			continue
		}
		if _, dup := v.products[p.Code]; dup {
			v.add(path+".code", ErrDuplicate, "duplicate product code %q", p.Code)
		}
		v.products[p.Code] = p
		if p.Name == "" {
			v.add(path+".name", ErrRequired, "name is required")
		}
		if p.BillingModel == "" {
			v.add(path+".billing_model", ErrRequired, "billing_model is required")
		}
		if p.Unit == "" {
			v.add(path+".unit", ErrRequired, "unit is required")
		}
		if p.TaxCategory != "" {
			if _, ok := v.doc.Definitions.TaxRates[p.TaxCategory]; !ok {
				v.add(path+".tax_category", ErrUnknownRef, "tax category %q has no rate in definitions.tax_rates", p.TaxCategory)
			}
		}
	}
}

// claimID registers a trace rule id and reports duplicates.
func (v *validator) claimID(id, path string) {
	if id == "" {
		v.add(path+".id", ErrRequired, "id is required")
		return
	}
	if prev, dup := v.ruleIDs[id]; dup {
		v.add(path+".id", ErrDuplicate, "rule id %q already used at %s", id, prev)
		return
	}
	v.ruleIDs[id] = path
}

func (v *validator) requireProduct(code, path string) {
	if code == "" {
		v.add(path, ErrRequired, "product is required")
		return
	}
	if _, ok := v.products[code]; !ok {
		v.add(path, ErrUnknownRef, "unknown product %q", code)
	}
}

// compile parses and checks an expression, attaching the parsed tree.
// Absent optional expressions are accepted.
func (v *validator) compile(e *Expr, path string, want expr.Type, required bool) (expr.Type, bool) {
	if e.IsZero() {
		if required {
			v.add(path, ErrRequired, "expression is required")
		}
		return expr.TypeAny, false
	}
	parsed, err := expr.Parse(e.String())
	if err != nil {
		v.add(path, ErrExprSyntax, "%v", err)
		return expr.TypeAny, false
	}
	got, err := expr.Check(parsed, v.scope)
	if err == nil && want != expr.TypeAny && got != expr.TypeAny && got != want {
		err = fmt.Errorf("expected %s result, got %s", want, got)
	}
	if err != nil {
		v.add(path, ErrExprType, "%v", err)
		return expr.TypeAny, false
	}
	e.compiled = parsed
	return got, true
}

func (v *validator) validateEligibility() {
	v.tierScope = v.scope.clone()
	for i := range v.doc.Rules.Eligibility {
		r := &v.doc.Rules.Eligibility[i]
		path := fmt.Sprintf("rules.eligibility[%d]", i)
		v.claimID(r.ID, path)
		v.requireProduct(r.Product, path+".product")
		v.compile(&r.When, path+".when", expr.TypeBool, true)
	}
}

func (v *validator) validatePricing() {
	for i := range v.doc.Rules.Pricing {
		r := &v.doc.Rules.Pricing[i]
		path := fmt.Sprintf("rules.pricing[%d]", i)
		v.claimID(r.ID, path)
		v.requireProduct(r.Product, path+".product")
		v.compile(&r.When, path+".when", expr.TypeBool, false)
		v.compile(&r.Quantity, path+".quantity", expr.TypeNumber, false)

		switch r.Type {
		case PricingFixed:
			v.compile(&r.Price, path+".price", expr.TypeNumber, true)
		case PricingPerUnit:
			v.compile(&r.Price, path+".price", expr.TypeNumber, true)
			if r.Driver.IsZero() && r.Quantity.IsZero() {
				v.add(path+".driver", ErrRequired, "per_unit pricing needs a driver or quantity")
			}
			v.compile(&r.Driver, path+".driver", expr.TypeNumber, false)
		case PricingTiered:
			current := v.scope
			v.scope = v.tierScope
			v.compile(&r.Driver, path+".driver", expr.TypeNumber, true)
			v.scope = current
			v.validateTiers(r, path)
		default:
			v.add(path+".type", ErrInvalidValue, "unknown pricing type %q (allowed: fixed, tiered, per_unit)", r.Type)
		}

		if r.As != "" {
			if !identRe.MatchString(r.As) {
				v.add(path+".as", ErrInvalidName, "as must match %s", identRe)
			} else if _, dup := v.scope.vars[r.As]; dup {
				v.add(path+".as", ErrDuplicate, "intermediate %q already defined", r.As)
			} else {
				v.scope.vars[r.As] = expr.TypeNumber
			}
		}
	}
}

func (v *validator) validateTiers(r *PricingRule, path string) {
	if len(r.Tiers) == 0 {
		v.add(path+".tiers", ErrRequired, "tiered pricing needs at least one tier")
		return
	}
	var prev ir.Decimal
	for j := range r.Tiers {
		t := &r.Tiers[j]
		tpath := fmt.Sprintf("%s.tiers[%d]", path, j)
		v.compile(&t.Price, tpath+".price", expr.TypeNumber, true)

		if t.UpTo.IsZero() {
			if j != len(r.Tiers)-1 {
				v.add(tpath+".up_to", ErrTierOrder, "only the last tier may be unbounded")
			}
			continue
		}
		val, ok := v.literal(t.UpTo, tpath+".up_to")
		if !ok {
			continue
		}
		bound, isNum := val.(ir.Decimal)
		if !isNum {
			v.add(tpath+".up_to", ErrInvalidValue, "up_to must be a number")
			continue
		}
		if j > 0 && bound.Cmp(prev) <= 0 {
			v.add(tpath+".up_to", ErrTierOrder, "up_to %s must exceed previous bound %s", bound.Canonical(), prev.Canonical())
		}
		prev = bound
		// Bounds are literal; keep the parsed tree for evaluation.
		parsed, _ := expr.Parse(t.UpTo.String())
		t.UpTo.compiled = parsed
	}
}

func (v *validator) validateModifiers() {
	for i := range v.doc.Rules.Modifiers {
		r := &v.doc.Rules.Modifiers[i]
		path := fmt.Sprintf("rules.modifiers[%d]", i)
		v.claimID(r.ID, path)
		v.compile(&r.When, path+".when", expr.TypeBool, false)
		v.compile(&r.Percent, path+".percent", expr.TypeNumber, false)
		v.compile(&r.Amount, path+".amount", expr.TypeNumber, false)

		if r.Target == TargetSubtotal {
			if r.Kind != ModifierDiscount {
				v.add(path+".target", ErrInvalidValue, "only discounts may target the subtotal")
			}
		} else {
			v.requireProduct(r.Target, path+".target")
		}

		switch r.Kind {
		case ModifierDiscount, ModifierSurcharge:
			if r.Percent.IsZero() == r.Amount.IsZero() {
				v.add(path, ErrConflictingFields, "%s needs exactly one of percent or amount", r.Kind)
			}
		case ModifierMinimum, ModifierCap:
			if r.Amount.IsZero() {
				v.add(path+".amount", ErrRequired, "%s needs an amount", r.Kind)
			}
			if !r.Percent.IsZero() {
				v.add(path+".percent", ErrConflictingFields, "%s does not take a percent", r.Kind)
			}
		default:
			v.add(path+".kind", ErrInvalidValue, "unknown modifier kind %q (allowed: discount, surcharge, minimum, cap)", r.Kind)
		}
		if r.Exclusive && r.Kind != ModifierDiscount {
			v.add(path+".exclusive", ErrInvalidValue, "only discounts can be exclusive")
		}
	}
}

func (v *validator) validateBundles() {
	for i := range v.doc.Rules.Bundles {
		r := &v.doc.Rules.Bundles[i]
		path := fmt.Sprintf("rules.bundles[%d]", i)
		v.claimID(r.ID, path)
		if len(r.Requires) == 0 {
			v.add(path+".requires", ErrRequired, "requires must list at least one product")
		}
		for j, code := range r.Requires {
			v.requireProduct(code, fmt.Sprintf("%s.requires[%d]", path, j))
		}
		v.compile(&r.When, path+".when", expr.TypeBool, false)

		switch {
		case !r.Price.IsZero() && r.Included != nil:
			v.add(path, ErrConflictingFields, "bundle takes either price or included, not both")
		case !r.Price.IsZero():
			v.compile(&r.Price, path+".price", expr.TypeNumber, true)
			v.requireProduct(r.Product, path+".product")
			if slices.Contains(r.Requires, r.Product) {
				v.add(path+".product", ErrConflictingFields, "bundle product %q cannot also be required", r.Product)
			}
		case r.Included != nil:
			v.requireProduct(r.Included.Product, path+".included.product")
			v.compile(&r.Included.Quantity, path+".included.quantity", expr.TypeNumber, true)
		default:
			v.add(path, ErrRequired, "bundle needs a price or included quantity")
		}
	}
}

func (v *validator) validateConstraints() {
	for i := range v.doc.Constraints {
		c := &v.doc.Constraints[i]
		path := fmt.Sprintf("constraints[%d]", i)
		v.claimID(c.ID, path)
		v.compile(&c.Check, path+".check", expr.TypeBool, true)
		if c.Message == "" {
			v.add(path+".message", ErrRequired, "message is required")
		}
		switch c.Severity {
		case "", SeverityWarning, SeverityAssumption:
		default:
			v.add(path+".severity", ErrInvalidValue, "unknown severity %q (allowed: warning, assumption)", c.Severity)
		}
	}
}

func (v *validator) validateOutputMap() {
	for _, code := range sortedKeys(v.doc.OutputMap) {
		if _, ok := v.products[code]; !ok {
			v.add("output_map."+code, ErrUnknownRef, "unknown product %q", code)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// scope answers expression reference lookups during validation.
type scope struct {
	fields     map[string]expr.Type
	extensions map[string]bool
	constants  map[string]expr.Type
	vars       map[string]expr.Type
}

func (s *scope) clone() *scope {
	return &scope{
		fields:     maps.Clone(s.fields),
		extensions: maps.Clone(s.extensions),
		constants:  maps.Clone(s.constants),
		vars:       maps.Clone(s.vars),
	}
}

func newScope() *scope {
	return &scope{
		fields:     make(map[string]expr.Type),
		extensions: make(map[string]bool),
		constants:  make(map[string]expr.Type),
		vars:       make(map[string]expr.Type),
	}
}

// TypeOf implements expr.Scope.
func (s *scope) TypeOf(ref expr.Ref) (expr.Type, error) {
	switch ref.Kind {
	case expr.RefField:
		if t, ok := s.fields[ref.Path()]; ok {
			return t, nil
		}
		return expr.TypeAny, fmt.Errorf("undeclared context field %s", ref.Path())
	case expr.RefExtension:
		if s.extensions[ref.Name] {
			return expr.TypeAny, nil
		}
		return expr.TypeAny, fmt.Errorf("extension %q is not allow-listed", ref.Name)
	case expr.RefConstant:
		if t, ok := s.constants[ref.Name]; ok {
			return t, nil
		}
		return expr.TypeAny, fmt.Errorf("undeclared constant %s", ref.Name)
	case expr.RefIntermediate:
		if t, ok := s.vars[ref.Name]; ok {
			return t, nil
		}
		return expr.TypeAny, fmt.Errorf("intermediate %s is not defined before this point", ref.Name)
	}
	return expr.TypeAny, fmt.Errorf("unknown reference %s", ref.Path())
}
