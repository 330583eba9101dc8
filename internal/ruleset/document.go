package ruleset

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pricer/internal/expr"
)

// Document is the declarative content of a rule set version, as authored
// in YAML, JSON or CUE. It carries no lifecycle state; see RuleSet.
//
// Every optional slice, map and pointer field is tagged omitempty so the
// JSON form never contains null and can be canonicalized for checksums.
type Document struct {
	SchemaVersion  string                 `json:"schema_version" yaml:"schema_version"`
	RuleSetID      string                 `json:"ruleset_id" yaml:"ruleset_id"`
	RuleSetVersion int                    `json:"ruleset_version" yaml:"ruleset_version"`
	Currency       string                 `json:"currency" yaml:"currency"`
	MinorUnits     *int                   `json:"minor_units,omitempty" yaml:"minor_units,omitempty"`
	Checksum       string                 `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Definitions    Definitions            `json:"definitions" yaml:"definitions"`
	Policy         Policy                 `json:"policy" yaml:"policy"`
	Products       []Product              `json:"products,omitempty" yaml:"products,omitempty"`
	Rules          Rules                  `json:"rules" yaml:"rules"`
	Constraints    []Constraint           `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	OutputMap      map[string]OutputEntry `json:"output_map,omitempty" yaml:"output_map,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Definitions declares the context schema and derived values.
type Definitions struct {
	// Context maps category -> field name -> definition.
	Context       map[string]map[string]FieldDef `json:"context,omitempty" yaml:"context,omitempty"`
	Extensions    []string                       `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	Constants     map[string]Expr                `json:"constants,omitempty" yaml:"constants,omitempty"`
	Intermediates []Intermediate                 `json:"intermediates,omitempty" yaml:"intermediates,omitempty"`
	TaxRates      map[string]Expr                `json:"tax_rates,omitempty" yaml:"tax_rates,omitempty"`
}

// Field types of the context schema.
const (
	FieldCount   = "count"
	FieldInteger = "integer"
	FieldDecimal = "decimal"
	FieldMoney   = "money"
	FieldBool    = "bool"
	FieldString  = "string"
	FieldEnum    = "enum"
)

// FieldDef declares one context field.
type FieldDef struct {
	Type        string   `json:"type" yaml:"type"`
	Values      []string `json:"values,omitempty" yaml:"values,omitempty"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Default     Expr     `json:"default,omitzero" yaml:"default,omitempty"`
	Sensitive   bool     `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Intermediate is a named derived value computed before eligibility.
type Intermediate struct {
	Name string `json:"name" yaml:"name"`
	Expr Expr   `json:"expr" yaml:"expr"`
}

// Discount stacking policies.
const (
	StackingNone       = "none"
	StackingAdditive   = "additive"
	StackingSequential = "sequential"
)

// Policy holds document-wide evaluation switches.
type Policy struct {
	DiscountStacking string `json:"discount_stacking,omitempty" yaml:"discount_stacking,omitempty"`
}

// Stacking returns the effective stacking policy; none when unset.
func (p Policy) Stacking() string {
	if p.DiscountStacking == "" {
		return StackingNone
	}
	return p.DiscountStacking
}

// Product is a billable product the rules can price.
type Product struct {
	Code         string `json:"code" yaml:"code"`
	Name         string `json:"name" yaml:"name"`
	BillingModel string `json:"billing_model" yaml:"billing_model"`
	Unit         string `json:"unit" yaml:"unit"`
	TaxCategory  string `json:"tax_category,omitempty" yaml:"tax_category,omitempty"`
}

// Rules groups the rules of each pipeline stage, in declaration order.
type Rules struct {
	Eligibility []EligibilityRule `json:"eligibility,omitempty" yaml:"eligibility,omitempty"`
	Pricing     []PricingRule     `json:"pricing,omitempty" yaml:"pricing,omitempty"`
	Modifiers   []ModifierRule    `json:"modifiers,omitempty" yaml:"modifiers,omitempty"`
	Bundles     []BundleRule      `json:"bundles,omitempty" yaml:"bundles,omitempty"`
}

// EligibilityRule gates a product on a condition.
type EligibilityRule struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Product string `json:"product" yaml:"product"`
	When    Expr   `json:"when" yaml:"when"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Pricing rule types.
const (
	PricingFixed   = "fixed"
	PricingTiered  = "tiered"
	PricingPerUnit = "per_unit"
)

// PricingRule produces the base line of a product.
type PricingRule struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Product    string `json:"product" yaml:"product"`
	Type       string `json:"type" yaml:"type"`
	When       Expr   `json:"when,omitzero" yaml:"when,omitempty"`
	Price      Expr   `json:"price,omitzero" yaml:"price,omitempty"`
	Quantity   Expr   `json:"quantity,omitzero" yaml:"quantity,omitempty"`
	Driver     Expr   `json:"driver,omitzero" yaml:"driver,omitempty"`
	Tiers      []Tier `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	As         string `json:"as,omitempty" yaml:"as,omitempty"`
	Assumption string `json:"assumption,omitempty" yaml:"assumption,omitempty"`
	Warning    string `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// Tier is one band of a tiered price. An empty UpTo marks the final,
// unbounded tier.
type Tier struct {
	UpTo  Expr `json:"up_to,omitzero" yaml:"up_to,omitempty"`
	Price Expr `json:"price" yaml:"price"`
}

// Modifier kinds.
const (
	ModifierDiscount  = "discount"
	ModifierSurcharge = "surcharge"
	ModifierMinimum   = "minimum"
	ModifierCap       = "cap"
)

// TargetSubtotal targets a modifier at the whole quote rather than a line.
const TargetSubtotal = "subtotal"

// ModifierRule adjusts a computed line (or the subtotal, for discounts).
type ModifierRule struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Kind       string `json:"kind" yaml:"kind"`
	Target     string `json:"target" yaml:"target"`
	When       Expr   `json:"when,omitzero" yaml:"when,omitempty"`
	Percent    Expr   `json:"percent,omitzero" yaml:"percent,omitempty"`
	Amount     Expr   `json:"amount,omitzero" yaml:"amount,omitempty"`
	Exclusive  bool   `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
	Assumption string `json:"assumption,omitempty" yaml:"assumption,omitempty"`
	Warning    string `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// BundleRule prices a set of lines as a package or grants included
// quantity on one of them.
type BundleRule struct {
	ID         string    `json:"id" yaml:"id"`
	Name       string    `json:"name,omitempty" yaml:"name,omitempty"`
	Product    string    `json:"product,omitempty" yaml:"product,omitempty"`
	Requires   []string  `json:"requires" yaml:"requires"`
	When       Expr      `json:"when,omitzero" yaml:"when,omitempty"`
	Price      Expr      `json:"price,omitzero" yaml:"price,omitempty"`
	Included   *Included `json:"included,omitempty" yaml:"included,omitempty"`
	Assumption string    `json:"assumption,omitempty" yaml:"assumption,omitempty"`
}

// Included grants free quantity on a target line.
type Included struct {
	Product  string `json:"product" yaml:"product"`
	Quantity Expr   `json:"quantity" yaml:"quantity"`
}

// Constraint severities.
const (
	SeverityWarning    = "warning"
	SeverityAssumption = "assumption"
)

// Constraint is a post-pricing check. A false check emits Message.
type Constraint struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Check    Expr   `json:"check" yaml:"check"`
	Message  string `json:"message" yaml:"message"`
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// OutputEntry overrides how a product's line is presented.
type OutputEntry struct {
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Notes      string `json:"notes,omitempty" yaml:"notes,omitempty"`
	HideIfZero bool   `json:"hide_if_zero,omitempty" yaml:"hide_if_zero,omitempty"`
}

// Expr is an expression field. In documents it is written as a string
// (or a bare number/bool scalar, which is taken verbatim). Validation
// attaches the parsed tree.
type Expr struct {
	src      string
	compiled *expr.Expression
}

// NewExpr wraps source text.
func NewExpr(src string) Expr {
	return Expr{src: strings.TrimSpace(src)}
}

// String returns the source text.
func (e Expr) String() string { return e.src }

// IsZero reports whether the field was absent.
func (e Expr) IsZero() bool { return e.src == "" }

// Compiled returns the parsed expression, or nil before validation.
func (e Expr) Compiled() *expr.Expression { return e.compiled }

// MarshalJSON emits the source as a JSON string.
func (e Expr) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.src)
}

// UnmarshalJSON accepts a string, number or bool token.
func (e *Expr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = NewExpr(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*e = NewExpr(n.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*e = NewExpr(fmt.Sprintf("%t", b))
		return nil
	}
	return fmt.Errorf("expression must be a string, number or bool, got %s", string(data))
}

// UnmarshalYAML takes any scalar verbatim, so `price: 12.50` keeps its
// written digits.
func (e *Expr) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expression must be a scalar", node.Line)
	}
	*e = NewExpr(node.Value)
	return nil
}

// MarshalYAML emits the source as a string scalar.
func (e Expr) MarshalYAML() (any, error) {
	return e.src, nil
}
