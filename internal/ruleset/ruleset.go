// Package ruleset models versioned rule documents and their lifecycle.
//
// A Document is validated into a RuleSet (draft). Publishing computes the
// content checksum and freezes it; a published RuleSet can only be
// deprecated. Edits always go through NewVersion. RuleSet values are
// immutable: every transition returns a new value.
package ruleset

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/money"
)

// Status is the lifecycle state of a RuleSet.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPublished  Status = "published"
	StatusDeprecated Status = "deprecated"
)

// transitions is the complete FSM. Anything not listed is an
// ImmutabilityViolation.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusPublished},
	StatusPublished: {StatusDeprecated},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// RuleSet is a validated rule document plus lifecycle state.
type RuleSet struct {
	status      Status
	checksum    string
	publishedAt time.Time
	blocked     bool

	declared  *Document // as authored, basis of the checksum
	doc       *Document // adapted to the native schema, expressions compiled
	effective string    // checksum of doc at validation

	adapters  *Adapters
	currency  money.Currency
	constants map[string]ir.IRValue
	taxRates  map[string]ir.Decimal
	fields    []Field
}

// Ref identifies the exact ruleset content an evaluation used.
type Ref struct {
	ID            string `json:"ruleset_id"`
	Version       int    `json:"ruleset_version"`
	Checksum      string `json:"checksum"`
	SchemaVersion string `json:"schema_version"`
}

// IR returns the reference as a canonical object.
func (r Ref) IR() ir.IRObject {
	return ir.IRObject{
		"ruleset_id":      ir.IRString(r.ID),
		"ruleset_version": ir.IRInt(r.Version),
		"checksum":        ir.IRString(r.Checksum),
		"schema_version":  ir.IRString(r.SchemaVersion),
	}
}

// String returns id@version.
func (r Ref) String() string {
	return fmt.Sprintf("%s@%d", r.ID, r.Version)
}

// Validate validates doc using the default adapter registry.
// It has no side effects: doc is not modified.
func Validate(doc *Document) (*RuleSet, error) {
	return DefaultAdapters.Validate(doc)
}

func newRuleSet(declared, effective *Document, v *validator, adapters *Adapters) (*RuleSet, error) {
	sum, err := ContentChecksum(declared)
	if err != nil {
		return nil, err
	}
	effSum, err := ContentChecksum(effective)
	if err != nil {
		return nil, err
	}

	var fields []Field
	for _, cat := range sortedKeys(effective.Definitions.Context) {
		for _, name := range sortedKeys(effective.Definitions.Context[cat]) {
			fields = append(fields, Field{Category: cat, Name: name, Def: effective.Definitions.Context[cat][name]})
		}
	}

	return &RuleSet{
		status:    StatusDraft,
		checksum:  sum,
		declared:  declared,
		doc:       effective,
		effective: effSum,
		adapters:  adapters,
		currency:  v.currency,
		constants: v.constants,
		taxRates:  v.taxRates,
		fields:    fields,
	}, nil
}

func (r *RuleSet) clone() *RuleSet {
	c := *r
	return &c
}

// ID returns the ruleset id.
func (r *RuleSet) ID() string { return r.declared.RuleSetID }

// Version returns the ruleset version.
func (r *RuleSet) Version() int { return r.declared.RuleSetVersion }

// SchemaVersion returns the declared schema version (before adaptation).
func (r *RuleSet) SchemaVersion() string { return r.declared.SchemaVersion }

// Status returns the lifecycle state.
func (r *RuleSet) Status() Status { return r.status }

// Checksum returns the content checksum.
func (r *RuleSet) Checksum() string { return r.checksum }

// PublishedAt returns the publication time; zero for drafts.
func (r *RuleSet) PublishedAt() time.Time { return r.publishedAt }

// Blocked reports whether a deprecated ruleset refuses evaluation.
func (r *RuleSet) Blocked() bool { return r.blocked }

// Document returns a compiled, schema-native copy of the content. Each
// call rebuilds it from the declared document, so changes made to the
// copy never reach the ruleset.
func (r *RuleSet) Document() (*Document, error) {
	fresh, err := r.adapters.Validate(r.declared)
	if err != nil {
		return nil, err
	}
	if fresh.effective != r.effective {
		return nil, errs.ChecksumMismatch("ruleset "+r.Ref().String()+" effective content", r.effective, fresh.effective)
	}
	return fresh.doc, nil
}

// Declared returns a copy of the document as authored.
func (r *RuleSet) Declared() (*Document, error) { return cloneDocument(r.declared) }

// Currency returns the resolved currency.
func (r *RuleSet) Currency() money.Currency { return r.currency }

// Constant returns the evaluated value of a constant.
func (r *RuleSet) Constant(name string) (ir.IRValue, bool) {
	v, ok := r.constants[name]
	return v, ok
}

// TaxRate returns the rate of a tax category.
func (r *RuleSet) TaxRate(category string) (ir.Decimal, bool) {
	v, ok := r.taxRates[category]
	return v, ok
}

// Fields returns the declared context fields ordered by category, name.
func (r *RuleSet) Fields() []Field { return slices.Clone(r.fields) }

// Extensions returns the allow-listed extension names in declared order.
func (r *RuleSet) Extensions() []string {
	return slices.Clone(r.doc.Definitions.Extensions)
}

// IsExtension reports whether name is allow-listed as an extension.
func (r *RuleSet) IsExtension(name string) bool {
	return slices.Contains(r.doc.Definitions.Extensions, name)
}

// SensitiveFields returns category.name paths of fields marked sensitive.
func (r *RuleSet) SensitiveFields() []string {
	var out []string
	for _, f := range r.fields {
		if f.Def.Sensitive {
			out = append(out, f.Path())
		}
	}
	return out
}

// Ref returns the reference recorded in traces and snapshots.
func (r *RuleSet) Ref() Ref {
	return Ref{ID: r.ID(), Version: r.Version(), Checksum: r.checksum, SchemaVersion: r.SchemaVersion()}
}

// Evaluable returns an error if the ruleset must not be evaluated.
func (r *RuleSet) Evaluable() error {
	if r.status == StatusDeprecated && r.blocked {
		return errs.Immutable("ruleset %s is deprecated and blocked from evaluation", r.Ref())
	}
	return nil
}

func (r *RuleSet) transition(to Status) error {
	if !CanTransition(r.status, to) {
		return errs.Immutable("ruleset %s: cannot move from %s to %s", r.Ref(), r.status, to)
	}
	return nil
}

// Publish freezes the ruleset. A declared checksum that disagrees with the
// computed one is a ChecksumMismatch.
func (r *RuleSet) Publish(at time.Time) (*RuleSet, error) {
	if err := r.transition(StatusPublished); err != nil {
		return nil, err
	}
	if err := r.verifyDeclared(); err != nil {
		return nil, err
	}
	p := r.clone()
	p.status = StatusPublished
	p.publishedAt = at.UTC()
	return p, nil
}

// Deprecate marks a published ruleset as deprecated. With block set,
// evaluation against it is refused.
func (r *RuleSet) Deprecate(block bool) (*RuleSet, error) {
	if err := r.transition(StatusDeprecated); err != nil {
		return nil, err
	}
	d := r.clone()
	d.status = StatusDeprecated
	d.blocked = block
	return d, nil
}

// NewVersion derives a draft with ruleset_version+1 and the same content.
func (r *RuleSet) NewVersion() (*RuleSet, error) {
	doc, err := cloneDocument(r.declared)
	if err != nil {
		return nil, err
	}
	doc.RuleSetVersion++
	doc.Checksum = ""
	return r.adapters.Validate(doc)
}

// Edit applies fn to a copy of a draft's content and revalidates it.
// Published and deprecated rulesets are immutable.
func (r *RuleSet) Edit(fn func(*Document)) (*RuleSet, error) {
	if r.status != StatusDraft {
		return nil, errs.Immutable("ruleset %s is %s; edits require a new version", r.Ref(), r.status)
	}
	doc, err := cloneDocument(r.declared)
	if err != nil {
		return nil, err
	}
	fn(doc)
	if doc.RuleSetID != r.ID() || doc.RuleSetVersion != r.Version() {
		return nil, errs.Immutable("ruleset %s: edits cannot change id or version", r.Ref())
	}
	return r.adapters.Validate(doc)
}

// Verify recomputes the content checksum and compares it with the
// recorded one. The compiled document evaluations run against is checked
// against its own checksum taken at validation.
func (r *RuleSet) Verify() error {
	sum, err := ContentChecksum(r.declared)
	if err != nil {
		return err
	}
	if sum != r.checksum {
		return errs.ChecksumMismatch("ruleset "+r.Ref().String(), r.checksum, sum)
	}
	eff, err := ContentChecksum(r.doc)
	if err != nil {
		return err
	}
	if eff != r.effective {
		return errs.ChecksumMismatch("ruleset "+r.Ref().String()+" effective content", r.effective, eff)
	}
	return r.verifyDeclared()
}

func (r *RuleSet) verifyDeclared() error {
	if r.declared.Checksum != "" && r.declared.Checksum != r.checksum {
		return errs.ChecksumMismatch("ruleset "+r.Ref().String(), r.declared.Checksum, r.checksum)
	}
	return nil
}

// Stored is the lifecycle state persisted alongside a document.
type Stored struct {
	Status      Status
	Checksum    string
	PublishedAt time.Time
	Blocked     bool
}

// Restore rebuilds a RuleSet from persisted content and state, verifying
// that the content still hashes to the stored checksum.
func (a *Adapters) Restore(doc *Document, st Stored) (*RuleSet, error) {
	r, err := a.Validate(doc)
	if err != nil {
		return nil, err
	}
	r.status = st.Status
	r.publishedAt = st.PublishedAt.UTC()
	r.blocked = st.Blocked
	r.checksum = st.Checksum
	if err := r.Verify(); err != nil {
		return nil, err
	}
	return r, nil
}

// Content returns the canonical content object of doc: everything except
// the declared checksum itself.
func Content(doc *Document) (ir.IRObject, error) {
	c := *doc
	c.Checksum = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	v, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return nil, fmt.Errorf("document content: %w", err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("document content is %s, not object", ir.TypeName(v))
	}
	return obj, nil
}

// ContentChecksum computes the checksum a document would publish with.
func ContentChecksum(doc *Document) (string, error) {
	content, err := Content(doc)
	if err != nil {
		return "", err
	}
	return ir.RuleSetChecksum(content)
}

func cloneDocument(doc *Document) (*Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	return &out, nil
}
