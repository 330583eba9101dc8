package ruleset

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ir"
)

var publishTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func loadFixture(t *testing.T) *Document {
	t.Helper()
	data, err := os.ReadFile("../../testdata/rulesets/bookkeeping.yaml")
	require.NoError(t, err)

	var doc Document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	return &doc
}

func TestValidateFixture(t *testing.T) {
	rs, err := Validate(loadFixture(t))
	require.NoError(t, err)

	assert.Equal(t, "bookkeeping", rs.ID())
	assert.Equal(t, 3, rs.Version())
	assert.Equal(t, StatusDraft, rs.Status())
	assert.Equal(t, "USD", rs.Currency().Code)
	assert.Equal(t, int32(2), rs.Currency().MinorUnits)
	assert.Equal(t, []string{"account.company_name", "account.contact_email"}, rs.SensitiveFields())

	fee, ok := rs.Constant("setup_fee")
	require.True(t, ok)
	assert.True(t, ir.Equal(ir.MustDecimal("250"), fee))

	rate, ok := rs.TaxRate("services")
	require.True(t, ok)
	assert.Equal(t, "0.08", rate.Canonical())

	// Expressions are compiled during validation.
	doc, err := rs.Document()
	require.NoError(t, err)
	bk := doc.Rules.Pricing[0]
	require.NotNil(t, bk.Driver.Compiled())
	require.NotNil(t, bk.Tiers[0].UpTo.Compiled())
}

func TestValidateDoesNotModifyInput(t *testing.T) {
	doc := loadFixture(t)
	_, err := Validate(doc)
	require.NoError(t, err)
	assert.Nil(t, doc.Rules.Pricing[0].Driver.Compiled())
}

func TestValidateRejectsUnknownSchemaVersion(t *testing.T) {
	doc := loadFixture(t)
	doc.SchemaVersion = "2.0"

	_, err := Validate(doc)
	require.Error(t, err)
	assert.True(t, errs.IsSchema(err))
	assert.Contains(t, err.Error(), `"2.0"`)
}

func TestValidateCollectsAllIssues(t *testing.T) {
	doc := loadFixture(t)
	doc.Currency = "ZZZ1"
	doc.Policy.DiscountStacking = "greedy"
	doc.Rules.Pricing[1].Product = "NOPE"
	doc.Rules.Modifiers[0].When = NewExpr(`discounts.coupon == "X"`)
	doc.Rules.Pricing[0].Tiers[1].UpTo = NewExpr("50")
	doc.Constraints[0].ID = "bk_base"

	_, err := Validate(doc)
	require.Error(t, err)

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindSchema, e.Kind)

	codes := map[string]string{}
	for _, issue := range e.Issues {
		codes[issue.Field] = issue.Code
	}
	assert.Equal(t, ErrCurrency, codes["currency"])
	assert.Equal(t, ErrInvalidValue, codes["policy.discount_stacking"])
	assert.Equal(t, ErrUnknownRef, codes["rules.pricing[1].product"])
	assert.Equal(t, ErrExprType, codes["rules.modifiers[0].when"])
	assert.Equal(t, ErrTierOrder, codes["rules.pricing[0].tiers[1].up_to"])
	assert.Equal(t, ErrDuplicate, codes["constraints[0].id"])
}

func TestValidateExpressionRules(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(d *Document)
		field string
		code  string
	}{
		{
			name:  "syntax error",
			edit:  func(d *Document) { d.Rules.Eligibility[0].When = NewExpr("addons.payroll &&") },
			field: "rules.eligibility[0].when",
			code:  ErrExprSyntax,
		},
		{
			name:  "non-bool condition",
			edit:  func(d *Document) { d.Rules.Eligibility[0].When = NewExpr("volume.monthly_transaction_volume") },
			field: "rules.eligibility[0].when",
			code:  ErrExprType,
		},
		{
			name:  "extension not allow-listed",
			edit:  func(d *Document) { d.Constraints[1].Check = NewExpr(`extensions.campaign == "x"`) },
			field: "constraints[1].check",
			code:  ErrExprType,
		},
		{
			name:  "intermediate used before definition",
			edit:  func(d *Document) { d.Rules.Eligibility[0].When = NewExpr("vars.bk_amount > 0") },
			field: "rules.eligibility[0].when",
			code:  ErrExprType,
		},
		{
			name:  "constant must be literal",
			edit:  func(d *Document) { d.Definitions.Constants["bad"] = NewExpr("volume.monthly_transaction_volume") },
			field: "definitions.constants.bad",
			code:  ErrNotLiteral,
		},
		{
			name:  "discount needs percent or amount",
			edit:  func(d *Document) { d.Rules.Modifiers[0].Amount = NewExpr("5") },
			field: "rules.modifiers[0]",
			code:  ErrConflictingFields,
		},
		{
			name:  "surcharge cannot target subtotal",
			edit:  func(d *Document) { d.Rules.Modifiers[3].Target = TargetSubtotal },
			field: "rules.modifiers[3].target",
			code:  ErrInvalidValue,
		},
		{
			name:  "enum without values",
			edit:  func(d *Document) { d.Definitions.Context["account"]["client_type"] = FieldDef{Type: FieldEnum} },
			field: "definitions.context.account.client_type.values",
			code:  ErrInvalidFieldType,
		},
		{
			name: "field declared twice",
			edit: func(d *Document) {
				d.Definitions.Context["volume"]["payroll"] = FieldDef{Type: FieldBool}
			},
			field: "definitions.context.volume.payroll",
			code:  ErrDuplicate,
		},
		{
			name:  "unknown category",
			edit:  func(d *Document) { d.Definitions.Context["billing"] = map[string]FieldDef{"x": {Type: FieldBool}} },
			field: "definitions.context.billing",
			code:  ErrUnknownRef,
		},
		{
			name:  "bad default",
			edit:  func(d *Document) { d.Definitions.Context["engagement"]["entity_count"] = FieldDef{Type: FieldCount, Default: NewExpr("-1")} },
			field: "definitions.context.engagement.entity_count.default",
			code:  ErrInvalidValue,
		},
		{
			name:  "bundle without price or included",
			edit:  func(d *Document) { d.Rules.Bundles[0].Price = Expr{} },
			field: "rules.bundles[0]",
			code:  ErrRequired,
		},
		{
			name: "unbounded tier not last",
			edit: func(d *Document) {
				d.Rules.Pricing[0].Tiers[0].UpTo = Expr{}
			},
			field: "rules.pricing[0].tiers[0].up_to",
			code:  ErrTierOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := loadFixture(t)
			tt.edit(doc)

			_, err := Validate(doc)
			require.Error(t, err)
			e, ok := errs.As(err)
			require.True(t, ok)

			found := false
			for _, issue := range e.Issues {
				if issue.Field == tt.field && issue.Code == tt.code {
					found = true
				}
			}
			assert.True(t, found, "expected [%s] %s in:\n%s", tt.code, tt.field, err)
		})
	}
}

func TestPublishComputesChecksum(t *testing.T) {
	rs, err := Validate(loadFixture(t))
	require.NoError(t, err)

	pub, err := rs.Publish(publishTime)
	require.NoError(t, err)

	assert.Equal(t, StatusPublished, pub.Status())
	assert.Equal(t, publishTime, pub.PublishedAt())
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, pub.Checksum())
	assert.Equal(t, StatusDraft, rs.Status(), "transitions return new values")

	want, err := ContentChecksum(loadFixture(t))
	require.NoError(t, err)
	assert.Equal(t, want, pub.Checksum())
}

func TestPublishTwiceIsImmutabilityViolation(t *testing.T) {
	rs, err := Validate(loadFixture(t))
	require.NoError(t, err)
	pub, err := rs.Publish(publishTime)
	require.NoError(t, err)

	_, err = pub.Publish(publishTime)
	require.Error(t, err)
	assert.True(t, errs.IsImmutability(err))
}

func TestPublishedContentCannotBeEdited(t *testing.T) {
	rs, err := Validate(loadFixture(t))
	require.NoError(t, err)
	pub, err := rs.Publish(publishTime)
	require.NoError(t, err)

	_, err = pub.Edit(func(d *Document) { d.Constraints = nil })
	require.Error(t, err)
	assert.True(t, errs.IsImmutability(err))
}

func TestDeclaredChecksumMismatch(t *testing.T) {
	doc := loadFixture(t)
	doc.Checksum = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

	rs, err := Validate(doc)
	require.NoError(t, err)

	_, err = rs.Publish(publishTime)
	require.Error(t, err)
	assert.True(t, errs.IsChecksumMismatch(err))
}

func TestDeclaredChecksumMatches(t *testing.T) {
	doc := loadFixture(t)
	sum, err := ContentChecksum(doc)
	require.NoError(t, err)
	doc.Checksum = sum

	rs, err := Validate(doc)
	require.NoError(t, err)
	pub, err := rs.Publish(publishTime)
	require.NoError(t, err)
	assert.Equal(t, sum, pub.Checksum())
}

func TestChecksumIgnoresFormatting(t *testing.T) {
	a := loadFixture(t)
	b := loadFixture(t)
	b.Rules.Pricing[0].Tiers[0].Price = NewExpr("  500 ")

	ca, err := ContentChecksum(a)
	require.NoError(t, err)
	cb, err := ContentChecksum(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestChecksumTamperDetection(t *testing.T) {
	rs, err := Validate(loadFixture(t))
	require.NoError(t, err)
	pub, err := rs.Publish(publishTime)
	require.NoError(t, err)

	tampered := loadFixture(t)
	tampered.Rules.Pricing[0].Tiers[1].Price = NewExpr("749")

	_, err = DefaultAdapters.Restore(tampered, Stored{
		Status:      StatusPublished,
		Checksum:    pub.Checksum(),
		PublishedAt: publishTime,
	})
	require.Error(t, err)
	assert.True(t, errs.IsChecksumMismatch(err))

	restored, err := DefaultAdapters.Restore(loadFixture(t), Stored{
		Status:      StatusPublished,
		Checksum:    pub.Checksum(),
		PublishedAt: publishTime,
	})
	require.NoError(t, err)
	assert.Equal(t, pub.Ref(), restored.Ref())
}

func TestDocumentChangesDoNotReachRuleSet(t *testing.T) {
	rs, err := Validate(loadFixture(t))
	require.NoError(t, err)
	pub, err := rs.Publish(publishTime)
	require.NoError(t, err)

	doc, err := pub.Document()
	require.NoError(t, err)
	doc.Products[0].Code = "XX"
	doc.Definitions.TaxRates = nil
	doc.Definitions.Extensions[0] = "anything"

	again, err := pub.Document()
	require.NoError(t, err)
	assert.Equal(t, "BK", again.Products[0].Code)
	assert.Contains(t, again.Definitions.TaxRates, "services")
	assert.True(t, pub.IsExtension("referral_source"))
	assert.Equal(t, []string{"referral_source"}, pub.Extensions())
	require.NoError(t, pub.Verify())

	fields := pub.Fields()
	fields[0].Name = "renamed"
	assert.NotEqual(t, "renamed", pub.Fields()[0].Name)
}

func TestVerifyCoversCompiledDocument(t *testing.T) {
	rs, err := Validate(loadFixture(t))
	require.NoError(t, err)
	pub, err := rs.Publish(publishTime)
	require.NoError(t, err)
	require.NoError(t, pub.Verify())

	pub.doc.Definitions.TaxRates = nil
	err = pub.Verify()
	require.Error(t, err)
	assert.True(t, errs.IsChecksumMismatch(err))
	assert.Contains(t, err.Error(), "effective content")
}

func TestDeprecate(t *testing.T) {
	rs, err := Validate(loadFixture(t))
	require.NoError(t, err)

	_, err = rs.Deprecate(false)
	require.Error(t, err, "drafts cannot be deprecated")
	assert.True(t, errs.IsImmutability(err))

	pub, err := rs.Publish(publishTime)
	require.NoError(t, err)

	soft, err := pub.Deprecate(false)
	require.NoError(t, err)
	assert.Equal(t, StatusDeprecated, soft.Status())
	assert.NoError(t, soft.Evaluable())

	hard, err := pub.Deprecate(true)
	require.NoError(t, err)
	assert.True(t, errs.IsImmutability(hard.Evaluable()))

	_, err = hard.Deprecate(false)
	require.Error(t, err)
}

func TestNewVersion(t *testing.T) {
	rs, err := Validate(loadFixture(t))
	require.NoError(t, err)
	pub, err := rs.Publish(publishTime)
	require.NoError(t, err)

	next, err := pub.NewVersion()
	require.NoError(t, err)
	assert.Equal(t, 4, next.Version())
	assert.Equal(t, StatusDraft, next.Status())
	assert.NotEqual(t, pub.Checksum(), next.Checksum(), "version is part of the content")

	edited, err := next.Edit(func(d *Document) {
		d.Rules.Pricing[0].Tiers[1].Price = NewExpr("800")
	})
	require.NoError(t, err)
	editedDoc, err := edited.Document()
	require.NoError(t, err)
	pubDoc, err := pub.Document()
	require.NoError(t, err)
	assert.Equal(t, "800", editedDoc.Rules.Pricing[0].Tiers[1].Price.String())
	assert.Equal(t, "750", pubDoc.Rules.Pricing[0].Tiers[1].Price.String())

	_, err = next.Edit(func(d *Document) { d.RuleSetVersion = 9 })
	require.Error(t, err)
	assert.True(t, errs.IsImmutability(err))
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusDraft, StatusPublished))
	assert.True(t, CanTransition(StatusPublished, StatusDeprecated))
	assert.False(t, CanTransition(StatusDraft, StatusDeprecated))
	assert.False(t, CanTransition(StatusDeprecated, StatusPublished))
	assert.False(t, CanTransition(StatusPublished, StatusDraft))
}

func TestAdapters(t *testing.T) {
	adapters := NewAdapters()
	require.NoError(t, adapters.Register("0.9", func(d *Document) (*Document, error) {
		// 0.9 documents had no policy block and spelled stacking in metadata.
		d.Policy.DiscountStacking = d.Metadata["stacking"]
		delete(d.Metadata, "stacking")
		d.SchemaVersion = ir.SchemaVersion
		return d, nil
	}))
	require.Error(t, adapters.Register("0.9", nil), "duplicate registration")
	require.Error(t, adapters.Register(ir.SchemaVersion, nil), "native version")

	doc := loadFixture(t)
	doc.SchemaVersion = "0.9"
	doc.Policy = Policy{}
	doc.Metadata["stacking"] = "additive"

	rs, err := adapters.Validate(doc)
	require.NoError(t, err)
	assert.Equal(t, "0.9", rs.SchemaVersion(), "reference keeps the declared version")
	assert.Equal(t, "0.9", rs.Ref().SchemaVersion)
	adapted, err := rs.Document()
	require.NoError(t, err)
	assert.Equal(t, StackingAdditive, adapted.Policy.Stacking())
	assert.True(t, adapters.Supports("0.9"))
	assert.False(t, adapters.Supports("0.8"))
}

func TestFieldCoerce(t *testing.T) {
	count := FieldDef{Type: FieldCount}
	v, err := count.Coerce(ir.IRInt(250))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(250), v)

	v, err = count.Coerce(ir.IRString("40"))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(40), v)

	_, err = count.Coerce(ir.IRInt(-1))
	assert.ErrorContains(t, err, "non-negative")
	_, err = count.Coerce(ir.MustDecimal("2.5"))
	assert.ErrorContains(t, err, "integer")

	money := FieldDef{Type: FieldMoney}
	_, err = money.Coerce(ir.MustDecimal("-0.01"))
	assert.ErrorContains(t, err, "non-negative amount")

	enum := FieldDef{Type: FieldEnum, Values: []string{"a", "b"}}
	_, err = enum.Coerce(ir.IRString("c"))
	assert.ErrorContains(t, err, "must be one of [a, b]")

	b := FieldDef{Type: FieldBool}
	v, err = b.Coerce(ir.IRString("TRUE"))
	require.NoError(t, err)
	assert.Equal(t, ir.IRBool(true), v)
}
