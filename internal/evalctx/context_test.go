package evalctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/expr"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/testutil"
)

func issueCodes(t *testing.T, err error) map[string]string {
	t.Helper()
	e, ok := errs.As(err)
	require.True(t, ok, "want *errs.Error, got %v", err)
	require.Equal(t, errs.KindValidation, e.Kind)
	out := make(map[string]string)
	for _, issue := range e.Issues {
		out[issue.Field] = issue.Code
	}
	return out
}

func TestNormalizeNested(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")

	ctx, err := Normalize(ir.IRObject{
		"account": ir.IRObject{"client_type": ir.IRString("business")},
		"volume":  ir.IRObject{"monthly_transaction_volume": ir.IRInt(250)},
		"addons":  ir.IRObject{"payroll": ir.IRBool(true)},
		"extensions": ir.IRObject{
			"referral_source": ir.IRString("partner"),
		},
	}, rs)
	require.NoError(t, err)

	v, ok := ctx.Value("volume.monthly_transaction_volume")
	require.True(t, ok)
	assert.Equal(t, ir.IRInt(250), v)

	ext, ok := ctx.Extension("referral_source")
	require.True(t, ok)
	assert.Equal(t, ir.IRString("partner"), ext)
}

func TestNormalizeFlatEqualsNested(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")

	nested, err := Normalize(ir.IRObject{
		"account": ir.IRObject{"client_type": ir.IRString("business")},
		"volume":  ir.IRObject{"monthly_transaction_volume": ir.IRInt(50)},
	}, rs)
	require.NoError(t, err)

	flat, err := Normalize(ir.IRObject{
		"client_type":                ir.IRString("business"),
		"monthly_transaction_volume": ir.IRInt(50),
	}, rs)
	require.NoError(t, err)

	h1, err := nested.Hash()
	require.NoError(t, err)
	h2, err := flat.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestNormalizeDefaultsAndZeroValues(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")

	ctx, err := Normalize(ir.IRObject{
		"client_type":                ir.IRString("individual"),
		"monthly_transaction_volume": ir.IRInt(10),
	}, rs)
	require.NoError(t, err)

	tests := []struct {
		path string
		want ir.IRValue
	}{
		{"engagement.months_committed", ir.IRInt(1)},
		{"engagement.entity_count", ir.IRInt(1)},
		{"volume.payroll_employees", ir.IRInt(0)},
		{"addons.payroll", ir.IRBool(false)},
		{"discounts.promo_code", ir.IRString("")},
	}
	for _, tt := range tests {
		got, ok := ctx.Value(tt.path)
		require.True(t, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}

	ext, ok := ctx.Extension("referral_source")
	require.True(t, ok)
	assert.Equal(t, ir.IRString(""), ext, "absent allow-listed extension reads as empty string")

	assert.Contains(t, ctx.Defaulted(), "engagement.months_committed")
	assert.NotContains(t, ctx.Defaulted(), "volume.monthly_transaction_volume")
}

func TestNormalizeCoercion(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")

	ctx, err := NormalizeJSON([]byte(`{
		"client_type": "nonprofit",
		"monthly_transaction_volume": "120",
		"entity_count": 2.0,
		"annual_prepay": "true"
	}`), rs)
	require.NoError(t, err)

	v, _ := ctx.Value("volume.monthly_transaction_volume")
	assert.Equal(t, ir.IRInt(120), v)
	v, _ = ctx.Value("engagement.entity_count")
	assert.Equal(t, ir.IRInt(2), v)
	v, _ = ctx.Value("discounts.annual_prepay")
	assert.Equal(t, ir.IRBool(true), v)
}

func TestNormalizeRejectsUnknownFields(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")

	_, err := Normalize(ir.IRObject{
		"client_type":                ir.IRString("business"),
		"monthly_transaction_volume": ir.IRInt(10),
		"favourite_color":            ir.IRString("teal"),
		"volume":                     ir.IRObject{"page_views": ir.IRInt(3)},
		"extensions":                 ir.IRObject{"utm_campaign": ir.IRString("x")},
	}, rs)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "favourite_color")

	codes := issueCodes(t, err)
	assert.Equal(t, ErrUnknownField, codes["favourite_color"])
	assert.Equal(t, ErrUnknownField, codes["volume.page_views"])
	assert.Equal(t, ErrUnknownField, codes["extensions.utm_campaign"])
}

func TestNormalizeCollectsAllIssues(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")

	_, err := Normalize(ir.IRObject{
		"client_type":      ir.IRString("government"),
		"months_committed": ir.IRInt(-3),
		"payroll":          ir.IRString("maybe"),
		"engagement":       ir.IRString("yearly"),
		"referral_source":  ir.IRArray{ir.IRString("a")},
	}, rs)
	require.Error(t, err)

	codes := issueCodes(t, err)
	assert.Equal(t, ErrType, codes["account.client_type"])
	assert.Equal(t, ErrType, codes["engagement.months_committed"])
	assert.Equal(t, ErrType, codes["addons.payroll"])
	assert.Equal(t, ErrCategoryShape, codes["engagement"])
	assert.Equal(t, ErrExtensionValue, codes["referral_source"])
	assert.Equal(t, ErrMissing, codes["volume.monthly_transaction_volume"])
}

func TestNormalizeWrongCategory(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")

	_, err := Normalize(ir.IRObject{
		"client_type": ir.IRString("business"),
		"account":     ir.IRObject{"monthly_transaction_volume": ir.IRInt(5)},
	}, rs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `belongs to category "volume"`)
}

func TestNormalizeDuplicateField(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")

	_, err := Normalize(ir.IRObject{
		"client_type":                ir.IRString("business"),
		"monthly_transaction_volume": ir.IRInt(5),
		"volume":                     ir.IRObject{"monthly_transaction_volume": ir.IRInt(6)},
	}, rs)
	require.Error(t, err)
	assert.Contains(t, issueCodes(t, err), "volume.monthly_transaction_volume")
	assert.Contains(t, err.Error(), "given more than once")
}

func TestNormalizeFieldLimit(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")

	raw := ir.IRObject{
		"client_type":                ir.IRString("business"),
		"monthly_transaction_volume": ir.IRInt(5),
		"volume":                     ir.IRObject{"payroll_employees": ir.IRInt(2)},
	}
	_, err := Normalize(raw, rs, WithMaxFields(2))
	require.Error(t, err)
	assert.Equal(t, ErrTooManyFields, issueCodes(t, err)["context"])

	_, err = Normalize(raw, rs, WithMaxFields(3))
	require.NoError(t, err)

	_, err = Normalize(raw, rs, WithMaxFields(0))
	require.NoError(t, err)
}

func TestNormalizeJSONMalformed(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")

	for _, src := range []string{`[1,2]`, `{"client_type": null}`, `{`} {
		_, err := NormalizeJSON([]byte(src), rs)
		require.Error(t, err, src)
		assert.True(t, errs.IsValidation(err), src)
	}
}

func TestContextResolve(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")
	ctx, err := Normalize(ir.IRObject{
		"client_type":                ir.IRString("business"),
		"monthly_transaction_volume": ir.IRInt(5),
	}, rs)
	require.NoError(t, err)

	var env expr.Env = ctx
	v, ok := env.Resolve(expr.Ref{Kind: expr.RefField, Namespace: "account", Name: "client_type"})
	require.True(t, ok)
	assert.Equal(t, ir.IRString("business"), v)

	_, ok = env.Resolve(expr.Ref{Kind: expr.RefConstant, Namespace: expr.NSConstants, Name: "setup_fee"})
	assert.False(t, ok, "constants are not part of the context")

	e := expr.MustParse(`account.client_type == "business" && extensions.referral_source == ""`)
	b, reads, err := expr.EvalBool(e, ctx)
	require.NoError(t, err)
	assert.True(t, b)
	assert.Len(t, reads, 2)
}

func TestContextObjectIsCanonical(t *testing.T) {
	rs := testutil.DraftRuleSet(t, "bookkeeping.yaml")
	ctx, err := Normalize(ir.IRObject{
		"client_type":                ir.IRString("business"),
		"monthly_transaction_volume": ir.IRInt(5),
		"company_name":               ir.IRString("Acme"),
	}, rs)
	require.NoError(t, err)

	obj := ctx.Object()
	for _, cat := range []string{"account", "engagement", "volume", "addons", "discounts", KeyExtensions} {
		assert.Contains(t, obj, cat)
	}
	account := obj["account"].(ir.IRObject)
	assert.Equal(t, ir.IRString("Acme"), account["company_name"])

	data, err := ir.MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"account":{"client_type":"business","company_name":"Acme","contact_email":""}`)
}
