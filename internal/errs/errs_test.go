package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHelpersSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("publish bookkeeping@3: %w", Immutable("ruleset %s@%d already published", "bookkeeping", 3))

	assert.True(t, IsImmutability(err))
	assert.False(t, IsSchema(err))
	assert.Equal(t, KindImmutability, KindOf(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.False(t, IsExpression(nil))
}

func TestErrorFormatting(t *testing.T) {
	err := Validation("invalid evaluation context",
		Issue{Field: "referral_source", Code: "V201", Message: "unknown field"},
		Issue{Field: "monthly_transaction_volume", Code: "V203", Message: "must be a non-negative integer"},
	)

	msg := err.Error()
	assert.Contains(t, msg, "VALIDATION_ERROR: invalid evaluation context")
	assert.Contains(t, msg, "[V201] referral_source: unknown field")
	assert.Contains(t, msg, "[V203] monthly_transaction_volume")
}

func TestExpressionErrorUnwrap(t *testing.T) {
	cause := errors.New("decimal quo: division by zero")
	err := Expression("per_txn", "evaluate price", cause)

	assert.True(t, IsExpression(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "(rule=per_txn)")
}

func TestUnsupportedSchemaVersionNamesVersion(t *testing.T) {
	err := UnsupportedSchemaVersion("2.7")

	require.True(t, IsSchema(err))
	assert.Contains(t, err.Error(), `"2.7"`)
	assert.Equal(t, "2.7", err.Details["schema_version"])
}

func TestChecksumMismatchDetails(t *testing.T) {
	err := ChecksumMismatch("ruleset bookkeeping@3", "sha256:aa", "sha256:bb")

	e, ok := As(fmt.Errorf("load: %w", err))
	require.True(t, ok)
	assert.Equal(t, "sha256:aa", e.Details["expected"])
	assert.Equal(t, "sha256:bb", e.Details["actual"])
}
