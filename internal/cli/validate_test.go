package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pricer/internal/testutil"
)

// writeRuleSetVariant copies the bookkeeping fixture into a temp dir with
// old replaced by new.
func writeRuleSetVariant(t *testing.T, old, new string) string {
	t.Helper()
	data, err := os.ReadFile(testutil.RuleSetPath(t, "bookkeeping.yaml"))
	require.NoError(t, err)
	require.Contains(t, string(data), old)

	path := filepath.Join(t.TempDir(), "variant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), old, new, 1)), 0o644))
	return path
}

func TestValidateValidRuleSet(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{testutil.RuleSetPath(t, "bookkeeping.yaml")})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "✓ bookkeeping@3 is valid")
	assert.Contains(t, output, "checksum: sha256:")
	assert.Contains(t, output, "5 products, 14 rules")
}

func TestValidateValidRuleSetJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{testutil.RuleSetPath(t, "bookkeeping.yaml")})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, "bookkeeping", resp.Data.RuleSet.ID)
	assert.Equal(t, 3, resp.Data.RuleSet.Version)
	assert.Contains(t, resp.Data.Sensitive, "account.contact_email")
}

func TestValidateCUERuleSet(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{testutil.RuleSetPath(t, "bookkeeping.cue")})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "is valid")
}

func TestValidateReportsIssues(t *testing.T) {
	path := writeRuleSetVariant(t, "product: PAY\n      type: per_unit", "product: NOPE\n      type: per_unit")

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	output := buf.String()
	assert.Contains(t, output, "Error [VALIDATION_ERROR]")
	assert.Contains(t, output, `unknown product "NOPE"`)
}

func TestValidateUnsupportedSchemaVersionJSON(t *testing.T) {
	path := writeRuleSetVariant(t, `schema_version: "1.0"`, `schema_version: "2.0"`)

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SCHEMA_ERROR", resp.Error.Code)
}

func TestValidateNonExistentFile(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.yaml")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "Error [E_COMMAND]")
}

func TestValidateUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o644))

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "unsupported rule document extension")
}

func TestValidateRequiresOneArg(t *testing.T) {
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	assert.Error(t, cmd.Execute())
}

func TestChecksumMatchesAcrossFormats(t *testing.T) {
	checksum := func(path string) ChecksumResult {
		buf := &bytes.Buffer{}
		cmd := NewChecksumCommand(&RootOptions{Format: "json"})
		cmd.SetOut(buf)
		cmd.SetArgs([]string{path})
		require.NoError(t, cmd.Execute())

		var resp struct {
			Data ChecksumResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		return resp.Data
	}

	fromYAML := checksum(testutil.RuleSetPath(t, "bookkeeping.yaml"))
	assert.Equal(t, "bookkeeping@3", fromYAML.RuleSet)
	assert.True(t, strings.HasPrefix(fromYAML.Checksum, "sha256:"))

	// Whitespace and comments are not part of the content.
	reformatted := writeRuleSetVariant(t, "currency: USD\n", "currency: USD   # billing currency\n\n")
	assert.Equal(t, fromYAML.Checksum, checksum(reformatted).Checksum)
}

func TestChecksumTextOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewChecksumCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{testutil.RuleSetPath(t, "bookkeeping.yaml")})

	require.NoError(t, cmd.Execute())
	assert.Regexp(t, `^sha256:[0-9a-f]{64}\n$`, buf.String())
}
