package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/pricer/internal/compiler"
	"github.com/roach88/pricer/internal/ruleset"
)

// TestdataDir returns the absolute path of the repository testdata
// directory, independent of the calling package's working directory.
func TestdataDir(t testing.TB) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok, "locate testutil source")
	dir := filepath.Join(filepath.Dir(file), "..", "..", "testdata")
	_, err := os.Stat(dir)
	require.NoError(t, err, "testdata directory")
	return dir
}

// RuleSetPath returns the path of a fixture under testdata/rulesets.
func RuleSetPath(t testing.TB, name string) string {
	t.Helper()
	return filepath.Join(TestdataDir(t), "rulesets", name)
}

// LoadDocument decodes a fixture rule document.
func LoadDocument(t testing.TB, name string) *ruleset.Document {
	t.Helper()
	doc, err := compiler.LoadFile(RuleSetPath(t, name))
	require.NoError(t, err)
	return doc
}

// DraftRuleSet validates a fixture rule document.
func DraftRuleSet(t testing.TB, name string) *ruleset.RuleSet {
	t.Helper()
	rs, err := ruleset.Validate(LoadDocument(t, name))
	require.NoError(t, err)
	return rs
}

// PublishedRuleSet validates and publishes a fixture at Epoch.
func PublishedRuleSet(t testing.TB, name string) *ruleset.RuleSet {
	t.Helper()
	rs, err := DraftRuleSet(t, name).Publish(Epoch)
	require.NoError(t, err)
	return rs
}
