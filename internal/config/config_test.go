package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, DefaultStorePath, cfg.Store.Path)
	assert.Equal(t, DefaultMaxContextFields, cfg.Engine.MaxContextFields)
	assert.False(t, cfg.Engine.RejectDeprecated)
	assert.Equal(t, DefaultMetricsNamespace, cfg.Metrics.Namespace)
	assert.Empty(t, cfg.Metrics.Subsystem)
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("PRICER_LOG_LEVEL", "warn")
	t.Setenv("PRICER_ENGINE_MAX_CONTEXT_FIELDS", "32")
	t.Setenv("PRICER_ENGINE_REJECT_DEPRECATED", "true")
	t.Setenv("PRICER_STORE_PATH", "/var/lib/pricer/quotes.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 32, cfg.Engine.MaxContextFields)
	assert.True(t, cfg.Engine.RejectDeprecated)
	assert.Equal(t, "/var/lib/pricer/quotes.db", cfg.Store.Path)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricer.yaml")
	content := `
log:
  level: debug
  format: text
metrics:
  subsystem: quotes
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "quotes", cfg.Metrics.Subsystem)
	assert.Equal(t, DefaultStorePath, cfg.Store.Path, "unset keys keep their defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	t.Setenv("PRICER_LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoad_MissingFileIsIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unterminated"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config file")
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("PRICER_LOG_FORMAT", "xml")
	t.Setenv("PRICER_ENGINE_MAX_CONTEXT_FIELDS", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format must be one of: json text")
	assert.Contains(t, err.Error(), "engine.max_context_fields is required")
}

func TestValidate_Bounds(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Engine.MaxContextFields = 20000
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.max_context_fields must be at most 10000")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"PRICER_LOG_LEVEL":                 "log.level",
		"PRICER_ENGINE_MAX_CONTEXT_FIELDS": "engine.max_context_fields",
		"PRICER_METRICS_NAMESPACE":         "metrics.namespace",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
