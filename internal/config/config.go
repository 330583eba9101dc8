// Package config loads pricer configuration using koanf.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. PRICER_ENGINE_MAX_CONTEXT_FIELDS
// sets engine.max_context_fields.
const EnvPrefix = "PRICER_"

// Default configuration values.
const (
	// DefaultStorePath is the SQLite database used when none is configured.
	DefaultStorePath = "pricer.db"

	// DefaultMaxContextFields bounds the number of context fields accepted
	// by evaluate and issue.
	DefaultMaxContextFields = 256

	// DefaultMetricsNamespace prefixes every metric name.
	DefaultMetricsNamespace = "pricer"
)

// Config is the root configuration structure.
type Config struct {
	Log     LogConfig     `koanf:"log"     validate:"required"`
	Store   StoreConfig   `koanf:"store"   validate:"required"`
	Engine  EngineConfig  `koanf:"engine"  validate:"required"`
	Metrics MetricsConfig `koanf:"metrics" validate:"required"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"  validate:"required,oneof=debug info warn error"`
	Format string `koanf:"format" validate:"required,oneof=json text"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// EngineConfig holds evaluation guards applied by the service layer.
type EngineConfig struct {
	MaxContextFields int  `koanf:"max_context_fields" validate:"required,min=1,max=10000"`
	RejectDeprecated bool `koanf:"reject_deprecated"`
}

// MetricsConfig names the prometheus metrics.
type MetricsConfig struct {
	Namespace string `koanf:"namespace" validate:"required"`
	Subsystem string `koanf:"subsystem"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":  "info",
		"log.format": "json",

		"store.path": DefaultStorePath,

		"engine.max_context_fields": DefaultMaxContextFields,
		"engine.reject_deprecated":  false,

		"metrics.namespace": DefaultMetricsNamespace,
		"metrics.subsystem": "",
	}
}

// Load loads configuration with the following precedence (highest to lowest):
//  1. Environment variables (PRICER_ prefix)
//  2. The YAML file at path, when path is non-empty and the file exists
//  3. Default values
//
// The result is validated before it is returned.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := loadFileIfExists(k, path); err != nil {
			return nil, fmt.Errorf("loading config file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps PRICER_ENGINE_MAX_CONTEXT_FIELDS to engine.max_context_fields.
// Only the first underscore separates section from key, since keys
// themselves contain underscores.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func loadFileIfExists(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return k.Load(file.Provider(path), yaml.Parser())
}
