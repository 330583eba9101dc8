package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/masq"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pricer/internal/compiler"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/logging"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/service"
	"github.com/roach88/pricer/internal/snapshot"
	"github.com/roach88/pricer/internal/store"
)

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// logger builds the diagnostic logger. It writes to stderr so stdout stays
// parseable; --verbose lowers the level to debug.
func (o *RootOptions) logger(cmd *cobra.Command, opts ...masq.Option) (*slog.Logger, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	lc := logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}
	if o.Verbose {
		lc.Level = "debug"
	}
	return logging.NewWithWriter(lc, cmd.ErrOrStderr(), opts...), nil
}

// openStore opens the SQLite store at dbPath, or at the configured path
// when dbPath is empty. The caller closes it.
func (o *RootOptions) openStore(cmd *cobra.Command, dbPath string) (*store.Store, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	if dbPath == "" {
		dbPath = cfg.Store.Path
	}
	logger, err := o.logger(cmd)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(dbPath, store.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open store %s", dbPath), err)
	}
	return st, nil
}

// newService wires a service over st. st may be nil for commands that
// only evaluate a ruleset file.
func (o *RootOptions) newService(cmd *cobra.Command, st *store.Store, logOpts ...masq.Option) (*service.Service, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	logger, err := o.logger(cmd, logOpts...)
	if err != nil {
		return nil, err
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(o.metricsSink(cfg)),
		service.WithEngineConfig(cfg.Engine),
	}
	if st == nil {
		return service.New(nil, nil, opts...), nil
	}
	return service.New(st, snapshot.NewWriter(st, st), opts...), nil
}

// loadRuleSetFile decodes and validates a rule document. The result is a
// draft.
func loadRuleSetFile(path string) (*ruleset.RuleSet, error) {
	doc, err := compiler.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return ruleset.Validate(doc)
}

// readContext reads an evaluation context from a JSON or YAML file.
func readContext(path string) (ir.IRObject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read context file", err)
	}

	var v ir.IRValue
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to parse context file", err)
		}
		v, err = ir.FromGo(raw)
	default:
		v, err = ir.UnmarshalIRValue(data)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to parse context file", err)
	}

	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("context file %s must hold an object", path))
	}
	return obj, nil
}
