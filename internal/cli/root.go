package cli

import (
	"fmt"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/pricer/internal/config"
	"github.com/roach88/pricer/internal/metrics"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	MetricsOut string

	// Config is loaded once per invocation by the root command.
	Config *config.Config

	metrics *metrics.Metrics
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the pricer CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "pricer",
		Short: "Pricer - deterministic quote pricing",
		Long: `Evaluate versioned pricing rulesets against customer contexts.

Every evaluation produces line items, totals and a step-by-step trace.
Issued quotes are frozen snapshots that replay byte for byte.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			_, err := opts.config()
			return err
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.MetricsOut, "metrics-out", "", "write this run's metrics to a Prometheus textfile")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewChecksumCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewDeprecateCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))
	cmd.AddCommand(NewIssueCommand(opts))
	cmd.AddCommand(NewAcceptCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	for _, sub := range cmd.Commands() {
		flushMetricsAfter(sub, opts)
	}
	return cmd
}

// flushMetricsAfter writes the metrics textfile once c has run, whether
// or not it failed. The command's own error takes precedence.
func flushMetricsAfter(c *cobra.Command, opts *RootOptions) {
	if run := c.RunE; run != nil {
		c.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			if werr := opts.writeMetrics(); werr != nil && err == nil {
				err = werr
			}
			return err
		}
	}
	for _, sub := range c.Commands() {
		flushMetricsAfter(sub, opts)
	}
}

// config returns the loaded configuration, loading it on first use.
// Subcommands constructed on their own (as in tests) skip the root's
// PersistentPreRunE and load here instead.
func (o *RootOptions) config() (*config.Config, error) {
	if o.Config != nil {
		return o.Config, nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	o.Config = cfg
	return cfg, nil
}

// metricsSink returns the run's collectors, creating them on first use.
func (o *RootOptions) metricsSink(cfg *config.Config) *metrics.Metrics {
	if o.metrics == nil {
		o.metrics = metrics.New(cfg.Metrics, nil)
	}
	return o.metrics
}

// writeMetrics writes the gathered collectors to --metrics-out. Commands
// that never built a service leave nothing to write.
func (o *RootOptions) writeMetrics() error {
	if o.MetricsOut == "" || o.metrics == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(o.MetricsOut, o.metrics.Registry()); err != nil {
		return WrapExitError(ExitCommandError, "failed to write metrics", err)
	}
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
