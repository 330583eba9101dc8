package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/store"
)

// RuleSetStatus describes a stored ruleset after a registry change.
type RuleSetStatus struct {
	RuleSet     ruleset.Ref    `json:"ruleset"`
	Status      ruleset.Status `json:"status"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	Blocked     bool           `json:"blocked,omitempty"`
}

func statusOf(rs *ruleset.RuleSet) RuleSetStatus {
	st := RuleSetStatus{RuleSet: rs.Ref(), Status: rs.Status(), Blocked: rs.Blocked()}
	if at := rs.PublishedAt(); !at.IsZero() {
		st.PublishedAt = &at
	}
	return st
}

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	DB        string
	DraftOnly bool
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Store a rule document and publish it",
		Long: `Validate a rule document, store it as a draft and publish it.

Published content is frozen: republishing the same id and version, or
saving different content under it, fails with IMMUTABILITY_VIOLATION.
Use --draft-only to store or replace a draft without publishing.

Examples:
  pricer publish rulesets/bookkeeping.yaml --db pricer.db
  pricer publish rulesets/bookkeeping.yaml --draft-only`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().BoolVar(&opts.DraftOnly, "draft-only", false, "store as draft without publishing")

	return cmd
}

func runPublish(opts *PublishOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	rs, err := loadRuleSetFile(path)
	if err != nil {
		return formatter.Fail(err)
	}

	st, err := opts.openStore(cmd, opts.DB)
	if err != nil {
		return formatter.Fail(err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if err := st.SaveDraft(ctx, rs); err != nil {
		return formatter.Fail(err)
	}
	formatter.VerboseLog("Saved draft %s (%s)", rs.Ref(), rs.Checksum())

	if !opts.DraftOnly {
		rs, err = st.Publish(ctx, rs.ID(), rs.Version(), time.Now().UTC())
		if err != nil {
			return formatter.Fail(err)
		}
	}

	status := statusOf(rs)
	return formatter.Render(status, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s %s\n", rs.Ref(), rs.Status())
		fmt.Fprintf(w, "  checksum: %s\n", rs.Checksum())
	})
}

// DeprecateOptions holds flags for the deprecate command.
type DeprecateOptions struct {
	*RootOptions
	DB      string
	ID      string
	Version int
	Block   bool
}

// NewDeprecateCommand creates the deprecate command.
func NewDeprecateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeprecateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deprecate",
		Short: "Deprecate a published ruleset",
		Long: `Mark a published ruleset version as deprecated.

Deprecated rulesets still evaluate unless --block is given. Quotes
already issued under the version are not affected.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := opts.formatter(cmd)
			st, err := opts.openStore(cmd, opts.DB)
			if err != nil {
				return formatter.Fail(err)
			}
			defer st.Close()

			rs, err := st.Deprecate(cmd.Context(), opts.ID, opts.Version, opts.Block)
			if err != nil {
				return formatter.Fail(err)
			}
			return formatter.Render(statusOf(rs), func(w io.Writer) {
				suffix := ""
				if rs.Blocked() {
					suffix = " (blocked)"
				}
				fmt.Fprintf(w, "✓ %s deprecated%s\n", rs.Ref(), suffix)
			})
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "ruleset id (required)")
	cmd.Flags().IntVar(&opts.Version, "version", 0, "ruleset version (required)")
	cmd.Flags().BoolVar(&opts.Block, "block", false, "refuse further evaluations")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var db string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List stored rulesets",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			st, err := rootOpts.openStore(cmd, db)
			if err != nil {
				return formatter.Fail(err)
			}
			defer st.Close()

			infos, err := st.ListRuleSets(cmd.Context())
			if err != nil {
				return formatter.Fail(err)
			}
			if infos == nil {
				infos = []store.RuleSetInfo{}
			}
			return formatter.Render(infos, func(w io.Writer) {
				if len(infos) == 0 {
					fmt.Fprintln(w, "No rulesets stored.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RULESET\tSTATUS\tCHECKSUM")
				for _, info := range infos {
					status := string(info.Status)
					if info.Blocked {
						status += " (blocked)"
					}
					fmt.Fprintf(tw, "%s@%d\t%s\t%s\n", info.ID, info.Version, status, info.Checksum)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "path to SQLite database (default from config)")
	return cmd
}
