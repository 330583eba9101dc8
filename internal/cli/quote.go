package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pricer/internal/service"
	"github.com/roach88/pricer/internal/snapshot"
)

// IssueResult reports an issued quote version and whether it was created
// by this call or replayed from an earlier one with the same key.
type IssueResult struct {
	Created bool                   `json:"created"`
	Quote   *snapshot.QuoteVersion `json:"quote"`
}

// IssueOptions holds flags for the issue command.
type IssueOptions struct {
	*RootOptions
	DB      string
	ID      string
	Version int
	Context string
	Key     string
	QuoteID string
	Actor   string
}

// NewIssueCommand creates the issue command.
func NewIssueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IssueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Evaluate a context and freeze the result as a quote",
		Long: `Evaluate a context under a stored ruleset and record the result as an
immutable quote version.

Issuing again with the same --key and the same context returns the
original version. The same key with a different context is rejected.
--quote supersedes the current version of an existing quote.

Examples:
  pricer issue --db pricer.db --id bookkeeping --version 3 --context ctx.json --key req-42
  pricer issue --id bookkeeping --version 3 --context ctx.json --key req-43 --quote <quote-id>`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "ruleset id (required)")
	cmd.Flags().IntVar(&opts.Version, "version", 0, "ruleset version (required)")
	cmd.Flags().StringVar(&opts.Context, "context", "", "context file, JSON or YAML (required)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (required)")
	cmd.Flags().StringVar(&opts.QuoteID, "quote", "", "quote id to supersede")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "who issues the quote")
	for _, name := range []string{"id", "version", "context", "key"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runIssue(opts *IssueOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	raw, err := readContext(opts.Context)
	if err != nil {
		return formatter.Fail(err)
	}

	st, err := opts.openStore(cmd, opts.DB)
	if err != nil {
		return formatter.Fail(err)
	}
	defer st.Close()
	svc, err := opts.newService(cmd, st)
	if err != nil {
		return formatter.Fail(err)
	}

	q, created, err := svc.Issue(cmd.Context(), service.IssueRequest{
		RuleSet:        service.Key{ID: opts.ID, Version: opts.Version},
		Context:        raw,
		IdempotencyKey: opts.Key,
		QuoteID:        opts.QuoteID,
		Actor:          opts.Actor,
	})
	if err != nil {
		return formatter.Fail(err)
	}

	return formatter.Render(IssueResult{Created: created, Quote: q}, func(w io.Writer) {
		verb := "issued"
		if !created {
			verb = "replayed"
		}
		fmt.Fprintf(w, "✓ Quote version %s %s\n", q.ID, verb)
		renderQuoteHeader(w, q)
		fmt.Fprintln(w)
		renderResult(w, q.Result)
	})
}

// NewAcceptCommand creates the accept command.
func NewAcceptCommand(rootOpts *RootOptions) *cobra.Command {
	var db, id, actor string

	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Accept an issued quote version",
		Long: `Record the acceptance of a quote version.

Acceptance requires the version's ruleset to still be published with the
checksum it was priced under. A version is accepted at most once.`,
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
			svc, err := rootOpts.newService(cmd, st)
			if err != nil {
				return formatter.Fail(err)
			}

			q, err := svc.Accept(cmd.Context(), id, actor)
			if err != nil {
				return formatter.Fail(err)
			}
			return formatter.Render(q, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Quote version %s accepted by %s\n", q.ID, q.Acceptance.Actor)
				renderQuoteHeader(w, q)
			})
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&id, "quote-version", "", "quote version id (required)")
	cmd.Flags().StringVar(&actor, "actor", "", "who accepts the quote (required)")
	_ = cmd.MarkFlagRequired("quote-version")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	var db, id string
	var billable bool

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a stored quote version",
		Long: `Show a stored quote version with its status and result.

With --billable, print the accepted line items in the form the billing
ledger receives them. Only accepted versions are billable.`,
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
			svc, err := rootOpts.newService(cmd, st)
			if err != nil {
				return formatter.Fail(err)
			}

			q, err := svc.Get(cmd.Context(), id)
			if err != nil {
				return formatter.Fail(err)
			}

			if billable {
				lines, err := snapshot.BillableLines(q)
				if err != nil {
					return formatter.Fail(err)
				}
				return formatter.Render(lines, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "LINE\tPRODUCT\tQTY\tUNIT PRICE\tAMOUNT\tBILLING")
					for _, l := range lines {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s/%s\n",
							l.LineItemID, l.ProductCode, l.Quantity.Canonical(), l.UnitPrice.Canonical(),
							l.Amount, l.BillingModel, l.Unit)
					}
					tw.Flush()
				})
			}

			return formatter.Render(q, func(w io.Writer) {
				fmt.Fprintf(w, "Quote version %s\n", q.ID)
				renderQuoteHeader(w, q)
				fmt.Fprintln(w)
				renderResult(w, q.Result)
			})
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&id, "quote-version", "", "quote version id (required)")
	cmd.Flags().BoolVar(&billable, "billable", false, "print billable lines of an accepted version")
	_ = cmd.MarkFlagRequired("quote-version")

	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var db, quoteID string

	cmd := &cobra.Command{
		Use:           "history",
		Short:         "List every version of a quote",
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
			svc, err := rootOpts.newService(cmd, st)
			if err != nil {
				return formatter.Fail(err)
			}

			versions, err := svc.History(cmd.Context(), quoteID)
			if err != nil {
				return formatter.Fail(err)
			}
			return formatter.Render(versions, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tID\tSTATUS\tRULESET\tTOTAL")
				for _, q := range versions {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s %s\n",
						q.Version, q.ID, q.Status, q.RuleSet, q.Result.Totals.Total, q.Result.Currency)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&quoteID, "quote", "", "quote id (required)")
	_ = cmd.MarkFlagRequired("quote")

	return cmd
}

func renderQuoteHeader(w io.Writer, q *snapshot.QuoteVersion) {
	fmt.Fprintf(w, "  quote:    %s (version %d)\n", q.QuoteID, q.Version)
	fmt.Fprintf(w, "  status:   %s\n", q.Status)
	fmt.Fprintf(w, "  ruleset:  %s (%s)\n", q.RuleSet, q.RuleSet.Checksum)
	fmt.Fprintf(w, "  issued:   %s\n", q.IssuedAt.Format(time.RFC3339))
	if q.Acceptance != nil {
		fmt.Fprintf(w, "  accepted: %s by %s\n", q.Acceptance.At.Format(time.RFC3339), q.Acceptance.Actor)
	}
}
