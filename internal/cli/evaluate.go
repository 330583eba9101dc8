package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/pricer/internal/engine"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/logging"
	"github.com/roach88/pricer/internal/output"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/service"
	"github.com/roach88/pricer/internal/trace"
)

// EvaluateOptions holds flags for the evaluate command.
type EvaluateOptions struct {
	*RootOptions
	Context string
	RuleSet string
	DB      string
	ID      string
	Version int
	Trace   bool
}

// EvaluationView is the printed form of an evaluation.
type EvaluationView struct {
	RuleSet ruleset.Ref    `json:"ruleset"`
	Result  *output.Result `json:"result"`
	Trace   *trace.Trace   `json:"trace,omitempty"`
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Price a context without issuing a quote",
		Long: `Evaluate a context against a ruleset and print the result.

The ruleset is either a rule document on disk (--ruleset, drafts allowed)
or a stored version (--db with --id and --version). Nothing is persisted.

Examples:
  pricer evaluate --ruleset rulesets/bookkeeping.yaml --context ctx.json
  pricer evaluate --db pricer.db --id bookkeeping --version 3 --context ctx.yaml --trace`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Context, "context", "", "context file, JSON or YAML (required)")
	cmd.Flags().StringVar(&opts.RuleSet, "ruleset", "", "rule document file")
	cmd.Flags().StringVar(&opts.DB, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "stored ruleset id")
	cmd.Flags().IntVar(&opts.Version, "version", 0, "stored ruleset version")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include the evaluation trace")
	_ = cmd.MarkFlagRequired("context")
	cmd.MarkFlagsMutuallyExclusive("ruleset", "id")
	cmd.MarkFlagsRequiredTogether("id", "version")

	return cmd
}

func runEvaluate(opts *EvaluateOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	if opts.RuleSet == "" && opts.ID == "" {
		return formatter.Fail(NewExitError(ExitCommandError, "either --ruleset or --id and --version is required"))
	}

	raw, err := readContext(opts.Context)
	if err != nil {
		return formatter.Fail(err)
	}

	var ev *engine.Evaluation
	if opts.RuleSet != "" {
		rs, err := loadRuleSetFile(opts.RuleSet)
		if err != nil {
			return formatter.Fail(err)
		}
		svc, err := opts.newService(cmd, nil, logging.SensitiveFields(rs.SensitiveFields())...)
		if err != nil {
			return formatter.Fail(err)
		}
		ev, err = svc.EvaluateRuleSet(cmd.Context(), rs, raw)
		if err != nil {
			return formatter.Fail(err)
		}
	} else {
		st, err := opts.openStore(cmd, opts.DB)
		if err != nil {
			return formatter.Fail(err)
		}
		defer st.Close()
		svc, err := opts.newService(cmd, st)
		if err != nil {
			return formatter.Fail(err)
		}
		ev, err = svc.Evaluate(cmd.Context(), service.Key{ID: opts.ID, Version: opts.Version}, raw)
		if err != nil {
			return formatter.Fail(err)
		}
	}

	view := EvaluationView{RuleSet: ev.Ref, Result: ev.Result}
	if opts.Trace {
		view.Trace = ev.Trace
	}
	return formatter.Render(view, func(w io.Writer) {
		fmt.Fprintf(w, "Ruleset %s (%s)\n\n", ev.Ref, ev.Ref.Checksum)
		renderResult(w, ev.Result)
		if opts.Trace {
			fmt.Fprintln(w)
			renderTrace(w, ev.Trace)
		}
	})
}

// renderResult prints line items, totals and notes as aligned text.
func renderResult(w io.Writer, res *output.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "LINE\tPRODUCT\tQTY\tUNIT PRICE\tAMOUNT\t")
	for _, li := range res.LineItems {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			li.LineItemID, li.ProductCode, li.Quantity.Canonical(), li.UnitPrice.Canonical(), li.Amount)
	}
	fmt.Fprintln(tw, "\t\t\t\t\t")
	fmt.Fprintf(tw, "\t\t\tSubtotal\t%s\t\n", res.Totals.Subtotal)
	fmt.Fprintf(tw, "\t\t\tDiscounts\t-%s\t\n", res.Totals.Discounts)
	fmt.Fprintf(tw, "\t\t\tTaxes\t%s\t\n", res.Totals.Taxes)
	fmt.Fprintf(tw, "\t\t\tTotal %s\t%s\t\n", res.Currency, res.Totals.Total)
	tw.Flush()

	for _, li := range res.LineItems {
		if li.Notes != "" {
			fmt.Fprintf(w, "  %s: %s\n", li.LineItemID, li.Notes)
		}
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range res.Warnings {
			fmt.Fprintf(w, "  ! %s\n", warning)
		}
	}
	if len(res.Assumptions) > 0 {
		fmt.Fprintln(w, "\nAssumptions:")
		for _, a := range res.Assumptions {
			fmt.Fprintf(w, "  - %s\n", a)
		}
	}
}

// renderTrace prints one line per trace step.
func renderTrace(w io.Writer, tr *trace.Trace) {
	fmt.Fprintf(w, "Trace %s\n", tr.Checksum)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range tr.Steps {
		detail := ""
		if s.Value != nil {
			detail = "= " + formatValue(s.Value)
		}
		if len(s.Reasons) > 0 {
			detail = strings.Join(s.Reasons, "; ")
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", s.Seq, s.Stage, s.RuleID, s.Outcome, detail)
	}
	tw.Flush()
}

func formatValue(v ir.IRValue) string {
	data, err := ir.MarshalIRValue(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return strings.Trim(string(data), `"`)
}
