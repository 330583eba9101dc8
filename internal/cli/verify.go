package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/pricer/internal/errs"
)

// VerifyResult lists stored records whose checksums no longer match.
type VerifyResult struct {
	RuleSets map[string]string `json:"rulesets"`
	Quotes   map[string]string `json:"quote_versions"`
}

// Failed returns the number of records that failed verification.
func (r VerifyResult) Failed() int {
	return len(r.RuleSets) + len(r.Quotes)
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var db string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute every stored checksum",
		Long: `Recompute the content checksum of every stored ruleset and the request
hash and trace checksum of every quote version.

Exit codes:
  0 - Every record verified
  1 - At least one record was modified at rest
  2 - Command error (store not openable)`,
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

			ctx := cmd.Context()
			rulesets, err := st.VerifyRuleSets(ctx)
			if err != nil {
				return formatter.Fail(err)
			}
			quotes, err := st.VerifyQuotes(ctx)
			if err != nil {
				return formatter.Fail(err)
			}

			result := VerifyResult{RuleSets: messages(rulesets), Quotes: messages(quotes)}
			if n := result.Failed(); n > 0 {
				formatter.VerboseLog("%d record(s) failed verification", n)
				if formatter.Format != "json" {
					renderVerify(formatter.Writer, result)
				}
				return formatter.Fail(&errs.Error{
					Kind:    errs.KindChecksumMismatch,
					Message: fmt.Sprintf("%d stored record(s) failed verification", n),
					Details: flatten(result),
				})
			}

			return formatter.Render(result, func(w io.Writer) {
				fmt.Fprintln(w, "✓ All stored rulesets and quote versions verified")
			})
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "path to SQLite database (default from config)")
	return cmd
}

func messages(failed map[string]error) map[string]string {
	out := make(map[string]string, len(failed))
	for id, err := range failed {
		out[id] = err.Error()
	}
	return out
}

func flatten(r VerifyResult) map[string]string {
	out := make(map[string]string, r.Failed())
	for id, msg := range r.RuleSets {
		out["ruleset "+id] = msg
	}
	for id, msg := range r.Quotes {
		out["quote_version "+id] = msg
	}
	return out
}

func renderVerify(w io.Writer, r VerifyResult) {
	for _, section := range []struct {
		label  string
		failed map[string]string
	}{
		{"ruleset", r.RuleSets},
		{"quote version", r.Quotes},
	} {
		ids := make([]string, 0, len(section.failed))
		for id := range section.failed {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "✗ %s %s: %s\n", section.label, id, section.failed[id])
		}
	}
}
