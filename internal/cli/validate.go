package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/pricer/internal/ruleset"
)

// ValidationResult describes a rule document that passed validation.
type ValidationResult struct {
	Valid     bool        `json:"valid"`
	RuleSet   ruleset.Ref `json:"ruleset"`
	Products  int         `json:"products"`
	Rules     int         `json:"rules"`
	Sensitive []string    `json:"sensitive_fields,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a rule document",
		Long: `Validate a YAML, JSON or CUE rule document without storing it.

Checks the structural schema, expression syntax and types, references
between rules and products, and tier ordering. Every problem is reported
with its field path.

Exit codes:
  0 - Document is valid
  1 - Schema or validation errors
  2 - Command error (unreadable file, unknown extension)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	formatter.VerboseLog("Validating %s", path)

	rs, err := loadRuleSetFile(path)
	if err != nil {
		return formatter.Fail(err)
	}

	doc, err := rs.Document()
	if err != nil {
		return formatter.Fail(err)
	}
	result := ValidationResult{
		Valid:     true,
		RuleSet:   rs.Ref(),
		Products:  len(doc.Products),
		Rules:     countRules(doc),
		Sensitive: rs.SensitiveFields(),
	}
	return formatter.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid\n", rs.Ref())
		fmt.Fprintf(w, "  checksum: %s\n", rs.Checksum())
		fmt.Fprintf(w, "  %d products, %d rules\n", result.Products, result.Rules)
	})
}

func countRules(doc *ruleset.Document) int {
	r := doc.Rules
	return len(r.Eligibility) + len(r.Pricing) + len(r.Modifiers) + len(r.Bundles) + len(doc.Constraints)
}

// ChecksumResult carries the content checksum of a rule document.
type ChecksumResult struct {
	RuleSet  string `json:"ruleset"`
	Checksum string `json:"checksum"`
}

// NewChecksumCommand creates the checksum command.
func NewChecksumCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checksum <file>",
		Short: "Print the content checksum of a rule document",
		Long: `Print the sha256 checksum of a rule document's canonical content.

The checksum is independent of the file format and key order, so a YAML
document and its JSON rendering have the same checksum.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			rs, err := loadRuleSetFile(args[0])
			if err != nil {
				return formatter.Fail(err)
			}
			result := ChecksumResult{RuleSet: rs.Ref().String(), Checksum: rs.Checksum()}
			return formatter.Render(result, func(w io.Writer) {
				fmt.Fprintln(w, result.Checksum)
			})
		},
	}
	return cmd
}
