// Pricer evaluates versioned pricing rulesets against customer contexts
// and records the results as immutable quotes.
//
// Usage:
//
//	# Check a rule document
//	pricer validate rulesets/bookkeeping.yaml
//
//	# Price a context without storing anything
//	pricer evaluate --ruleset rulesets/bookkeeping.yaml --context ctx.json --trace
//
//	# Publish, then issue and accept a quote
//	pricer publish rulesets/bookkeeping.yaml --db pricer.db
//	pricer issue --db pricer.db --id bookkeeping --version 3 --context ctx.json --key req-42
//	pricer accept --db pricer.db --quote-version <id> --actor buyer@example.com
//
//	# Run conformance scenarios
//	pricer test testdata/scenarios
package main

import (
	"fmt"
	"os"

	"github.com/roach88/pricer/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.ExitCodeFor(err))
	}
}
