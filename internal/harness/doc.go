// Package harness runs pricing conformance scenarios.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: high_volume_overflow
//	description: Volume above the top tier prices at the highest tier
//	ruleset: ../rulesets/bookkeeping.yaml
//	context:
//	  client_type: business
//	  monthly_transaction_volume: 250
//	expect:
//	  line_items:
//	    - product_code: BK
//	      amount: "750.00"
//	    - product_code: SETUP
//	      absent: true
//	  totals:
//	    total: "1060.00"
//	  warnings_contain:
//	    - volume exceeds tier bounds; defaulting to highest tier
//	assertions:
//	  - type: step_outcome
//	    step: bk_base.tier[1]
//	    outcome: applied
//	  - type: step_order
//	    steps: [vars.volume_hundreds, bk_base]
//
// The ruleset path is resolved relative to the scenario file. A scenario
// that expects a failure sets expect.error to an error kind such as
// EXPRESSION_ERROR; line item and total expectations are then ignored.
//
// # Assertion Types
//
//   - step_outcome: a step exists with the given outcome, value and reason
//   - step_order: steps appear in the given relative order
//   - step_count: a stage recorded exactly N steps
//
// # Golden Snapshots
//
// RunWithGolden compares the canonical JSON of the result and trace with
// testdata/golden/<name>.golden. Evaluation is pure, so identical inputs
// always produce identical snapshots.
package harness
