// Package engine implements the pricing evaluation pipeline.
//
// ARCHITECTURE:
//
// Evaluate runs a fixed sequence of stages over a validated RuleSet and a
// normalized context:
//
//  1. definitions: intermediates, in declaration order
//  2. eligibility: product gates, then tier selection per tiered rule
//  3. pricing:     one base line per product
//  4. modifiers:   discounts, surcharges, minimums, caps
//  5. bundles:     package prices and included quantities
//  6. output:      line shaping and constraint checks
//
// Each stage records its steps before the next starts, and no stage
// revisits earlier output. Rules run in declaration order.
//
// Evaluation is pure and synchronous: no I/O, no clock, no randomness, no
// map iteration in any ordering decision. The same RuleSet and context
// always produce byte-identical results and traces. Any expression failure
// aborts the run; there is no partial result.
package engine
