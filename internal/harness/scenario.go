package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pricer/internal/trace"
)

// Scenario defines one pricing conformance case.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// RuleSet is the rule document to evaluate, relative to the scenario
	// file unless absolute.
	RuleSet string `yaml:"ruleset"`

	// Context is the raw evaluation context, nested or flat.
	Context map[string]any `yaml:"context"`

	Expect Expect `yaml:"expect"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Expect holds result expectations. Every field is optional; only what is
// given is checked.
type Expect struct {
	LineItems []LineExpect `yaml:"line_items,omitempty"`

	// Totals maps subtotal, discounts, taxes or total to a decimal string.
	Totals map[string]string `yaml:"totals,omitempty"`

	WarningsContain    []string `yaml:"warnings_contain,omitempty"`
	AssumptionsContain []string `yaml:"assumptions_contain,omitempty"`

	// Error is the expected error kind. When set the evaluation must fail.
	Error string `yaml:"error,omitempty"`
}

// LineExpect matches the line item with ProductCode. Decimal fields
// compare numerically, so "750" matches "750.00".
type LineExpect struct {
	ProductCode string `yaml:"product_code"`
	Quantity    string `yaml:"quantity,omitempty"`
	UnitPrice   string `yaml:"unit_price,omitempty"`
	Amount      string `yaml:"amount,omitempty"`
	Notes       string `yaml:"notes,omitempty"`

	// Absent asserts that no line item has ProductCode.
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion validates the trace.
type Assertion struct {
	// Type is one of step_outcome, step_order, step_count.
	Type string `yaml:"type"`

	// Step is the rule id (used by step_outcome).
	Step string `yaml:"step,omitempty"`

	// Outcome is applied or skipped (used by step_outcome).
	Outcome string `yaml:"outcome,omitempty"`

	// Value is the expected step value (used by step_outcome). Decimals
	// compare numerically.
	Value string `yaml:"value,omitempty"`

	// Reason must be one of the step's reasons (used by step_outcome).
	Reason string `yaml:"reason,omitempty"`

	// Steps is the expected relative order (used by step_order).
	Steps []string `yaml:"steps,omitempty"`

	// Stage and Count are used by step_count.
	Stage string `yaml:"stage,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertStepOutcome = "step_outcome"
	AssertStepOrder   = "step_order"
	AssertStepCount   = "step_count"
)

var stages = []trace.Stage{
	trace.StageDefinitions,
	trace.StageEligibility,
	trace.StagePricing,
	trace.StageModifiers,
	trace.StageBundles,
	trace.StageOutput,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.RuleSet != "" && !filepath.IsAbs(scenario.RuleSet) {
		scenario.RuleSet = filepath.Join(filepath.Dir(path), scenario.RuleSet)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if s.RuleSet == "" {
		return errors.New("ruleset is required")
	}
	if _, err := os.Stat(s.RuleSet); os.IsNotExist(err) {
		return fmt.Errorf("ruleset file not found: %s", s.RuleSet)
	}
	if s.Context == nil {
		return errors.New("context is required (use an empty map for none)")
	}

	for i, line := range s.Expect.LineItems {
		if line.ProductCode == "" {
			return fmt.Errorf("expect.line_items[%d]: product_code is required", i)
		}
	}
	for key := range s.Expect.Totals {
		switch key {
		case "subtotal", "discounts", "taxes", "total":
		default:
			return fmt.Errorf("expect.totals: unknown total %q", key)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStepOutcome:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for step_outcome", index)
		}
		if a.Outcome != "" && a.Outcome != "applied" && a.Outcome != "skipped" {
			return fmt.Errorf("assertions[%d]: outcome must be applied or skipped", index)
		}
	case AssertStepOrder:
		if len(a.Steps) < 2 {
			return fmt.Errorf("assertions[%d]: step_order needs at least two steps", index)
		}
	case AssertStepCount:
		if a.Stage == "" {
			return fmt.Errorf("assertions[%d]: stage is required for step_count", index)
		}
		if !slices.Contains(stages, trace.Stage(a.Stage)) {
			return fmt.Errorf("assertions[%d]: unknown stage %q", index, a.Stage)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for step_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
