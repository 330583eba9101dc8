// Package errs defines the error taxonomy shared by the pricing core and
// its adapters.
//
// Every failure the core reports is an *Error with a Kind. Callers branch
// on kind with the IsXxx helpers, which see through fmt.Errorf wrapping.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an Error.
type Kind string

const (
	// KindSchema: the rule document is malformed or its schema_version is
	// not supported.
	KindSchema Kind = "SCHEMA_ERROR"

	// KindValidation: the evaluation context does not satisfy the
	// ruleset's context schema.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindExpression: an expression failed at evaluation time (type
	// mismatch, division by zero). Aborts the evaluation.
	KindExpression Kind = "EXPRESSION_ERROR"

	// KindEligibilityConflict: rules that cannot apply together did.
	KindEligibilityConflict Kind = "ELIGIBILITY_CONFLICT"

	// KindImmutability: an attempt to change something frozen.
	KindImmutability Kind = "IMMUTABILITY_VIOLATION"

	// KindChecksumMismatch: stored content does not hash to its checksum.
	KindChecksumMismatch Kind = "CHECKSUM_MISMATCH"

	// KindNotFound: a referenced ruleset or quote version does not exist.
	KindNotFound Kind = "NOT_FOUND"
)

// Issue is one field-level problem inside a schema or validation error.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// String renders the issue the way compiler diagnostics are printed.
func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", i.Code, i.Line, i.Field, i.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Code, i.Field, i.Message)
}

// Error is the single error type of the taxonomy.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Message is a human-readable description.
	Message string

	// Issues lists field-level problems (schema and validation errors).
	Issues []Issue

	// RuleID names the rule being evaluated, when known.
	RuleID string

	// Details contains additional context (expected/actual checksums,
	// offending schema version, ...).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.RuleID != "" {
		fmt.Fprintf(&b, " (rule=%s)", e.RuleID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	for _, issue := range e.Issues {
		b.WriteString("\n  ")
		b.WriteString(issue.String())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Schema creates a SchemaError from collected issues.
func Schema(message string, issues ...Issue) *Error {
	return &Error{Kind: KindSchema, Message: message, Issues: issues}
}

// UnsupportedSchemaVersion names the offending version.
func UnsupportedSchemaVersion(version string) *Error {
	return &Error{
		Kind:    KindSchema,
		Message: fmt.Sprintf("unsupported schema_version %q", version),
		Details: map[string]string{"schema_version": version},
		Issues: []Issue{{
			Field:   "schema_version",
			Code:    "E100",
			Message: fmt.Sprintf("no adapter registered for %q", version),
		}},
	}
}

// Validation creates a ValidationError from collected issues.
func Validation(message string, issues ...Issue) *Error {
	return &Error{Kind: KindValidation, Message: message, Issues: issues}
}

// Expression creates an ExpressionError for the given rule.
func Expression(ruleID, message string, cause error) *Error {
	return &Error{Kind: KindExpression, Message: message, RuleID: ruleID, Err: cause}
}

// Conflict creates an EligibilityConflict between rules.
func Conflict(ruleID, message string) *Error {
	return &Error{Kind: KindEligibilityConflict, Message: message, RuleID: ruleID}
}

// Immutable creates an ImmutabilityViolation.
func Immutable(format string, args ...any) *Error {
	return &Error{Kind: KindImmutability, Message: fmt.Sprintf(format, args...)}
}

// ChecksumMismatch reports expected vs computed checksums.
func ChecksumMismatch(subject, expected, actual string) *Error {
	return &Error{
		Kind:    KindChecksumMismatch,
		Message: fmt.Sprintf("checksum mismatch for %s", subject),
		Details: map[string]string{"expected": expected, "actual": actual},
	}
}

// NotFound reports a missing ruleset or quote version.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

func is(err error, k Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == k
}

// IsSchema reports whether err is a SchemaError.
func IsSchema(err error) bool { return is(err, KindSchema) }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsExpression reports whether err is an ExpressionError.
func IsExpression(err error) bool { return is(err, KindExpression) }

// IsEligibilityConflict reports whether err is an EligibilityConflict.
func IsEligibilityConflict(err error) bool { return is(err, KindEligibilityConflict) }

// IsImmutability reports whether err is an ImmutabilityViolation.
func IsImmutability(err error) bool { return is(err, KindImmutability) }

// IsChecksumMismatch reports whether err is a ChecksumMismatch.
func IsChecksumMismatch(err error) bool { return is(err, KindChecksumMismatch) }

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return is(err, KindNotFound) }
