package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/pricer/internal/errs"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Rejected input or failed check (validation, evaluation, failed scenarios, tampering)
	ExitCommandError = 2 // Command error (invalid paths, unreadable files, store not openable)
)

// ErrCodeGeneric is the error code for failures outside the errs taxonomy.
const ErrCodeGeneric = "E_COMMAND"

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported is set when the command already wrote the error to stdout.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// IsReported reports whether err was already written by the command.
func IsReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ExitCodeFor classifies an error: taxonomy errors are rejections of the
// input (1), anything else is a command error (2).
func ExitCodeFor(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if _, ok := errs.As(err); ok {
		return ExitFailure
	}
	return ExitCommandError
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status        string    `json:"status"`                   // "ok" or "error"
	Data          any       `json:"data,omitempty"`           // success payload
	Error         *CLIError `json:"error,omitempty"`          // error details
	CorrelationID string    `json:"correlation_id,omitempty"` // log correlation
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // error kind, e.g. VALIDATION_ERROR
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Render outputs data as JSON, or calls text to render it for humans.
func (f *OutputFormatter) Render(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err in the configured format and returns an ExitError
// with the exit code for its kind. Field-level issues are always listed.
func (f *OutputFormatter) Fail(err error) error {
	code := ErrCodeGeneric
	message := err.Error()
	var details map[string]any

	if e, ok := errs.As(err); ok {
		code = string(e.Kind)
		message = e.Message
		details = map[string]any{}
		if len(e.Issues) > 0 {
			details["issues"] = e.Issues
		}
		if e.RuleID != "" {
			details["rule_id"] = e.RuleID
		}
		for k, v := range e.Details {
			details[k] = v
		}
		if len(details) == 0 {
			details = nil
		}
	}

	if f.Format == "json" {
		resp := CLIResponse{Status: "error", Error: &CLIError{Code: code, Message: message}}
		if details != nil {
			resp.Error.Details = details
		}
		if id, ok := details["correlation_id"].(string); ok {
			resp.CorrelationID = id
		}
		if encErr := f.encode(resp); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
		if e, ok := errs.As(err); ok {
			for _, issue := range e.Issues {
				fmt.Fprintf(f.Writer, "  %s\n", issue)
			}
			if e.RuleID != "" {
				fmt.Fprintf(f.Writer, "  rule: %s\n", e.RuleID)
			}
			if id := e.Details["correlation_id"]; id != "" {
				fmt.Fprintf(f.Writer, "  correlation id: %s\n", id)
			}
		}
	}

	exitErr := WrapExitError(ExitCodeFor(err), message, err)
	exitErr.Reported = true
	return exitErr
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	encoder := json.NewEncoder(f.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp)
}
