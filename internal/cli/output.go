package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/nettable/internal/errs"
)

// Process exit statuses.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the run finished but its outcome was wrong: leaked topics, lost values
	ExitCommandError = 2 // the run never got going: flags, config, unreachable server
)

// ExitError is an error returned from a command together with the status
// the process should exit with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError with no cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps the error a command returned to an exit status. Errors
// without one exit with ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if !errors.As(err, &ee) {
		return ExitFailure
	}
	return ee.Code
}

// Envelope wraps a one-shot JSON result. Streamed records (Line) are
// written bare.
type Envelope struct {
	Status string       `json:"status"` // "ok" | "error"
	Data   any          `json:"data,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the error half of an Envelope.
type ErrorDetail struct {
	Code    string `json:"code"` // an engine code such as TYPE_CONFLICT, or COMMAND
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter writes command results to Writer, as the value's text
// form or as JSON, and diagnostics to ErrWriter.
type OutputFormatter struct {
	Format    string // "text" | "json"
	Writer    io.Writer
	ErrWriter io.Writer // nil means Writer
	Verbose   bool
}

func (f *OutputFormatter) jsonMode() bool { return f.Format == "json" }

func (f *OutputFormatter) diag() io.Writer {
	if f.ErrWriter == nil {
		return f.Writer
	}
	return f.ErrWriter
}

// emit writes v as one JSON line, or as its fmt text followed by a newline.
func (f *OutputFormatter) emit(v any) error {
	if f.jsonMode() {
		return json.NewEncoder(f.Writer).Encode(v)
	}
	_, err := fmt.Fprintln(f.Writer, v)
	return err
}

// Success writes a command's final result.
func (f *OutputFormatter) Success(data any) error {
	if f.jsonMode() {
		return f.emit(Envelope{Status: "ok", Data: data})
	}
	return f.emit(data)
}

// Line writes one streamed record.
func (f *OutputFormatter) Line(data any) error { return f.emit(data) }

// Error writes a failure with the given code. In text mode details are
// shown only with --verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.jsonMode() {
		return f.emit(Envelope{
			Status: "error",
			Error:  &ErrorDetail{Code: code, Message: message, Details: details},
		})
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(&b, "Details: %v\n", details)
	}
	_, err := io.WriteString(f.Writer, b.String())
	return err
}

// Fail writes err under its engine code, or COMMAND when it has none.
func (f *OutputFormatter) Fail(err error) error {
	code := string(errs.CodeOf(err))
	if code == "" {
		code = "COMMAND"
	}
	return f.Error(code, err.Error(), nil)
}

// VerboseLog writes a diagnostic line with --verbose. It never goes to
// Writer when ErrWriter is set, so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if f.Verbose {
		fmt.Fprintf(f.diag(), format+"\n", args...)
	}
}
