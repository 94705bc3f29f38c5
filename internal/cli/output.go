package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario failure, divergent replay, rejected transaction
	ExitCommandError = 2 // Bad flags, unreadable files, workspace that cannot be opened
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int    // ExitFailure or ExitCommandError
	Message string // Error message
	Err     error  // Underlying error (optional)
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

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure if the error is not an
// ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON envelope of every command's output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // SCHEMA, E_DIVERGED, ...
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// writeJSON writes resp indented.
func writeJSON(w io.Writer, resp CLIResponse) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp)
}

// respond writes data as a JSON envelope or calls text to render it.
func respond(opts *RootOptions, w io.Writer, data any, text func(io.Writer) error) error {
	if opts.Format == "json" {
		return writeJSON(w, CLIResponse{Status: "ok", Data: data})
	}
	return text(w)
}

// fail writes a JSON error envelope when the format is JSON and returns err
// with exit code.
func fail(opts *RootOptions, w io.Writer, code int, errCode, message string, data any, err error) error {
	if opts.Format == "json" {
		resp := CLIResponse{
			Status: "error",
			Data:   data,
			Error:  &CLIError{Code: errCode, Message: message},
		}
		if err != nil {
			resp.Error.Details = err.Error()
		}
		if werr := writeJSON(w, resp); werr != nil {
			return werr
		}
	}
	if err != nil {
		return WrapExitError(code, message, err)
	}
	return NewExitError(code, message)
}
