package core

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes core errors.
type ErrorCode string

const (
	// ErrCodeSchema: a transaction references an unknown class or a class
	// with no assigned domain.
	ErrCodeSchema ErrorCode = "SCHEMA"

	// ErrCodeConsistency: derived state disagrees with itself or with a prior
	// run (cycles, replay divergence). Never tolerated silently.
	ErrCodeConsistency ErrorCode = "CONSISTENCY"

	// ErrCodeTransientStorage: I/O failure talking to the backing store.
	// Retryable by the caller; the core does not retry.
	ErrCodeTransientStorage ErrorCode = "TRANSIENT_STORAGE"

	// ErrCodeLogic: malformed input such as an unknown update operator.
	ErrCodeLogic ErrorCode = "LOGIC"
)

// Error is the structured error returned by core components.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Class is the class involved, when known.
	Class Ref

	// ObjectID is the document involved, when known.
	ObjectID Ref

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Class != "" {
		msg += fmt.Sprintf(" (class=%s)", e.Class)
	}
	if e.ObjectID != "" {
		msg += fmt.Sprintf(" (object=%s)", e.ObjectID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewSchemaError reports an unknown class or missing domain.
func NewSchemaError(class Ref, message string) *Error {
	return &Error{Code: ErrCodeSchema, Message: message, Class: class}
}

// NewConsistencyError reports divergent derived state.
func NewConsistencyError(message string) *Error {
	return &Error{Code: ErrCodeConsistency, Message: message}
}

// NewTransientError wraps an I/O failure of the backing store.
func NewTransientError(op string, err error) *Error {
	return &Error{Code: ErrCodeTransientStorage, Message: op, Err: err}
}

// NewLogicError reports malformed input.
func NewLogicError(message string) *Error {
	return &Error{Code: ErrCodeLogic, Message: message}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsSchema reports whether err is a SchemaError.
func IsSchema(err error) bool { return CodeOf(err) == ErrCodeSchema }

// IsConsistency reports whether err is a ConsistencyError.
func IsConsistency(err error) bool { return CodeOf(err) == ErrCodeConsistency }

// IsTransient reports whether err is a TransientStorageError.
func IsTransient(err error) bool { return CodeOf(err) == ErrCodeTransientStorage }

// IsLogic reports whether err is a LogicError.
func IsLogic(err error) bool { return CodeOf(err) == ErrCodeLogic }
