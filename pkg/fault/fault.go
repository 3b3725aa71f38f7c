// Package fault provides the classified error type shared by every strata package.
package fault

import (
	"errors"
	"fmt"
)

// Class represents the classification of an error.
type Class string

const (
	// ClassUsage indicates a programmer mistake.
	// Examples: composing a stack on a layer, asking for the closest ancestor of a missing entity.
	ClassUsage Class = "usage"

	// ClassData indicates malformed or invalid persisted data.
	// Examples: broken JSON documents, cyclic or duplicate ancestor declarations.
	ClassData Class = "data"

	// ClassLock indicates that an exclusive lock could not be acquired.
	// Never retried internally.
	ClassLock Class = "lock"

	// ClassInternal indicates a broken invariant or an unexpected I/O failure.
	ClassInternal Class = "internal"
)

// Error represents a classified error with context.
type Error struct {
	// Class is the error classification.
	Class Class `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Subject names the package, repository, path or member the error is about.
	Subject string `json:"subject,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Subject != "" && e.Operation != "":
		msg += fmt.Sprintf(" (subject=%s, operation=%s)", e.Subject, e.Operation)
	case e.Subject != "":
		msg += fmt.Sprintf(" (subject=%s)", e.Subject)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two errors are equal when class and code match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class Class, message string, err error) *Error {
	return &Error{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewUsageError creates a new usage error.
func NewUsageError(message string, err error) *Error {
	return newError(ClassUsage, message, err)
}

// NewDataError creates a new data error.
func NewDataError(message string, err error) *Error {
	return newError(ClassData, message, err)
}

// NewLockError creates a new lock error.
func NewLockError(message string, err error) *Error {
	return newError(ClassLock, message, err).WithCode(CodeLockFailed)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *Error {
	return newError(ClassInternal, message, err)
}

// Sentinel returns an error suitable for package-level sentinels compared with errors.Is.
func Sentinel(class Class, code, message string) *Error {
	return newError(class, message, nil).WithCode(code)
}

// From derives a fresh error from a sentinel, keeping its class and code.
func From(sentinel *Error, message string, err error) *Error {
	return newError(sentinel.Class, message, err).WithCode(sentinel.Code)
}

// WithSubject adds subject context to an error.
func (e *Error) WithSubject(subject string) *Error {
	e.Subject = subject
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsUsage returns true if the error is classified as a usage error.
func IsUsage(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassUsage
}

// IsData returns true if the error is classified as a data error.
func IsData(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassData
}

// IsLock returns true if the error is classified as a lock error.
func IsLock(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassLock
}

// IsInternal returns true if the error is classified as internal.
func IsInternal(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassInternal
}

// HasCode reports whether any classified error in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// Common error codes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeAlreadyExists      = "ALREADY_EXISTS"
	CodeCycle              = "CYCLE"
	CodeDuplicate          = "DUPLICATE"
	CodeIllegalInheritance = "ILLEGAL_INHERITANCE"
	CodeMalformed          = "MALFORMED"
	CodeLockFailed         = "LOCK_FAILED"
	CodeMemberNotFound     = "MEMBER_NOT_FOUND"
	CodeNoSource           = "NO_SOURCE"
	CodeTypeMismatch       = "TYPE_MISMATCH"
	CodeIO                 = "IO_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)
