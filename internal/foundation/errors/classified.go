package errors

import (
	"fmt"
	"time"
)

// ClassifiedError is a structured error carrying a kind from the engine's
// taxonomy, a recoverable flag, a context bag, and the time it was observed.
// Errors are collected into results rather than thrown wherever a partial
// result is meaningful, so classification has to survive aggregation.
type ClassifiedError struct {
	kind        ErrorKind
	severity    ErrorSeverity
	recoverable bool
	message     string
	cause       error
	context     ErrorContext
	occurredAt  time.Time
}

// Error implements the standard error interface.
func (e *ClassifiedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.kind, e.message)
}

// Unwrap implements Go 1.13+ error unwrapping.
func (e *ClassifiedError) Unwrap() error { return e.cause }

// Kind returns the taxonomy kind.
func (e *ClassifiedError) Kind() ErrorKind { return e.kind }

// Severity returns the error severity.
func (e *ClassifiedError) Severity() ErrorSeverity { return e.severity }

// Recoverable reports whether a later cycle can plausibly succeed.
func (e *ClassifiedError) Recoverable() bool { return e.recoverable }

// Message returns the human-readable message without kind decoration.
func (e *ClassifiedError) Message() string { return e.message }

// Context returns the structured context bag.
func (e *ClassifiedError) Context() ErrorContext { return e.context }

// OccurredAt returns when the error was built.
func (e *ClassifiedError) OccurredAt() time.Time { return e.occurredAt }

// WithContext returns a copy with one more context value.
func (e *ClassifiedError) WithContext(key string, value any) *ClassifiedError {
	clone := *e
	clone.context = e.context.Merge(ErrorContext{key: value})
	return &clone
}

// Is matches on kind so callers can use errors.Is with a bare kind sentinel.
func (e *ClassifiedError) Is(target error) bool {
	other, ok := target.(*ClassifiedError)
	if !ok {
		return false
	}
	if other.message == "" {
		return e.kind == other.kind
	}
	return e.kind == other.kind && e.message == other.message
}

// AsClassified attempts to convert an error to a ClassifiedError.
func AsClassified(err error) (*ClassifiedError, bool) {
	classified, ok := err.(*ClassifiedError)
	return classified, ok
}

// KindOf extracts the kind from an error, defaulting to unexpected_error.
func KindOf(err error) ErrorKind {
	if classified, ok := AsClassified(err); ok {
		return classified.Kind()
	}
	return KindUnexpected
}

// IsRecoverable reports the recoverable flag, defaulting to true for
// unclassified errors (a later cycle retries them).
func IsRecoverable(err error) bool {
	if classified, ok := AsClassified(err); ok {
		return classified.Recoverable()
	}
	return true
}

// HasKind checks whether err carries the given kind.
func HasKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
