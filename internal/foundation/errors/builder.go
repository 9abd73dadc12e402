package errors

import "time"

// ErrorBuilder provides a fluent API for creating ClassifiedError instances.
// This keeps error creation consistent and discoverable throughout the engine.
type ErrorBuilder struct {
	kind        ErrorKind
	severity    ErrorSeverity
	recoverable bool
	message     string
	cause       error
	context     ErrorContext
}

// New creates a builder with the given kind and message. The recoverable flag
// defaults from the kind table.
func New(kind ErrorKind, message string) *ErrorBuilder {
	return &ErrorBuilder{
		kind:        kind,
		severity:    SeverityError,
		recoverable: recoverableByKind[kind],
		message:     message,
		context:     make(ErrorContext),
	}
}

// Wrap creates a builder that wraps an existing error.
func Wrap(err error, kind ErrorKind, message string) *ErrorBuilder {
	b := New(kind, message)
	b.cause = err
	return b
}

// WithSeverity sets the error severity.
func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.severity = severity
	return b
}

// WithRecoverable overrides the kind's default recoverable flag.
func (b *ErrorBuilder) WithRecoverable(recoverable bool) *ErrorBuilder {
	b.recoverable = recoverable
	return b
}

// WithContext adds a context key-value pair.
func (b *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	b.context = b.context.Set(key, value)
	return b
}

// WithContextMap adds multiple context values.
func (b *ErrorBuilder) WithContextMap(ctx ErrorContext) *ErrorBuilder {
	b.context = b.context.Merge(ctx)
	return b
}

// Fatal sets the severity to fatal.
func (b *ErrorBuilder) Fatal() *ErrorBuilder {
	return b.WithSeverity(SeverityFatal)
}

// Warning sets the severity to warning.
func (b *ErrorBuilder) Warning() *ErrorBuilder {
	return b.WithSeverity(SeverityWarning)
}

// Build creates the final ClassifiedError, stamping the observation time.
func (b *ErrorBuilder) Build() *ClassifiedError {
	return &ClassifiedError{
		kind:        b.kind,
		severity:    b.severity,
		recoverable: b.recoverable,
		message:     b.message,
		cause:       b.cause,
		context:     b.context,
		occurredAt:  time.Now().UTC(),
	}
}

// Convenience constructors for the kinds built in hot paths.

func RepositoryNotFound(message string) *ErrorBuilder {
	return New(KindRepositoryNotFound, message)
}

func Authentication(message string) *ErrorBuilder {
	return New(KindAuthentication, message)
}

func RateLimitExceeded(message string) *ErrorBuilder {
	return New(KindRateLimitExceeded, message)
}

func GitHubAPI(message string) *ErrorBuilder {
	return New(KindGitHubAPI, message)
}

func InvalidRepositoryURL(message string) *ErrorBuilder {
	return New(KindInvalidRepositoryURL, message)
}

func PRConversion(message string) *ErrorBuilder {
	return New(KindPRConversion, message)
}

func Unexpected(message string) *ErrorBuilder {
	return New(KindUnexpected, message)
}
