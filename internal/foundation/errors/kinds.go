package errors

import "maps"

// ErrorKind is the discovery engine's error taxonomy. Every error produced by
// the engine carries exactly one kind; the kind decides routing (counters,
// retry, priority boost) without string matching on messages.
type ErrorKind string

const (
	KindRepositoryNotFound   ErrorKind = "repository_not_found"
	KindAuthentication       ErrorKind = "authentication_error"
	KindRateLimitExceeded    ErrorKind = "rate_limit_exceeded"
	KindGitHubAPI            ErrorKind = "github_api_error"
	KindInvalidRepositoryURL ErrorKind = "invalid_repository_url"
	KindPRConversion         ErrorKind = "pr_conversion_error"
	KindRepositoryProcessing ErrorKind = "repository_processing_error"
	KindDiscoveryCycle       ErrorKind = "discovery_cycle_error"
	KindPRBatchSync          ErrorKind = "pr_batch_sync_error"
	KindSynchronization      ErrorKind = "synchronization_error"
	KindUnexpected           ErrorKind = "unexpected_error"
)

// recoverableByKind records the default recoverable flag per kind. A builder
// can override it, but in practice the kind decides.
var recoverableByKind = map[ErrorKind]bool{
	KindRepositoryNotFound:   false,
	KindAuthentication:       false,
	KindRateLimitExceeded:    true,
	KindGitHubAPI:            true,
	KindInvalidRepositoryURL: false,
	KindPRConversion:         true,
	KindRepositoryProcessing: true,
	KindDiscoveryCycle:       true,
	KindPRBatchSync:          true,
	KindSynchronization:      true,
	KindUnexpected:           true,
}

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution completely
	SeverityError   ErrorSeverity = "error"   // Fails the current operation
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
)

// ErrorContext provides structured context for errors (ids, status codes,
// reset times).
type ErrorContext map[string]any

// Set adds or updates a context value.
func (c ErrorContext) Set(key string, value any) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	c[key] = value
	return c
}

// Get retrieves a context value.
func (c ErrorContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	value, exists := c[key]
	return value, exists
}

// GetString retrieves a string context value.
func (c ErrorContext) GetString(key string) (string, bool) {
	if value, exists := c.Get(key); exists {
		if str, ok := value.(string); ok {
			return str, true
		}
	}
	return "", false
}

// GetInt retrieves an int context value.
func (c ErrorContext) GetInt(key string) (int, bool) {
	if value, exists := c.Get(key); exists {
		if n, ok := value.(int); ok {
			return n, true
		}
	}
	return 0, false
}

// Merge combines two contexts, with other taking precedence.
func (c ErrorContext) Merge(other ErrorContext) ErrorContext {
	if c == nil {
		return other
	}
	if other == nil {
		return c
	}
	result := make(ErrorContext)
	maps.Copy(result, c)
	maps.Copy(result, other)
	return result
}
