package errors

import (
	stderrors "errors"
	"fmt"
)

// IndexError is the structured error returned by every index operation.
// Callers match on the code with errors.Is against the sentinels below,
// or extract the full value with errors.As.
type IndexError struct {
	// Code is the unique error code (e.g., "ERR_407_NOT_INITIALIZED").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details carries context such as the operation and collection name.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error

	// Retryable is advisory. Nothing inside the index retries on its own.
	Retryable bool

	// Suggestion is an actionable hint for the user.
	Suggestion string
}

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrNotInitialized     = &IndexError{Code: ErrCodeNotInitialized}
	ErrBackendUnavailable = &IndexError{Code: ErrCodeBackendUnavailable}
	ErrFilterUnsupported  = &IndexError{Code: ErrCodeFilterUnsupported}
	ErrEmbeddingFailed    = &IndexError{Code: ErrCodeEmbeddingFailed}
	ErrOperationTimeout   = &IndexError{Code: ErrCodeOperationTimeout}
	ErrInvalidInput       = &IndexError{Code: ErrCodeInvalidInput}
	ErrQueryEmpty         = &IndexError{Code: ErrCodeQueryEmpty}
	ErrDuplicateID        = &IndexError{Code: ErrCodeDuplicateID}
	ErrDimensionMismatch  = &IndexError{Code: ErrCodeDimensionMismatch}
	ErrCollectionLocked   = &IndexError{Code: ErrCodeCollectionLock}
	ErrNoSuchCollection   = &IndexError{Code: ErrCodeNoSuchCollection}
)

// Error implements the error interface.
func (e *IndexError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an IndexError with the same code.
func (e *IndexError) Is(target error) bool {
	if t, ok := target.(*IndexError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *IndexError) WithDetail(key, value string) *IndexError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *IndexError) WithSuggestion(suggestion string) *IndexError {
	e.Suggestion = suggestion
	return e
}

// WithOp records the operation and collection the error occurred in.
// Empty values are skipped.
func (e *IndexError) WithOp(op, collection string) *IndexError {
	if op != "" {
		e.WithDetail("operation", op)
	}
	if collection != "" {
		e.WithDetail("collection", collection)
	}
	return e
}

// New creates a new IndexError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *IndexError {
	return &IndexError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an IndexError from an existing error.
// An error that already is an IndexError is returned unchanged.
func Wrap(code string, err error) *IndexError {
	if err == nil {
		return nil
	}
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie
	}
	return New(code, err.Error(), err)
}

// NotInitialized is returned by any backend operation issued before
// InitializeCollection completed.
func NotInitialized(op string) *IndexError {
	return New(ErrCodeNotInitialized, op+" called before a collection was initialized", nil).
		WithDetail("operation", op).
		WithSuggestion("Call InitializeCollection first")
}

// NoSuchCollection is returned when a read names a collection that was
// never created.
func NoSuchCollection(op, collection string) *IndexError {
	return New(ErrCodeNoSuchCollection, "collection "+collection+" does not exist", nil).
		WithOp(op, collection).
		WithSuggestion("Ingest documents into the collection first")
}

// BackendUnavailable wraps a storage or connectivity failure.
func BackendUnavailable(op, collection string, cause error) *IndexError {
	return New(ErrCodeBackendUnavailable, "backend unavailable", cause).WithOp(op, collection)
}

// FilterUnsupported is returned for filter shapes a backend cannot express.
func FilterUnsupported(reason string) *IndexError {
	return New(ErrCodeFilterUnsupported, "unsupported filter: "+reason, nil).
		WithSuggestion("Use field equality, {\"$eq\": v} or {\"$and\": [...]}")
}

// EmbeddingFailed wraps a failure of the embedding capability.
func EmbeddingFailed(op, collection string, cause error) *IndexError {
	return New(ErrCodeEmbeddingFailed, "embedding failed", cause).WithOp(op, collection)
}

// OperationTimeout is returned when an operation held the write slot too long.
func OperationTimeout(op, collection string) *IndexError {
	return New(ErrCodeOperationTimeout, op+" exceeded its time limit", nil).WithOp(op, collection)
}

// DuplicateID reports an id repeated inside one batch.
func DuplicateID(id string) *IndexError {
	return New(ErrCodeDuplicateID, "duplicate id in batch: "+id, nil).WithDetail("id", id)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *IndexError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IOError creates an I/O-related error.
func IOError(message string, cause error) *IndexError {
	return New(ErrCodeFileNotFound, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *IndexError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *IndexError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable reports whether any IndexError in the chain is retryable.
func IsRetryable(err error) bool {
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code, or "" if err carries none.
func GetCode(err error) string {
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// GetCategory extracts the category, or "" if err carries none.
func GetCategory(err error) Category {
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Category
	}
	return ""
}
