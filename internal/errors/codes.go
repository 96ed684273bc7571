// Package errors defines the coded errors returned by ragindex.
//
// Codes read ERR_<number>_<NAME>. The leading digit of the number is the
// category: 1 config, 2 storage files, 3 backend and network,
// 4 validation and contract misuse, 5 internal.
package errors

import "strings"

// Category groups codes by their leading digit.
type Category string

const (
	CategoryConfig     Category = "CONFIG"
	CategoryIO         Category = "IO"
	CategoryBackend    Category = "BACKEND"
	CategoryValidation Category = "VALIDATION"
	CategoryInternal   Category = "INTERNAL"
)

// Severity tells a caller how to treat a failure.
// Fatal means the collection data cannot be trusted; Info is a logged skip.
type Severity string

const (
	SeverityFatal   Severity = "FATAL"
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

const (
	ErrCodeConfigInvalid = "ERR_102_CONFIG_INVALID"

	ErrCodeFileNotFound   = "ERR_201_FILE_NOT_FOUND"
	ErrCodeCorruptIndex   = "ERR_205_CORRUPT_INDEX"
	ErrCodeCollectionLock = "ERR_207_COLLECTION_LOCKED"

	ErrCodeNetworkTimeout     = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeBackendUnavailable = "ERR_304_BACKEND_UNAVAILABLE"
	ErrCodeOperationTimeout   = "ERR_305_OPERATION_TIMEOUT"

	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty        = "ERR_404_QUERY_EMPTY"
	ErrCodeNotInitialized    = "ERR_407_NOT_INITIALIZED"
	ErrCodeFilterUnsupported = "ERR_408_FILTER_UNSUPPORTED"
	ErrCodeDuplicateID       = "ERR_409_DUPLICATE_ID"
	ErrCodeNoSuchCollection  = "ERR_410_NO_SUCH_COLLECTION"

	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	ErrCodeIndexFailed     = "ERR_505_INDEX_FAILED"
)

func categoryFromCode(code string) Category {
	if !strings.HasPrefix(code, "ERR_") || len(code) < 5 {
		return CategoryInternal
	}
	switch code[len("ERR_")] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryBackend
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex:
		return SeverityFatal
	case ErrCodeDuplicateID:
		return SeverityInfo
	}
	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode reports codes a caller may retry unchanged.
// Nothing in this module retries on its own.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetworkTimeout, ErrCodeBackendUnavailable, ErrCodeOperationTimeout, ErrCodeCollectionLock:
		return true
	default:
		return false
	}
}
