// Package errors provides structured error handling for Annex.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Lifecycle errors (create/resume/destroy guards)
//   - 2XX: IO errors (offload directory, descriptor files)
//   - 3XX: Provider errors (registry guards, embedding calls)
//   - 4XX: Validation errors
//   - 5XX: Sandbox and internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryLifecycle indicates index lifecycle guard violations.
	CategoryLifecycle Category = "LIFECYCLE"
	// CategoryIO indicates offload-directory I/O errors.
	CategoryIO Category = "IO"
	// CategoryProvider indicates embedding-provider errors.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates sandbox and unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Error codes organized by category.
const (
	// Lifecycle errors (100-199)
	ErrCodeNotFound           = "ERR_101_NOT_FOUND"
	ErrCodeExists             = "ERR_102_EXISTS"
	ErrCodeAlreadyRunning     = "ERR_103_ALREADY_RUNNING"
	ErrCodeCapacity           = "ERR_104_CAPACITY"
	ErrCodeNamespaceForbidden = "ERR_105_NAMESPACE_FORBIDDEN"

	// IO errors (200-299)
	ErrCodeIOFailed = "ERR_201_IO_FAILED"

	// Provider errors (300-399)
	ErrCodeProviderNotFound        = "ERR_301_PROVIDER_NOT_FOUND"
	ErrCodeProviderInUse           = "ERR_302_PROVIDER_IN_USE"
	ErrCodeProviderDimensionChange = "ERR_303_PROVIDER_DIMENSION_CHANGE"
	ErrCodeEmbeddingFailed         = "ERR_304_EMBEDDING_FAILED"

	// Validation errors (400-499)
	ErrCodeDocWithoutContent = "ERR_401_DOC_WITHOUT_CONTENT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"

	// Sandbox and internal errors (500-599)
	ErrCodeSandboxFailed = "ERR_501_SANDBOX_FAILED"
	ErrCodeTimeout       = "ERR_502_TIMEOUT"
	ErrCodeInternal      = "ERR_503_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract the leading digit (e.g., "1" from "ERR_101_NOT_FOUND")
	switch code[4] {
	case '1':
		return CategoryLifecycle
	case '2':
		return CategoryIO
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// isRetryableCode checks if an error code represents a retryable error.
// A timed-out sandbox call leaves the live entry intact, so the caller
// may simply issue the call again.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeEmbeddingFailed:
		return true
	default:
		return false
	}
}
