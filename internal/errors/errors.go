package errors

import (
	stderrors "errors"
	"fmt"
)

// AnnexError is the structured error type for Annex.
// It provides rich context for error handling, logging, and user presentation.
type AnnexError struct {
	// Code is the unique error code (e.g., "ERR_101_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Lifecycle, IO, Provider, etc.).
	Category Category

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *AnnexError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *AnnexError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with AnnexError.
func (e *AnnexError) Is(target error) bool {
	if t, ok := target.(*AnnexError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *AnnexError) WithDetail(key, value string) *AnnexError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *AnnexError) WithSuggestion(suggestion string) *AnnexError {
	e.Suggestion = suggestion
	return e
}

// New creates a new AnnexError with the given code and message.
// Category and retryable flag are derived from the code.
func New(code string, message string, cause error) *AnnexError {
	return &AnnexError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new AnnexError with a formatted message and no cause.
func Newf(code string, format string, args ...any) *AnnexError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates an AnnexError from an existing error.
// The error's message becomes the AnnexError message.
func Wrap(code string, err error) *AnnexError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// IsCode checks whether err (or any error it wraps) is an AnnexError
// carrying the given code.
func IsCode(err error, code string) bool {
	var ae *AnnexError
	if stderrors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is an AnnexError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ae, ok := err.(*AnnexError); ok {
		return ae.Retryable
	}
	return false
}

// GetCode extracts the error code from an AnnexError.
// Returns empty string if not an AnnexError.
func GetCode(err error) string {
	if ae, ok := err.(*AnnexError); ok {
		return ae.Code
	}
	return ""
}

// GetCategory extracts the category from an AnnexError.
// Returns empty string if not an AnnexError.
func GetCategory(err error) Category {
	if ae, ok := err.(*AnnexError); ok {
		return ae.Category
	}
	return ""
}
