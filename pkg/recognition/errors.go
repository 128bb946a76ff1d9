package recognition

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrNoAPIKey is returned when a backend needs credentials and has none.
	ErrNoAPIKey = errors.New("recognition: API key required")

	// ErrNoBaseURL is returned when the HTTP backend has no endpoint.
	ErrNoBaseURL = errors.New("recognition: base URL required")

	// ErrEmptyImage is returned when submitting an image with no data.
	ErrEmptyImage = errors.New("recognition: empty image")

	// ErrInvalidDocumentType is returned for unknown document type hints.
	ErrInvalidDocumentType = errors.New("recognition: invalid document type")

	// ErrProviderUnavailable is returned when no backends are configured.
	ErrProviderUnavailable = errors.New("recognition: provider unavailable")
)

// APIError represents an error response from a recognition service.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error detail from the service.
	Message string

	// Provider identifies which backend returned the error.
	Provider string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("recognition [%s]: API error %d: %s",
		e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error (HTTP 429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsBadRequest returns true if the service rejected the upload (HTTP 400 or 422).
func (e *APIError) IsBadRequest() bool {
	return e.StatusCode == 400 || e.StatusCode == 422
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true if the request should be retried.
func (e *APIError) IsRetryable() bool {
	return e.IsRateLimited() || e.IsServerError()
}

// ProviderError wraps an error with provider context.
type ProviderError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("recognition [%s]: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with provider context.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}

// ChainError aggregates errors from all submitters in a chain.
type ChainError struct {
	Errors []error
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	if len(e.Errors) == 0 {
		return "recognition chain: no errors recorded"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("recognition chain: %v", e.Errors[0])
	}
	return fmt.Sprintf("recognition chain: all %d providers failed, last error: %v",
		len(e.Errors), e.Errors[len(e.Errors)-1])
}

// Unwrap returns every recorded error so errors.Is and errors.As can match
// any of them.
func (e *ChainError) Unwrap() []error {
	return e.Errors
}
