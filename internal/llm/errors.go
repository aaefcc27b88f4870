package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// APIError is a structured error from the backend API. The invoker's
// retry policy branches on it, so classification lives here next to the
// wire format rather than in the agent package.
type APIError struct {
	StatusCode int    // HTTP status
	Type       string // provider error type, e.g. "rate_limit_error"
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("backend API error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("backend API error %d: %s", e.StatusCode, e.Message)
}

// Provider error types that get dedicated handling.
const (
	errTypeRateLimit  = "rate_limit_error"
	errTypeOverloaded = "overloaded_error"
	errTypeUsageLimit = "usage_limit_exceeded"
)

// IsRateLimit reports whether err is transient upstream throttling:
// worth retrying with backoff.
func IsRateLimit(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return true
	case apiErr.Type == errTypeRateLimit, apiErr.Type == errTypeOverloaded:
		return true
	}
	return false
}

// IsUsageLimit reports whether err is the hard per-turn resource cap.
// Retrying cannot fix it: the request itself is too expensive, usually
// because accumulated history pushed it over the cap.
func IsUsageLimit(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Type == errTypeUsageLimit
}

// IsCancellation reports whether err is the caller giving up, which is
// never retried and never resets the conversation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
