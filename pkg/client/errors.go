package client

import (
	"errors"
	"fmt"
)

// ErrStaleSince signals that the server no longer recognizes the resync
// anchor; callers must fall back to a full history fetch.
var ErrStaleSince = errors.New("stale since id")

// ErrUnauthorized signals an explicit membership denial, never retried.
var ErrUnauthorized = errors.New("access denied")

// HTTPError represents a non-2xx HTTP response from the API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus returns true if err (or any wrapped error) is an HTTPError with the given status code.
func IsStatus(err error, code int) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == code
	}
	return false
}
