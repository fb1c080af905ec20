// Package netutil provides outbound HTTP plumbing shared by the attendance
// bridge, push dispatch, and GeoIP database fetches: typed failures, a
// bounded-backoff retry helper, and small JSON/byte clients.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// HTTPStatusError indicates the server responded, but with an unexpected
// HTTP status code. Body holds a capped prefix of the response payload so
// callers can classify downstream application errors.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("netutil: unexpected status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError indicates request setup failed before any transport
// attempt was made (for example, malformed URL or unmarshalable payload).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("netutil: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a failed call is worth repeating. Transport
// failures and server-side hiccups (5xx, 429) are retryable; caller
// cancellation, setup failures, and other 4xx responses are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	return true
}
