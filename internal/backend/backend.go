// Package backend implements the LLM backend clients and the router
// that selects among them with retry and backoff.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultMaxTokens   = 1024
	defaultHTTPTimeout = 120 * time.Second
)

// HTTPError carries the status of a non-2xx backend response so the
// router can tell transient failures from fatal ones.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// isTransient reports whether a backend error is worth retrying:
// rate limits, server errors, timeouts and network failures. Client
// errors (bad request, auth, unknown model) are fatal.
func isTransient(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Anything else is a transport-level failure: connection refused,
	// reset, DNS. All retryable.
	return true
}
