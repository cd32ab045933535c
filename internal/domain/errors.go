package domain

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPayload marks a platform event with no usable text content
// (presence updates, reactions, bot echoes). Such events are dropped, never
// escalated.
var ErrUnsupportedPayload = errors.New("unsupported payload")

// ErrStoreUnavailable marks a backing-store outage. Callers degrade to
// recent-only or empty context instead of aborting the turn.
var ErrStoreUnavailable = errors.New("memory store unavailable")

// ErrNoSuchBackend is returned when a selector names an unconfigured backend.
var ErrNoSuchBackend = errors.New("no such backend")

// BackendFatalError is a non-retryable backend failure (auth, malformed
// request). It propagates immediately without retries.
type BackendFatalError struct {
	Backend string
	Err     error
}

func (e *BackendFatalError) Error() string {
	return fmt.Sprintf("backend %s: fatal: %v", e.Backend, e.Err)
}

func (e *BackendFatalError) Unwrap() error { return e.Err }

// BackendExhaustedError is returned when transient failures (rate limit,
// timeout, 5xx) persist past the retry ceiling.
type BackendExhaustedError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *BackendExhaustedError) Error() string {
	return fmt.Sprintf("backend %s: exhausted after %d attempts: %v", e.Backend, e.Attempts, e.Err)
}

func (e *BackendExhaustedError) Unwrap() error { return e.Err }

// DeliveryError reports a failed platform send. Non-fatal: the conversation
// still advances and the reply is considered lost, not requeued.
type DeliveryError struct {
	Platform string
	ChatID   string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s chat %s failed: %v", e.Platform, e.ChatID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
