package backend

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"chatgate/internal/domain"
	"chatgate/internal/metrics"
)

// Config tunes the router's retry behavior.
type Config struct {
	Default     string
	MaxAttempts int
	Timeout     time.Duration // per-attempt wall clock
	BackoffBase time.Duration
	Logger      *slog.Logger
}

// RequestOptions are per-backend generation parameters applied to every
// request routed to that backend.
type RequestOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

type registration struct {
	backend domain.Backend
	opts    RequestOptions
}

// Router selects a backend and drives the retry loop around it.
// Transient failures are retried with exponential backoff up to the
// attempt ceiling; fatal failures propagate immediately.
type Router struct {
	backends map[string]registration
	cfg      Config
	logger   *slog.Logger
}

func NewRouter(cfg Config) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		backends: make(map[string]registration),
		cfg:      cfg,
		logger:   logger,
	}
}

// Register adds a backend under its own name.
func (r *Router) Register(b domain.Backend, opts RequestOptions) {
	r.backends[b.Name()] = registration{backend: b, opts: opts}
}

// Names returns the registered backend names.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

func (r *Router) pick(selector string) (registration, error) {
	name := selector
	if name == "" {
		name = r.cfg.Default
	}
	reg, ok := r.backends[name]
	if !ok {
		return registration{}, fmt.Errorf("%w: %q", domain.ErrNoSuchBackend, name)
	}
	return reg, nil
}

func (r *Router) buildRequest(pc *domain.PromptContext, opts RequestOptions) domain.ChatRequest {
	return domain.ChatRequest{
		Messages:    pc.Messages(),
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
}

// Complete runs one chat completion against the selected backend with
// the full retry loop.
func (r *Router) Complete(ctx context.Context, pc *domain.PromptContext, selector string) (*domain.ChatResponse, error) {
	reg, err := r.pick(selector)
	if err != nil {
		return nil, err
	}
	return r.complete(ctx, reg, r.buildRequest(pc, reg.opts))
}

func (r *Router) complete(ctx context.Context, reg registration, req domain.ChatRequest) (*domain.ChatResponse, error) {
	name := reg.backend.Name()
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := r.waitBackoff(ctx, attempt, name); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		resp, err := reg.backend.Chat(callCtx, req)
		cancel()

		if err == nil {
			elapsed := time.Since(start)
			resp.LatencyMs = elapsed.Milliseconds()
			metrics.BackendLatency.Observe(elapsed.Seconds())
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTransient(err) {
			return nil, &domain.BackendFatalError{Backend: name, Err: err}
		}

		lastErr = err
		r.logger.Warn("backend call failed, will retry",
			"backend", name, "attempt", attempt, "error", err)
	}

	return nil, &domain.BackendExhaustedError{Backend: name, Attempts: r.cfg.MaxAttempts, Err: lastErr}
}

// Stream drives a streaming completion, sending events on out and
// closing it before returning. Retries only apply while nothing has been
// emitted; once the consumer has seen a token the attempt is committed.
// Non-streaming backends get a synthesized two-event stream.
func (r *Router) Stream(ctx context.Context, pc *domain.PromptContext, selector string, out chan<- domain.StreamEvent) error {
	defer close(out)

	reg, err := r.pick(selector)
	if err != nil {
		return err
	}
	req := r.buildRequest(pc, reg.opts)

	sb, ok := reg.backend.(domain.StreamingBackend)
	if !ok {
		resp, err := r.complete(ctx, reg, req)
		if err != nil {
			return err
		}
		out <- domain.StreamEvent{Type: domain.StreamToken, Content: resp.Content}
		out <- domain.StreamEvent{Type: domain.StreamDone, Content: resp.Content, Usage: &resp.Usage}
		return nil
	}

	name := reg.backend.Name()
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := r.waitBackoff(ctx, attempt, name); err != nil {
				return err
			}
		}

		// Fresh intermediate channel per attempt: the backend owns its
		// closing, and a failed attempt must not close out.
		mid := make(chan domain.StreamEvent, 16)
		emitted := 0
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for ev := range mid {
				select {
				case out <- ev:
					emitted++
				case <-ctx.Done():
					// Drain so the backend can finish closing mid.
					for range mid {
					}
					return
				}
			}
		}()

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		err := sb.ChatStream(callCtx, req, mid)
		cancel()
		<-forwarded

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			return &domain.BackendFatalError{Backend: name, Err: err}
		}
		if emitted > 0 {
			// Partial output already reached the consumer; replaying
			// would duplicate it.
			return &domain.BackendExhaustedError{Backend: name, Attempts: attempt, Err: err}
		}

		lastErr = err
		r.logger.Warn("stream attempt failed before first token, will retry",
			"backend", name, "attempt", attempt, "error", err)
	}

	return &domain.BackendExhaustedError{Backend: name, Attempts: r.cfg.MaxAttempts, Err: lastErr}
}

// waitBackoff sleeps for the exponential backoff of the given attempt.
// Jitter up to half the delay prevents a thundering herd.
func (r *Router) waitBackoff(ctx context.Context, attempt int, backend string) error {
	base := r.cfg.BackoffBase << (attempt - 2)
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	delay := base + jitter

	r.logger.Warn("retrying backend", "backend", backend, "attempt", attempt, "backoff", delay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
