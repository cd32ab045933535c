package backend

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"chatgate/internal/domain"
	"chatgate/internal/metrics"
)

// fakeBackend returns scripted responses per call.
type fakeBackend struct {
	name  string
	calls int
	// script[i] is the outcome of call i; the last entry repeats.
	script []fakeResult
}

type fakeResult struct {
	resp *domain.ChatResponse
	err  error
}

func (f *fakeBackend) Name() string                      { return f.name }
func (f *fakeBackend) Healthy(ctx context.Context) error { return nil }

func (f *fakeBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	r := f.script[i]
	return r.resp, r.err
}

// fakeStreamBackend emits scripted events, or fails before/after emitting.
type fakeStreamBackend struct {
	fakeBackend
	streamCalls int
	tokens      []string
	failBefore  int // fail with failErr on calls < failBefore
	failAfter   bool // emit tokens, then fail without a done event
	failErr     error
}

func (f *fakeStreamBackend) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)
	call := f.streamCalls
	f.streamCalls++

	if call < f.failBefore {
		return f.failErr
	}

	full := ""
	for _, tok := range f.tokens {
		full += tok
		out <- domain.StreamEvent{Type: domain.StreamToken, Content: tok}
	}
	if f.failAfter {
		return f.failErr
	}
	out <- domain.StreamEvent{Type: domain.StreamDone, Content: full}
	return nil
}

func testRouter(t *testing.T, backends ...domain.Backend) *Router {
	t.Helper()
	r := NewRouter(Config{
		Default:     backends[0].Name(),
		MaxAttempts: 3,
		Timeout:     5 * time.Second,
		BackoffBase: time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	for _, b := range backends {
		r.Register(b, RequestOptions{MaxTokens: 256})
	}
	return r
}

func prompt(text string) *domain.PromptContext {
	return &domain.PromptContext{Query: domain.InboundMessage{Text: text, ConversationID: "c1"}}
}

// --- Complete ---

func TestComplete_Success(t *testing.T) {
	fb := &fakeBackend{name: "fake", script: []fakeResult{
		{resp: &domain.ChatResponse{Content: "hi", FinishReason: "stop"}},
	}}
	r := testRouter(t, fb)

	resp, err := r.Complete(context.Background(), prompt("hello"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Fatalf("wrong content: %q", resp.Content)
	}
	if fb.calls != 1 {
		t.Fatalf("expected 1 call, got %d", fb.calls)
	}
}

func TestComplete_ObservesLatency(t *testing.T) {
	fb := &fakeBackend{name: "fake", script: []fakeResult{
		{resp: &domain.ChatResponse{Content: "hi"}},
	}}
	r := testRouter(t, fb)

	before := metrics.BackendLatency.Count()
	resp, err := r.Complete(context.Background(), prompt("hello"), "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.LatencyMs < 0 {
		t.Fatalf("negative latency: %d", resp.LatencyMs)
	}
	if got := metrics.BackendLatency.Count(); got != before+1 {
		t.Fatalf("expected one latency observation, count %d -> %d", before, got)
	}
}

func TestComplete_FatalNoRetry(t *testing.T) {
	fb := &fakeBackend{name: "fake", script: []fakeResult{
		{err: &HTTPError{Status: 401, Body: "bad key"}},
	}}
	r := testRouter(t, fb)

	_, err := r.Complete(context.Background(), prompt("hello"), "")
	var fatal *domain.BackendFatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected BackendFatalError, got %v", err)
	}
	if fatal.Backend != "fake" {
		t.Fatalf("wrong backend in error: %q", fatal.Backend)
	}
	if fb.calls != 1 {
		t.Fatalf("fatal errors must not retry: %d calls", fb.calls)
	}
}

func TestComplete_TransientRetriesThenSucceeds(t *testing.T) {
	fb := &fakeBackend{name: "fake", script: []fakeResult{
		{err: &HTTPError{Status: 429, Body: "rate limited"}},
		{resp: &domain.ChatResponse{Content: "recovered"}},
	}}
	r := testRouter(t, fb)

	resp, err := r.Complete(context.Background(), prompt("hello"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "recovered" || fb.calls != 2 {
		t.Fatalf("expected recovery on attempt 2, got %q after %d calls", resp.Content, fb.calls)
	}
}

func TestComplete_ExhaustedAtCeiling(t *testing.T) {
	fb := &fakeBackend{name: "fake", script: []fakeResult{
		{err: &HTTPError{Status: 503, Body: "overloaded"}},
	}}
	r := testRouter(t, fb)

	_, err := r.Complete(context.Background(), prompt("hello"), "")
	var exhausted *domain.BackendExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected BackendExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", exhausted.Attempts)
	}
	if fb.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", fb.calls)
	}
}

func TestComplete_UnknownBackend(t *testing.T) {
	r := testRouter(t, &fakeBackend{name: "fake", script: []fakeResult{{resp: &domain.ChatResponse{}}}})

	_, err := r.Complete(context.Background(), prompt("hello"), "missing")
	if !errors.Is(err, domain.ErrNoSuchBackend) {
		t.Fatalf("expected ErrNoSuchBackend, got %v", err)
	}
}

func TestComplete_SelectorOverridesDefault(t *testing.T) {
	a := &fakeBackend{name: "a", script: []fakeResult{{resp: &domain.ChatResponse{Content: "from a"}}}}
	b := &fakeBackend{name: "b", script: []fakeResult{{resp: &domain.ChatResponse{Content: "from b"}}}}
	r := testRouter(t, a, b)

	resp, err := r.Complete(context.Background(), prompt("hello"), "b")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "from b" || a.calls != 0 {
		t.Fatalf("selector ignored: %q, a called %d times", resp.Content, a.calls)
	}
}

// --- Stream ---

func collect(t *testing.T, out <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestStream_ForwardsTokensInOrder(t *testing.T) {
	fb := &fakeStreamBackend{
		fakeBackend: fakeBackend{name: "fake"},
		tokens:      []string{"Hel", "lo", "!"},
	}
	r := testRouter(t, fb)

	out := make(chan domain.StreamEvent)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Stream(context.Background(), prompt("hi"), "", out) }()

	events := collect(t, out)
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 3 tokens + done, got %d events", len(events))
	}
	if events[0].Content != "Hel" || events[1].Content != "lo" || events[2].Content != "!" {
		t.Fatalf("wrong token order: %+v", events)
	}
	if events[3].Type != domain.StreamDone || events[3].Content != "Hello!" {
		t.Fatalf("wrong done event: %+v", events[3])
	}
}

func TestStream_RetriesBeforeFirstToken(t *testing.T) {
	fb := &fakeStreamBackend{
		fakeBackend: fakeBackend{name: "fake"},
		tokens:      []string{"ok"},
		failBefore:  1,
		failErr:     &HTTPError{Status: 500, Body: "boom"},
	}
	r := testRouter(t, fb)

	out := make(chan domain.StreamEvent)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Stream(context.Background(), prompt("hi"), "", out) }()

	events := collect(t, out)
	if err := <-errCh; err != nil {
		t.Fatalf("expected recovery on second attempt: %v", err)
	}
	if fb.streamCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", fb.streamCalls)
	}
	if len(events) != 2 || events[0].Content != "ok" {
		t.Fatalf("wrong events after retry: %+v", events)
	}
}

func TestStream_NoRetryAfterPartialOutput(t *testing.T) {
	fb := &fakeStreamBackend{
		fakeBackend: fakeBackend{name: "fake"},
		tokens:      []string{"par", "tial"},
		failAfter:   true,
		failErr:     &HTTPError{Status: 502, Body: "mid-stream"},
	}
	r := testRouter(t, fb)

	out := make(chan domain.StreamEvent)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Stream(context.Background(), prompt("hi"), "", out) }()

	events := collect(t, out)
	err := <-errCh
	var exhausted *domain.BackendExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected BackendExhaustedError, got %v", err)
	}
	if fb.streamCalls != 1 {
		t.Fatalf("partial output must not be replayed: %d attempts", fb.streamCalls)
	}
	if len(events) != 2 {
		t.Fatalf("expected the partial tokens to reach the consumer: %+v", events)
	}
}

func TestStream_SynthesizedForNonStreamingBackend(t *testing.T) {
	fb := &fakeBackend{name: "plain", script: []fakeResult{
		{resp: &domain.ChatResponse{Content: "whole reply", FinishReason: "stop"}},
	}}
	r := testRouter(t, fb)

	out := make(chan domain.StreamEvent)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Stream(context.Background(), prompt("hi"), "", out) }()

	events := collect(t, out)
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected token + done, got %+v", events)
	}
	if events[0].Type != domain.StreamToken || events[0].Content != "whole reply" {
		t.Fatalf("wrong synthesized token: %+v", events[0])
	}
	if events[1].Type != domain.StreamDone {
		t.Fatalf("missing done event: %+v", events[1])
	}
}

func TestStream_ClosesOutOnSelectorError(t *testing.T) {
	r := testRouter(t, &fakeBackend{name: "fake", script: []fakeResult{{resp: &domain.ChatResponse{}}}})

	out := make(chan domain.StreamEvent)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Stream(context.Background(), prompt("hi"), "missing", out) }()

	events := collect(t, out) // returns only if out is closed
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	if err := <-errCh; !errors.Is(err, domain.ErrNoSuchBackend) {
		t.Fatalf("expected ErrNoSuchBackend, got %v", err)
	}
}
