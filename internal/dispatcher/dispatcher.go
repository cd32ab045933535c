// Package dispatcher delivers replies back to the originating platform:
// chunking to the platform's message limit, buffered streaming, and a
// single retry on delivery failure.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatgate/internal/domain"
	"chatgate/internal/metrics"
)

// Deliverer is the platform side of outbound delivery. Adapters send
// raw text; the dispatcher owns chunking and ordering.
type Deliverer interface {
	Name() string
	MaxMessageLen() int
	Deliver(ctx context.Context, chatID, text string) error
}

const (
	// streamFlushLen is the buffered-stream flush threshold when no
	// sentence boundary shows up.
	streamFlushLen = 600
	retryDelay     = 500 * time.Millisecond
)

// Dispatcher routes outbound text to the registered platform adapters.
type Dispatcher struct {
	deliverers map[string]Deliverer
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		deliverers: make(map[string]Deliverer),
		logger:     logger,
	}
}

// Register adds a platform adapter under its own name.
func (d *Dispatcher) Register(del Deliverer) {
	d.deliverers[del.Name()] = del
}

// Send delivers text to a chat, split into ordered chunks at the
// platform limit. Each chunk gets one retry; a chunk that fails twice
// aborts the send and the rest of the reply is dropped.
func (d *Dispatcher) Send(ctx context.Context, platform, chatID, text string) error {
	del, ok := d.deliverers[platform]
	if !ok {
		return &domain.DeliveryError{Platform: platform, ChatID: chatID,
			Err: fmt.Errorf("no adapter registered")}
	}

	chunks := splitMessage(text, del.MaxMessageLen())
	for i, chunk := range chunks {
		if err := d.deliverChunk(ctx, del, chatID, chunk); err != nil {
			metrics.DeliveryFailures.Inc()
			d.logger.Error("delivery failed, dropping rest of reply",
				"platform", platform, "chat", chatID,
				"chunk", i+1, "of", len(chunks), "error", err)
			return &domain.DeliveryError{Platform: platform, ChatID: chatID, Err: err}
		}
	}
	return nil
}

// deliverChunk attempts a send, retrying once after a short delay.
func (d *Dispatcher) deliverChunk(ctx context.Context, del Deliverer, chatID, chunk string) error {
	err := del.Deliver(ctx, chatID, chunk)
	if err == nil {
		return nil
	}
	d.logger.Warn("delivery failed, retrying once",
		"platform", del.Name(), "chat", chatID, "error", err)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryDelay):
	}
	return del.Deliver(ctx, chatID, chunk)
}

// SendStream consumes backend stream events, flushing buffered text as
// separate messages at sentence or size boundaries. Returns the full
// accumulated reply for persistence, even when delivery fails partway.
func (d *Dispatcher) SendStream(ctx context.Context, platform, chatID string, events <-chan domain.StreamEvent) (string, error) {
	_, ok := d.deliverers[platform]
	if !ok {
		// Drain so the producer is not blocked forever.
		full := drainStream(events)
		return full, &domain.DeliveryError{Platform: platform, ChatID: chatID,
			Err: fmt.Errorf("no adapter registered")}
	}

	var full strings.Builder
	var buf strings.Builder
	var sendErr error

	flush := func() {
		if buf.Len() == 0 || sendErr != nil {
			return
		}
		if err := d.Send(ctx, platform, chatID, buf.String()); err != nil {
			sendErr = err
		}
		buf.Reset()
	}

	for ev := range events {
		switch ev.Type {
		case domain.StreamToken:
			full.WriteString(ev.Content)
			buf.WriteString(ev.Content)
			if buf.Len() >= streamFlushLen || endsAtSentence(buf.String()) {
				flush()
			}
		case domain.StreamDone:
			// done carries the authoritative full text when set
			if ev.Content != "" && ev.Content != full.String() {
				missing := strings.TrimPrefix(ev.Content, full.String())
				full.Reset()
				full.WriteString(ev.Content)
				buf.WriteString(missing)
			}
		case domain.StreamError:
			d.logger.Warn("stream error event", "platform", platform, "error", ev.Content)
		}
	}
	flush()

	return full.String(), sendErr
}

// endsAtSentence reports whether the buffer ends at a natural break:
// a sentence terminator or a paragraph boundary. Short buffers never
// flush, to avoid one-word messages.
func endsAtSentence(s string) bool {
	if len(s) < 120 {
		return false
	}
	if strings.HasSuffix(s, "\n\n") {
		return true
	}
	trimmed := strings.TrimRight(s, " \n")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func drainStream(events <-chan domain.StreamEvent) string {
	var full strings.Builder
	for ev := range events {
		if ev.Type == domain.StreamToken {
			full.WriteString(ev.Content)
		} else if ev.Type == domain.StreamDone && ev.Content != "" {
			full.Reset()
			full.WriteString(ev.Content)
		}
	}
	return full.String()
}

// splitMessage splits text into chunks no longer than maxLen, preferring
// to cut at a newline in the second half of the window.
func splitMessage(msg string, maxLen int) []string {
	if maxLen <= 0 || len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
