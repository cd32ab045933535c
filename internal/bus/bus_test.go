package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"chatgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Publish / Subscribe ---

func TestPublishSubscribe(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	msg := domain.InboundMessage{
		ConversationID: "discord:c1",
		Platform:       domain.PlatformDiscord,
		Text:           "hello",
	}
	b.Publish(msg)

	select {
	case got := <-b.Subscribe():
		if got.Text != "hello" {
			t.Fatalf("expected 'hello', got %q", got.Text)
		}
		if got.ConversationID != "discord:c1" {
			t.Fatalf("wrong conversation: %q", got.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Publish(domain.InboundMessage{Text: string(rune('a' + i))})
	}

	ch := b.Subscribe()
	for i := 0; i < 5; i++ {
		got := <-ch
		want := string(rune('a' + i))
		if got.Text != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, got.Text)
		}
	}
}

// --- Close ---

func TestPublishAfterCloseDoesNotPanic(t *testing.T) {
	b := New(10, testLogger())
	b.Close()
	b.Publish(domain.InboundMessage{Text: "late"}) // must not panic
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(10, testLogger())
	b.Close()
	b.Close()
}

func TestSubscribeChannelClosesOnClose(t *testing.T) {
	b := New(10, testLogger())
	ch := b.Subscribe()
	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}
