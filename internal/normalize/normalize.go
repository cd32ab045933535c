// Package normalize converts platform-specific events into the canonical
// inbound message format. It is a pure transform: events without usable
// text content are rejected, never escalated.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatgate/internal/domain"
)

// EventKind classifies a raw platform event.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventPresence EventKind = "presence"
	EventReaction EventKind = "reaction"
	EventJoin     EventKind = "join"
)

// PlatformEvent is the minimal adapter-supplied view of a wire event.
// Adapters fill in what their protocol exposes; EventID should be the
// platform's own message ID so redelivered events map to the same turn.
type PlatformEvent struct {
	Platform    string
	Kind        EventKind
	EventID     string
	ChannelID   string
	ThreadID    string
	AuthorID    string
	AuthorIsBot bool
	SelfID      string // the bot's own user ID on this platform
	Text        string
	Attachments []string
	Timestamp   time.Time
}

// Normalize turns a platform event into an InboundMessage. Returns an error
// wrapping domain.ErrUnsupportedPayload for events the pipeline cannot
// process: non-message events, the bot's own echoes, other bots, and
// messages with neither text nor attachments.
func Normalize(ev PlatformEvent) (domain.InboundMessage, error) {
	var zero domain.InboundMessage

	if ev.Kind != EventMessage {
		return zero, fmt.Errorf("%w: event kind %q", domain.ErrUnsupportedPayload, ev.Kind)
	}
	if ev.SelfID != "" && ev.AuthorID == ev.SelfID {
		return zero, fmt.Errorf("%w: own message", domain.ErrUnsupportedPayload)
	}
	if ev.AuthorIsBot {
		return zero, fmt.Errorf("%w: bot author", domain.ErrUnsupportedPayload)
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" && len(ev.Attachments) == 0 {
		return zero, fmt.Errorf("%w: no text content", domain.ErrUnsupportedPayload)
	}
	text = appendAttachments(text, ev.Attachments)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	convID := domain.ConversationKey(ev.Platform, ev.ChannelID, ev.ThreadID)
	return domain.InboundMessage{
		ConversationID: convID,
		TurnID:         turnID(ev, convID),
		Platform:       ev.Platform,
		ChannelID:      ev.ChannelID,
		ThreadID:       ev.ThreadID,
		AuthorID:       ev.AuthorID,
		Text:           text,
		Attachments:    ev.Attachments,
		ReceivedAt:     ts,
	}, nil
}

// appendAttachments renders attachment URLs into the message text, one
// per line, so the backend and the memory store see them. Platforms
// deliver the files themselves out of band.
func appendAttachments(text string, urls []string) string {
	if len(urls) == 0 {
		return text
	}
	var sb strings.Builder
	sb.WriteString(text)
	for _, u := range urls {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("[attachment] ")
		sb.WriteString(u)
	}
	return sb.String()
}

// turnID derives a stable turn ID from the platform event ID so that
// at-least-once redelivery appends the same turn. Events without an ID
// (e.g. the CLI channel) get a random one.
func turnID(ev PlatformEvent, convID string) string {
	if ev.EventID == "" {
		return uuid.New().String()
	}
	return convID + ":" + ev.EventID
}
