package domain

import (
	"strings"
	"time"
)

// Platform names used as conversation-key prefixes and dispatcher routing keys.
const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"
	PlatformCLI      = "cli"
)

// InboundMessage is the canonical, platform-agnostic form of a user message.
// It is produced by the normalizer and consumed by the coordinator.
type InboundMessage struct {
	ConversationID string
	TurnID         string // stable per platform event; makes persistence idempotent
	Platform       string
	ChannelID      string
	ThreadID       string
	AuthorID       string
	Text           string
	Attachments    []string
	ReceivedAt     time.Time
}

// ConversationKey builds the conversation identity from its address parts.
// The thread segment is omitted for platforms without threading.
func ConversationKey(platform, channelID, threadID string) string {
	var sb strings.Builder
	sb.WriteString(platform)
	sb.WriteByte(':')
	sb.WriteString(channelID)
	if threadID != "" {
		sb.WriteByte(':')
		sb.WriteString(threadID)
	}
	return sb.String()
}

// MessageBus carries inbound messages from platform adapters to the coordinator.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
