// Package channel contains the platform adapters. Each adapter turns
// its wire protocol into normalized inbound messages on the bus and
// implements the dispatcher's Deliverer for outbound text.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"chatgate/internal/domain"
	"chatgate/internal/normalize"
)

const discordMaxMsgLen = 2000

// Discord bridges a Discord bot session onto the message bus.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	logger  *slog.Logger
}

type DiscordConfig struct {
	Token   string
	GuildID string // optional: restrict to one guild
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string       { return domain.PlatformDiscord }
func (d *Discord) MaxMessageLen() int { return discordMaxMsgLen }

// Start connects to Discord and publishes normalized messages until the
// context is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}

		var attachments []string
		for _, a := range m.Attachments {
			attachments = append(attachments, a.URL)
		}

		ev := normalize.PlatformEvent{
			Platform:    domain.PlatformDiscord,
			Kind:        normalize.EventMessage,
			EventID:     m.ID,
			ChannelID:   m.ChannelID,
			AuthorID:    m.Author.ID,
			AuthorIsBot: m.Author.Bot,
			SelfID:      s.State.User.ID,
			Text:        m.Content,
			Attachments: attachments,
			Timestamp:   m.Timestamp,
		}

		msg, err := normalize.Normalize(ev)
		if err != nil {
			if errors.Is(err, domain.ErrUnsupportedPayload) {
				d.logger.Debug("dropping discord event", "reason", err)
			} else {
				d.logger.Warn("discord normalize failed", "error", err)
			}
			return
		}

		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(m.Content),
		)
		bus.Publish(msg)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// Deliver sends one already-chunked message to a channel.
func (d *Discord) Deliver(ctx context.Context, chatID, text string) error {
	if d.session == nil {
		return fmt.Errorf("discord session not started")
	}
	_, err := d.session.ChannelMessageSend(chatID, text)
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
