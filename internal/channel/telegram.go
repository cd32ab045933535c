package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatgate/internal/domain"
	"chatgate/internal/normalize"
)

// Telegram caps messages at 4096 chars; leave headroom for entities.
const telegramMaxMsgLen = 4000

// Telegram bridges a Telegram bot onto the message bus via long polling.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs (empty = allow all)
	bot       *tgbotapi.BotAPI
	logger    *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string       { return domain.PlatformTelegram }
func (t *Telegram) MaxMessageLen() int { return telegramMaxMsgLen }

// Start connects to Telegram and polls for updates until the context is
// cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update, bus)
		}
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update, bus domain.MessageBus) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		return
	}

	ev := normalize.PlatformEvent{
		Platform:    domain.PlatformTelegram,
		Kind:        normalize.EventMessage,
		EventID:     strconv.Itoa(update.Message.MessageID),
		ChannelID:   strconv.FormatInt(chatID, 10),
		AuthorID:    strconv.FormatInt(userID, 10),
		AuthorIsBot: update.Message.From.IsBot,
		SelfID:      strconv.FormatInt(t.bot.Self.ID, 10),
		Text:        update.Message.Text,
		Timestamp:   time.Unix(int64(update.Message.Date), 0),
	}

	msg, err := normalize.Normalize(ev)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedPayload) {
			t.logger.Debug("dropping telegram update", "reason", err)
		} else {
			t.logger.Warn("telegram normalize failed", "error", err)
		}
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(update.Message.Text),
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	bus.Publish(msg)
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// Deliver sends one chunk as Markdown, falling back to plain text when
// the markup fails to parse.
func (t *Telegram) Deliver(ctx context.Context, chatID, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", chatID, err)
	}

	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err == nil {
		return nil
	} else if strings.Contains(err.Error(), "can't parse entities") {
		t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
		plain := tgbotapi.NewMessage(id, text)
		if _, err2 := t.bot.Send(plain); err2 != nil {
			return fmt.Errorf("telegram send: %w", err2)
		}
		return nil
	} else {
		return fmt.Errorf("telegram send: %w", err)
	}
}
