package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"chatgate/internal/domain"
	"chatgate/internal/normalize"
)

// CLI is a stdin/stdout adapter for local testing. Every line becomes
// one message in a single local conversation.
type CLI struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

type CLIConfig struct {
	In     io.Reader // defaults to os.Stdin
	Out    io.Writer // defaults to os.Stdout
	Logger *slog.Logger
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{in: cfg.In, out: cfg.Out, logger: cfg.Logger}
}

func (c *CLI) Name() string { return domain.PlatformCLI }

// MaxMessageLen is generous: terminals don't chunk.
func (c *CLI) MaxMessageLen() int { return 1 << 16 }

// Start reads lines until EOF or cancellation.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	fmt.Fprintln(c.out, "chatgate interactive session. Ctrl-D to exit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			ev := normalize.PlatformEvent{
				Platform:  domain.PlatformCLI,
				Kind:      normalize.EventMessage,
				ChannelID: "local",
				AuthorID:  "user",
				Text:      line,
				Timestamp: time.Now(),
			}
			msg, err := normalize.Normalize(ev)
			if err != nil {
				if !errors.Is(err, domain.ErrUnsupportedPayload) {
					c.logger.Warn("cli normalize failed", "error", err)
				}
				continue
			}
			bus.Publish(msg)
		}
	}
}

func (c *CLI) Deliver(ctx context.Context, chatID, text string) error {
	_, err := fmt.Fprintln(c.out, text)
	return err
}
