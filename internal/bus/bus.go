package bus

import (
	"log/slog"
	"sync"
	"time"

	"chatgate/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based inbound message bus. Platform adapters
// publish normalized messages; the coordinator subscribes.
type InMemoryBus struct {
	inbound chan domain.InboundMessage
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundMessage, bufferSize),
		logger:  logger,
	}
}

// Publish enqueues an inbound message. Blocks up to 10 seconds if the bus
// is full instead of dropping.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting...",
			"platform", msg.Platform, "conversation", msg.ConversationID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
			b.logger.Info("message delivered after wait", "platform", msg.Platform)
		case <-timer.C:
			b.logger.Error("message dropped: bus full for 10s",
				"platform", msg.Platform,
				"conversation", msg.ConversationID,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
