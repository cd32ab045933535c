// Package coordinator drives the per-conversation pipeline: it consumes
// normalized inbound messages, serializes work within each conversation,
// and walks every message through retrieve, generate, deliver, persist.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatgate/internal/domain"
)

// State names one phase of the per-message pipeline. Used for logging
// and metrics; a conversation is in exactly one state at a time.
type State string

const (
	StateIdle       State = "idle"
	StateRetrieving State = "retrieving"
	StateGenerating State = "generating"
	StatePersisting State = "persisting"
	StateFailed     State = "failed"
)

// Assembler builds the prompt context for an inbound message.
type Assembler interface {
	Assemble(ctx context.Context, msg domain.InboundMessage) (*domain.PromptContext, error)
}

// Completer is the backend router surface the coordinator uses.
type Completer interface {
	Complete(ctx context.Context, pc *domain.PromptContext, selector string) (*domain.ChatResponse, error)
	Stream(ctx context.Context, pc *domain.PromptContext, selector string, out chan<- domain.StreamEvent) error
}

// Outbound delivers replies back to the source platform.
type Outbound interface {
	Send(ctx context.Context, platform, chatID, text string) error
	SendStream(ctx context.Context, platform, chatID string, events <-chan domain.StreamEvent) (string, error)
}

// StateListener observes state transitions; the metrics collector
// implements it. Nil listeners are allowed.
type StateListener interface {
	OnTransition(conversationID string, from, to State)
}

type Config struct {
	Backend        string // router selector, empty for the default
	Streaming      bool
	QueueSize      int
	PersistTimeout time.Duration
	ApologyText    string
	Logger         *slog.Logger
	Listener       StateListener
}

// Coordinator owns one worker per active conversation. Messages within
// a conversation run single-flight in arrival order; distinct
// conversations are fully parallel. Idle workers are evicted.
type Coordinator struct {
	assembler Assembler
	completer Completer
	outbound  Outbound
	store     domain.MemoryStore
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]*convWorker
	wg      sync.WaitGroup
}

type convWorker struct {
	queue chan domain.InboundMessage
}

func New(assembler Assembler, completer Completer, outbound Outbound, store domain.MemoryStore, cfg Config) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = "Sorry, something went wrong handling that message. Please try again."
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		assembler: assembler,
		completer: completer,
		outbound:  outbound,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		workers:   make(map[string]*convWorker),
	}
}

// Run consumes the inbound channel until it closes, then waits for all
// conversation workers to drain their queues.
func (c *Coordinator) Run(ctx context.Context, inbound <-chan domain.InboundMessage) {
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				c.wg.Wait()
				return
			}
			c.dispatch(ctx, msg)
		case <-ctx.Done():
			c.wg.Wait()
			return
		}
	}
}

// dispatch routes a message to its conversation worker, creating one if
// the conversation is idle. A full queue drops the message and sends the
// apology rather than stalling every other conversation.
func (c *Coordinator) dispatch(ctx context.Context, msg domain.InboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workers[msg.ConversationID]
	if !ok {
		w = &convWorker{queue: make(chan domain.InboundMessage, c.cfg.QueueSize)}
		c.workers[msg.ConversationID] = w
		c.wg.Add(1)
		go c.runWorker(ctx, msg.ConversationID, w)
	}

	select {
	case w.queue <- msg:
	default:
		c.logger.Error("conversation queue full, dropping message",
			"conversation", msg.ConversationID, "turn", msg.TurnID)
		// The user still gets an acknowledgment, off the dispatch path
		// so a slow platform cannot stall other conversations.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.outbound.Send(ctx, msg.Platform, msg.ChannelID, c.cfg.ApologyText); err != nil {
				c.logger.Error("apology delivery failed",
					"conversation", msg.ConversationID, "error", err)
			}
		}()
	}
}

// runWorker processes one conversation's queue in FIFO order and evicts
// itself once the queue is empty. The emptiness check runs under the
// same mutex as enqueue, so no message can slip into a dead worker.
func (c *Coordinator) runWorker(ctx context.Context, convID string, w *convWorker) {
	defer c.wg.Done()

	for {
		select {
		case msg := <-w.queue:
			c.handle(ctx, msg)
		default:
			c.mu.Lock()
			if len(w.queue) == 0 {
				delete(c.workers, convID)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

// ActiveConversations reports the number of live workers.
func (c *Coordinator) ActiveConversations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

func (c *Coordinator) transition(convID string, from, to State) State {
	c.logger.Debug("conversation state", "conversation", convID, "from", from, "to", to)
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnTransition(convID, from, to)
	}
	return to
}

// handle walks one message through the pipeline. Failures are
// conversation-scoped: the worker apologizes and returns to idle.
func (c *Coordinator) handle(ctx context.Context, msg domain.InboundMessage) {
	convID := msg.ConversationID
	state := c.transition(convID, StateIdle, StateRetrieving)

	pc, err := c.assembler.Assemble(ctx, msg)
	if err != nil {
		c.fail(ctx, msg, state, fmt.Errorf("assemble context: %w", err))
		return
	}

	state = c.transition(convID, state, StateGenerating)

	var reply string
	if c.cfg.Streaming {
		reply, err = c.generateStreaming(ctx, msg, pc)
	} else {
		reply, err = c.generate(ctx, msg, pc)
	}
	if err != nil && reply == "" {
		// Persist the user turn before apologizing so history keeps
		// the question even when no answer was produced.
		c.persistUserTurn(msg, pc)
		c.fail(ctx, msg, state, err)
		return
	}
	if err != nil {
		// Partial streamed reply: keep what the user saw.
		c.logger.Warn("generation ended with a partial reply",
			"conversation", convID, "error", err)
	}

	state = c.transition(convID, state, StatePersisting)
	c.persist(msg, pc, reply)
	c.transition(convID, state, StateIdle)
}

// generate runs a non-streaming completion and delivers the whole reply.
// Delivery failure is non-fatal: the turns are still persisted.
func (c *Coordinator) generate(ctx context.Context, msg domain.InboundMessage, pc *domain.PromptContext) (string, error) {
	resp, err := c.completer.Complete(ctx, pc, c.cfg.Backend)
	if err != nil {
		return "", err
	}
	c.logger.Info("reply generated",
		"conversation", msg.ConversationID,
		"tokens", resp.Usage.TotalTokens,
		"latency_ms", resp.LatencyMs)

	if err := c.outbound.Send(ctx, msg.Platform, msg.ChannelID, resp.Content); err != nil {
		c.logger.Error("reply delivery failed, persisting anyway",
			"conversation", msg.ConversationID, "error", err)
	}
	return resp.Content, nil
}

// generateStreaming pipes backend events straight into the dispatcher's
// buffered stream delivery and returns whatever text was produced.
func (c *Coordinator) generateStreaming(ctx context.Context, msg domain.InboundMessage, pc *domain.PromptContext) (string, error) {
	events := make(chan domain.StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.completer.Stream(ctx, pc, c.cfg.Backend, events)
	}()

	full, sendErr := c.outbound.SendStream(ctx, msg.Platform, msg.ChannelID, events)
	if err := <-errCh; err != nil {
		return full, err
	}
	if sendErr != nil {
		c.logger.Error("stream delivery failed, persisting anyway",
			"conversation", msg.ConversationID, "error", sendErr)
	}
	return full, nil
}

// fail delivers the apology and returns the conversation to idle. The
// process never crashes on a turn failure.
func (c *Coordinator) fail(ctx context.Context, msg domain.InboundMessage, from State, err error) {
	state := c.transition(msg.ConversationID, from, StateFailed)
	c.logger.Error("message processing failed",
		"conversation", msg.ConversationID, "turn", msg.TurnID, "error", err)

	if derr := c.outbound.Send(ctx, msg.Platform, msg.ChannelID, c.cfg.ApologyText); derr != nil {
		c.logger.Error("apology delivery failed",
			"conversation", msg.ConversationID, "error", derr)
	}
	c.transition(msg.ConversationID, state, StateIdle)
}

// persist writes both turns and their embeddings. It runs on a detached
// timeout context: a dropped platform connection must never lose turns.
func (c *Coordinator) persist(msg domain.InboundMessage, pc *domain.PromptContext, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()

	now := time.Now()
	userTurn := domain.Turn{
		ID:             msg.TurnID,
		ConversationID: msg.ConversationID,
		Role:           domain.RoleUser,
		Text:           msg.Text,
		TokenCount:     domain.EstimateTokens(msg.Text),
		CreatedAt:      msg.ReceivedAt,
	}
	assistantTurn := domain.Turn{
		ID:             uuid.New().String(),
		ConversationID: msg.ConversationID,
		Role:           domain.RoleAssistant,
		Text:           reply,
		TokenCount:     domain.EstimateTokens(reply),
		CreatedAt:      now,
	}

	if err := c.store.AppendTurn(ctx, userTurn); err != nil {
		c.logger.Error("failed to persist user turn",
			"conversation", msg.ConversationID, "turn", userTurn.ID, "error", err)
	}
	if err := c.store.AppendTurn(ctx, assistantTurn); err != nil {
		c.logger.Error("failed to persist assistant turn",
			"conversation", msg.ConversationID, "turn", assistantTurn.ID, "error", err)
	}

	// The query vector was computed during retrieval; reuse it.
	c.saveEmbedding(ctx, userTurn, pc.QueryVector)

	if reply != "" {
		vec, err := c.store.Embed(ctx, reply)
		if err != nil {
			c.logger.Warn("failed to embed assistant turn",
				"conversation", msg.ConversationID, "error", err)
		} else {
			c.saveEmbedding(ctx, assistantTurn, vec)
		}
	}
}

// persistUserTurn records just the inbound turn, used on failure paths.
func (c *Coordinator) persistUserTurn(msg domain.InboundMessage, pc *domain.PromptContext) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()

	turn := domain.Turn{
		ID:             msg.TurnID,
		ConversationID: msg.ConversationID,
		Role:           domain.RoleUser,
		Text:           msg.Text,
		TokenCount:     domain.EstimateTokens(msg.Text),
		CreatedAt:      msg.ReceivedAt,
	}
	if err := c.store.AppendTurn(ctx, turn); err != nil {
		c.logger.Error("failed to persist user turn",
			"conversation", msg.ConversationID, "turn", turn.ID, "error", err)
	}
	if pc != nil {
		c.saveEmbedding(ctx, turn, pc.QueryVector)
	}
}

func (c *Coordinator) saveEmbedding(ctx context.Context, turn domain.Turn, vec []float32) {
	if len(vec) == 0 {
		return
	}
	rec := domain.EmbeddingRecord{
		TurnID:         turn.ID,
		ConversationID: turn.ConversationID,
		Vector:         vec,
		SourceText:     turn.Text,
		CreatedAt:      turn.CreatedAt,
	}
	if err := c.store.SaveEmbedding(ctx, rec); err != nil {
		c.logger.Warn("failed to save embedding",
			"conversation", turn.ConversationID, "turn", turn.ID, "error", err)
	}
}
