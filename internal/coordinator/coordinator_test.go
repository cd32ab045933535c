package coordinator

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"chatgate/internal/domain"
	"chatgate/internal/retriever"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory domain.MemoryStore.
type memStore struct {
	mu         sync.Mutex
	turns      []domain.Turn
	embeddings []domain.EmbeddingRecord
	embedVec   []float32
	appendErr  error
}

func (m *memStore) AppendTurn(ctx context.Context, t domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	for _, existing := range m.turns {
		if existing.ID == t.ID {
			return nil
		}
	}
	m.turns = append(m.turns, t)
	return nil
}

func (m *memStore) RecentTurns(ctx context.Context, convID string, maxTokens int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Turn
	for _, t := range m.turns {
		if t.ConversationID == convID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) SimilarTurns(ctx context.Context, convID string, vec []float32, k int, exclude string) ([]domain.SimilarityHit, error) {
	return nil, nil
}

func (m *memStore) SaveEmbedding(ctx context.Context, rec domain.EmbeddingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings = append(m.embeddings, rec)
	return nil
}

func (m *memStore) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedVec, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) turnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// fakeCompleter answers with a scripted function, optionally with
// per-call latency.
type fakeCompleter struct {
	mu       sync.Mutex
	calls    int
	contexts []*domain.PromptContext
	reply    func(call int, pc *domain.PromptContext) (*domain.ChatResponse, error)
	delay    func(call int) time.Duration
}

func (f *fakeCompleter) Complete(ctx context.Context, pc *domain.PromptContext, selector string) (*domain.ChatResponse, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.contexts = append(f.contexts, pc)
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay(call))
	}
	if f.reply != nil {
		return f.reply(call, pc)
	}
	return &domain.ChatResponse{Content: "reply " + pc.Query.Text, FinishReason: "stop"}, nil
}

func (f *fakeCompleter) Stream(ctx context.Context, pc *domain.PromptContext, selector string, out chan<- domain.StreamEvent) error {
	resp, err := f.Complete(ctx, pc, selector)
	defer close(out)
	if err != nil {
		return err
	}
	out <- domain.StreamEvent{Type: domain.StreamToken, Content: resp.Content}
	out <- domain.StreamEvent{Type: domain.StreamDone, Content: resp.Content}
	return nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeOutbound records deliveries in order.
type fakeOutbound struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeOutbound) Send(ctx context.Context, platform, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeOutbound) SendStream(ctx context.Context, platform, chatID string, events <-chan domain.StreamEvent) (string, error) {
	var full strings.Builder
	for ev := range events {
		if ev.Type == domain.StreamToken {
			full.WriteString(ev.Content)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, full.String())
	return full.String(), nil
}

func (f *fakeOutbound) deliveries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func newAssembler(store domain.MemoryStore) Assembler {
	return retriever.New(store, retriever.Config{
		MaxContextTokens: 4096,
		ReserveTokens:    512,
		RecentMaxTokens:  2048,
		TopK:             5,
		Logger:           testLogger(),
	})
}

func msg(conv, turn, text string) domain.InboundMessage {
	return domain.InboundMessage{
		ConversationID: conv,
		TurnID:         turn,
		Platform:       domain.PlatformDiscord,
		ChannelID:      "chan",
		Text:           text,
		ReceivedAt:     time.Now(),
	}
}

// run feeds the messages through a coordinator and blocks until every
// worker has drained.
func run(t *testing.T, c *Coordinator, msgs ...domain.InboundMessage) {
	t.Helper()
	inbound := make(chan domain.InboundMessage, len(msgs))
	for _, m := range msgs {
		inbound <- m
	}
	close(inbound)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), inbound)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not drain")
	}
}

// --- ordering ---

func TestOrderingWithinConversation(t *testing.T) {
	store := &memStore{}
	completer := &fakeCompleter{
		// First message is slow, later ones fast: FIFO must still hold.
		delay: func(call int) time.Duration {
			if call == 0 {
				return 80 * time.Millisecond
			}
			return time.Millisecond
		},
	}
	outbound := &fakeOutbound{}
	c := New(newAssembler(store), completer, outbound, store, Config{Logger: testLogger()})

	run(t, c,
		msg("discord:c1", "t1", "one"),
		msg("discord:c1", "t2", "two"),
		msg("discord:c1", "t3", "three"),
	)

	got := outbound.deliveries()
	want := []string{"reply one", "reply two", "reply three"}
	if len(got) != len(want) {
		t.Fatalf("expected %d replies, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reply %d out of order: got %v", i, got)
		}
	}
}

func TestParallelConversations(t *testing.T) {
	store := &memStore{}

	// Conversation A's completion blocks until B's reply has landed.
	// If conversations shared a worker this would deadlock.
	bDone := make(chan struct{})
	completer := &fakeCompleter{
		reply: func(call int, pc *domain.PromptContext) (*domain.ChatResponse, error) {
			if pc.Query.ConversationID == "discord:a" {
				select {
				case <-bDone:
				case <-time.After(5 * time.Second):
				}
			} else {
				defer close(bDone)
			}
			return &domain.ChatResponse{Content: "reply " + pc.Query.Text}, nil
		},
	}
	outbound := &fakeOutbound{}
	c := New(newAssembler(store), completer, outbound, store, Config{Logger: testLogger()})

	start := time.Now()
	run(t, c,
		msg("discord:a", "a1", "from a"),
		msg("discord:b", "b1", "from b"),
	)
	if time.Since(start) > 4*time.Second {
		t.Fatal("conversations were serialized")
	}
	if len(outbound.deliveries()) != 2 {
		t.Fatalf("expected both replies, got %v", outbound.deliveries())
	}
}

// --- memory scenario ---

func TestRecallsEarlierTurnInContext(t *testing.T) {
	store := &memStore{}
	completer := &fakeCompleter{
		reply: func(call int, pc *domain.PromptContext) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{Content: "ack"}, nil
		},
	}
	outbound := &fakeOutbound{}
	c := New(newAssembler(store), completer, outbound, store, Config{Logger: testLogger()})

	run(t, c,
		msg("discord:c1", "t1", "hello"),
		msg("discord:c1", "t2", "what did I just say?"),
	)

	if completer.callCount() != 2 {
		t.Fatalf("expected 2 backend calls, got %d", completer.callCount())
	}
	// Two turns persisted per message: user + assistant.
	if store.turnCount() != 4 {
		t.Fatalf("expected 4 persisted turns, got %d", store.turnCount())
	}

	// The second call's context must contain the literal earlier message.
	second := completer.contexts[1]
	found := false
	for _, m := range second.Messages() {
		if m.Role == domain.RoleUser && m.Content == "hello" {
			found = true
		}
	}
	if !found {
		t.Fatalf("second context missing the earlier turn: %+v", second.Messages())
	}
}

// --- failure path ---

func TestFailureSendsApologyAndKeepsUserTurn(t *testing.T) {
	store := &memStore{}
	completer := &fakeCompleter{
		reply: func(call int, pc *domain.PromptContext) (*domain.ChatResponse, error) {
			return nil, &domain.BackendExhaustedError{Backend: "fake", Attempts: 3}
		},
	}
	outbound := &fakeOutbound{}
	apology := "so sorry"
	c := New(newAssembler(store), completer, outbound, store, Config{
		ApologyText: apology,
		Logger:      testLogger(),
	})

	run(t, c, msg("discord:c1", "t1", "doomed question"))

	got := outbound.deliveries()
	if len(got) != 1 || got[0] != apology {
		t.Fatalf("expected one apology, got %v", got)
	}
	if store.turnCount() != 1 {
		t.Fatalf("user turn should survive a failed generation: %d turns", store.turnCount())
	}

	// The conversation is idle again and processes the next message.
	run(t, c, msg("discord:c1", "t2", "still there?"))
	if store.turnCount() < 2 {
		t.Fatal("conversation did not recover after failure")
	}
}

func TestFullQueueDropsWithApology(t *testing.T) {
	store := &memStore{}
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	completer := &fakeCompleter{
		reply: func(call int, pc *domain.PromptContext) (*domain.ChatResponse, error) {
			once.Do(func() { close(started) })
			<-release
			return &domain.ChatResponse{Content: "reply " + pc.Query.Text}, nil
		},
	}
	outbound := &fakeOutbound{}
	apology := "too busy right now"
	c := New(newAssembler(store), completer, outbound, store, Config{
		QueueSize:   1,
		ApologyText: apology,
		Logger:      testLogger(),
	})

	inbound := make(chan domain.InboundMessage)
	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), inbound)
		close(done)
	}()

	inbound <- msg("discord:c1", "t1", "first")
	<-started // the worker is now blocked in generation
	inbound <- msg("discord:c1", "t2", "second") // fills the queue
	inbound <- msg("discord:c1", "t3", "third")  // no room: dropped
	close(inbound)
	close(release)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not drain")
	}

	var replies, apologies int
	for _, text := range outbound.deliveries() {
		if text == apology {
			apologies++
		} else {
			replies++
		}
	}
	if replies != 2 {
		t.Fatalf("expected replies for the two queued messages, got %d", replies)
	}
	if apologies != 1 {
		t.Fatalf("dropped message must be acknowledged exactly once, got %d apologies", apologies)
	}
}

// --- persistence ---

func TestPersistsEmbeddingsForBothTurns(t *testing.T) {
	store := &memStore{embedVec: []float32{0.1, 0.2}}
	completer := &fakeCompleter{}
	c := New(newAssembler(store), completer, &fakeOutbound{}, store, Config{Logger: testLogger()})

	run(t, c, msg("discord:c1", "t1", "remember this"))

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.embeddings) != 2 {
		t.Fatalf("expected embeddings for user + assistant turns, got %d", len(store.embeddings))
	}
	if store.embeddings[0].TurnID != "t1" {
		t.Fatalf("user embedding should reuse the query turn ID: %q", store.embeddings[0].TurnID)
	}
}

// --- streaming path ---

func TestStreamingDeliversAndPersists(t *testing.T) {
	store := &memStore{}
	completer := &fakeCompleter{}
	outbound := &fakeOutbound{}
	c := New(newAssembler(store), completer, outbound, store, Config{
		Streaming: true,
		Logger:    testLogger(),
	})

	run(t, c, msg("discord:c1", "t1", "stream me"))

	got := outbound.deliveries()
	if len(got) != 1 || got[0] != "reply stream me" {
		t.Fatalf("wrong streamed delivery: %v", got)
	}
	if store.turnCount() != 2 {
		t.Fatalf("expected 2 turns, got %d", store.turnCount())
	}
}

// --- eviction ---

func TestIdleWorkersAreEvicted(t *testing.T) {
	store := &memStore{}
	c := New(newAssembler(store), &fakeCompleter{}, &fakeOutbound{}, store, Config{Logger: testLogger()})

	run(t, c, msg("discord:c1", "t1", "hi"))

	if n := c.ActiveConversations(); n != 0 {
		t.Fatalf("expected all workers evicted, got %d", n)
	}
}
