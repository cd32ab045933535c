// Package retriever assembles the prompt context for a backend call:
// similarity hits from the embedding store plus the recent turn window,
// trimmed to the configured token budget.
package retriever

import (
	"context"
	"errors"
	"log/slog"

	"chatgate/internal/domain"
)

// Config tunes context assembly.
type Config struct {
	SystemPrompt     string
	MaxContextTokens int
	ReserveTokens    int // held back for the completion
	RecentMaxTokens  int
	TopK             int
	MinSimilarity    float64
	Logger           *slog.Logger
}

// Retriever builds PromptContexts from the memory store. A store outage
// degrades the context (recent-only, or empty) but never fails the turn.
type Retriever struct {
	store  domain.MemoryStore
	cfg    Config
	logger *slog.Logger
}

func New(store domain.MemoryStore, cfg Config) *Retriever {
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, cfg: cfg, logger: logger}
}

// Assemble builds the context for one inbound message: embed the query,
// fetch similarity hits and the recent window, dedupe, and trim to budget.
func (r *Retriever) Assemble(ctx context.Context, msg domain.InboundMessage) (*domain.PromptContext, error) {
	pc := &domain.PromptContext{
		System: r.cfg.SystemPrompt,
		Query:  msg,
	}

	vector, err := r.store.Embed(ctx, msg.Text)
	if err != nil {
		r.logger.Warn("embedding failed, retrieving without similarity hits",
			"conversation", msg.ConversationID, "error", err)
		vector = nil
	}
	pc.QueryVector = vector

	if len(vector) > 0 && r.cfg.TopK > 0 {
		hits, err := r.store.SimilarTurns(ctx, msg.ConversationID, vector, r.cfg.TopK, msg.TurnID)
		switch {
		case errors.Is(err, domain.ErrStoreUnavailable):
			r.logger.Warn("store unavailable for similarity search, degrading to recent-only",
				"conversation", msg.ConversationID)
		case err != nil:
			r.logger.Warn("similarity search failed", "conversation", msg.ConversationID, "error", err)
		default:
			pc.Hits = filterByScore(hits, r.cfg.MinSimilarity)
		}
	}

	recent, err := r.store.RecentTurns(ctx, msg.ConversationID, r.cfg.RecentMaxTokens)
	if err != nil {
		r.logger.Warn("recent window unavailable, degrading context",
			"conversation", msg.ConversationID, "error", err)
	} else {
		pc.Recent = recent
	}

	dedupeHits(pc)
	r.trimToBudget(pc)
	return pc, nil
}

func filterByScore(hits []domain.SimilarityHit, min float64) []domain.SimilarityHit {
	if min <= -1 {
		return hits
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Score >= min {
			out = append(out, h)
		}
	}
	return out
}

// dedupeHits drops similarity hits whose turn already appears in the
// recent window: the verbatim turn beats its embedded echo.
func dedupeHits(pc *domain.PromptContext) {
	if len(pc.Hits) == 0 || len(pc.Recent) == 0 {
		return
	}
	inRecent := make(map[string]struct{}, len(pc.Recent))
	for _, t := range pc.Recent {
		inRecent[t.ID] = struct{}{}
	}
	kept := pc.Hits[:0]
	for _, h := range pc.Hits {
		if _, dup := inRecent[h.TurnID]; !dup {
			kept = append(kept, h)
		}
	}
	pc.Hits = kept
}

// trimToBudget shrinks the context until it fits the prompt budget.
// Similarity hits go first, lowest score first; then the oldest recent
// turns. The query itself is never dropped.
func (r *Retriever) trimToBudget(pc *domain.PromptContext) {
	budget := r.cfg.MaxContextTokens - r.cfg.ReserveTokens
	if budget <= 0 {
		return
	}

	for pc.TokenCount() > budget && len(pc.Hits) > 0 {
		pc.Hits = pc.Hits[:len(pc.Hits)-1] // hits are best-rank-first
	}
	for pc.TokenCount() > budget && len(pc.Recent) > 0 {
		pc.Recent = pc.Recent[1:]
	}

	if pc.TokenCount() > budget {
		r.logger.Warn("query alone exceeds context budget",
			"conversation", pc.Query.ConversationID, "tokens", pc.TokenCount(), "budget", budget)
	}
}
