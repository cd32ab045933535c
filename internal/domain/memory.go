package domain

import (
	"context"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message within a conversation. Immutable once written.
type Turn struct {
	ID             string
	ConversationID string
	Role           string
	Text           string
	TokenCount     int
	CreatedAt      time.Time
}

// EmbeddingRecord links a stored vector back to the turn it was derived
// from. The turn may fall out of the active window while the embedding
// remains queryable, so the link is lookup-only.
type EmbeddingRecord struct {
	TurnID         string
	ConversationID string
	Vector         []float32
	SourceText     string
	CreatedAt      time.Time
}

// SimilarityHit is an embedding record scored against a query vector.
type SimilarityHit struct {
	EmbeddingRecord
	Score float64 // cosine similarity, higher is closer
}

// MemoryStore persists per-conversation turn history and embeddings.
//
// AppendTurn is idempotent under the turn ID: appending the same ID twice
// stores one turn and is not an error. This protects against at-least-once
// delivery from upstream adapters.
type MemoryStore interface {
	AppendTurn(ctx context.Context, turn Turn) error
	RecentTurns(ctx context.Context, conversationID string, maxTokens int) ([]Turn, error)
	SimilarTurns(ctx context.Context, conversationID string, vector []float32, k int, excludeTurnID string) ([]SimilarityHit, error)
	SaveEmbedding(ctx context.Context, rec EmbeddingRecord) error
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// EstimateTokens approximates the token count of a text the way the rest of
// the pipeline budgets context: about four characters per token, never zero
// for non-empty text.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := (len(s) + 3) / 4
	if n == 0 {
		n = 1
	}
	return n
}
