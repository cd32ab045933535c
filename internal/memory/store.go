// Package memory implements the persistent conversation store: turn
// history and embedding vectors in SQLite, plus the embedding provider
// client used to vectorize turns.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"chatgate/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.MemoryStore using SQLite. Embeddings are
// stored as little-endian float32 blobs; cosine similarity is computed
// in-process, which is fine at chat-history scale.
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger
}

// Embedder turns text into a vector. The zero-cost NoopEmbedder disables
// similarity retrieval without disabling the store.
type Embedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

func NewSQLiteStore(dbPath string, embedder Embedder, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if embedder == nil {
		embedder = NoopEmbedder{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	store := &SQLiteStore{db: db, embedder: embedder, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		text            TEXT NOT NULL,
		token_count     INTEGER DEFAULT 0,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conv ON turns(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS embeddings (
		turn_id         TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		vector          BLOB NOT NULL,
		source_text     TEXT NOT NULL,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_conv ON embeddings(conversation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// AppendTurn stores one turn. Idempotent on turn ID: a redelivered turn
// is silently ignored, so at-least-once upstream delivery is safe.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	if turn.TokenCount == 0 {
		turn.TokenCount = domain.EstimateTokens(turn.Text)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO turns (id, conversation_id, role, text, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, turn.Role, turn.Text, turn.TokenCount, turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: append turn: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// RecentTurns returns the newest turns of a conversation that fit the
// token budget, in chronological order. Walks newest-backwards and stops
// before the turn that would overflow the budget.
func (s *SQLiteStore) RecentTurns(ctx context.Context, conversationID string, maxTokens int) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, token_count, created_at
		 FROM turns WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: recent turns: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var turns []domain.Turn
	budget := maxTokens
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Text, &t.TokenCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan turn: %v", domain.ErrStoreUnavailable, err)
		}
		cost := t.TokenCount
		if cost == 0 {
			cost = domain.EstimateTokens(t.Text)
		}
		if maxTokens > 0 && cost > budget {
			break
		}
		budget -= cost
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: recent turns: %v", domain.ErrStoreUnavailable, err)
	}

	// Reverse to chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// SaveEmbedding stores a vector for a turn. Write-once: saving the same
// turn ID again is a no-op.
func (s *SQLiteStore) SaveEmbedding(ctx context.Context, rec domain.EmbeddingRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO embeddings (turn_id, conversation_id, vector, source_text, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.TurnID, rec.ConversationID, encodeVector(rec.Vector), rec.SourceText, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: save embedding: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// SimilarTurns scores every stored embedding of the conversation against
// the query vector and returns the top k by descending cosine similarity.
// The query's own turn is excluded so a message never retrieves itself.
func (s *SQLiteStore) SimilarTurns(ctx context.Context, conversationID string, vector []float32, k int, excludeTurnID string) ([]domain.SimilarityHit, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, conversation_id, vector, source_text, created_at
		 FROM embeddings WHERE conversation_id = ? AND turn_id != ?`,
		conversationID, excludeTurnID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: similar turns: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var hits []domain.SimilarityHit
	for rows.Next() {
		var rec domain.EmbeddingRecord
		var blob []byte
		if err := rows.Scan(&rec.TurnID, &rec.ConversationID, &blob, &rec.SourceText, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan embedding: %v", domain.ErrStoreUnavailable, err)
		}
		rec.Vector = decodeVector(blob)
		if len(rec.Vector) != len(vector) {
			// Dimension mismatch after an embedding model change: skip.
			s.logger.Warn("embedding dimension mismatch, skipping",
				"turn", rec.TurnID, "stored", len(rec.Vector), "query", len(vector))
			continue
		}
		hits = append(hits, domain.SimilarityHit{
			EmbeddingRecord: rec,
			Score:           CosineSimilarity(vector, rec.Vector),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: similar turns: %v", domain.ErrStoreUnavailable, err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Embed delegates to the configured embedding provider.
func (s *SQLiteStore) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.CreateEmbedding(ctx, text)
}

// PruneTurns deletes turns older than the retention window. Embeddings are
// kept: they survive window eviction by design of the memory model.
func (s *SQLiteStore) PruneTurns(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: prune turns: %v", domain.ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned old turns", "count", n, "retention_days", retentionDays)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CosineSimilarity returns the cosine of the angle between two vectors
// of equal length. Zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// encodeVector packs a float32 slice as a little-endian blob.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
