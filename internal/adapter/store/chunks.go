package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/arturoeanton/rag-service/internal/domain"
	"github.com/arturoeanton/rag-service/internal/port"
)

// TimeLayout is the persisted created_at format. Fixed width, so text order is time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	name   string
	upsert string
	schema []string
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS chunks (
		chunk_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		embedding_json TEXT NOT NULL,
		created_at_utc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_created_at ON chunks(created_at_utc)`,
}

const selectAll = `SELECT chunk_id, text, embedding_json, created_at_utc FROM chunks ORDER BY created_at_utc ASC`

// ChunkStore persists chunks in a single relational table keyed by chunk id.
type ChunkStore struct {
	db      *sql.DB
	dialect dialect
}

var _ port.ChunkStore = (*ChunkStore)(nil)

// Init creates the chunks table and its created_at index if missing.
func (s *ChunkStore) Init(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Upsert inserts or replaces a single chunk. All four columns change together.
func (s *ChunkStore) Upsert(ctx context.Context, c domain.Chunk) error {
	args, err := upsertArgs(c)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, args...); err != nil {
		return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
	}
	return nil
}

// UpsertBatch writes all chunks in one transaction; any failure rolls back the whole batch.
func (s *ChunkStore) UpsertBatch(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.upsert)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		args, err := upsertArgs(c)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// FetchAll reads every chunk ordered by created_at ascending.
func (s *ChunkStore) FetchAll(ctx context.Context) ([]domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, selectAll)
	if err != nil {
		return nil, fmt.Errorf("fetch chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		var (
			c             domain.Chunk
			embeddingJSON string
			createdAt     string
		)
		if err := rows.Scan(&c.ID, &c.Text, &embeddingJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if c.Embedding, err = decodeEmbedding(embeddingJSON); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *ChunkStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *ChunkStore) DB() *sql.DB {
	return s.db
}

func upsertArgs(c domain.Chunk) ([]any, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", port.ErrInvalidChunk, c.ID, err)
	}
	embeddingJSON, err := encodeEmbedding(c.Embedding)
	if err != nil {
		return nil, err
	}
	return []any{c.ID, c.Text, embeddingJSON, FormatTime(c.CreatedAt)}, nil
}

// FormatTime renders t in the persisted created_at layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	// rows written by other tools may carry an offset
	if t, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("parse created_at %q: %w", s, err)
}
