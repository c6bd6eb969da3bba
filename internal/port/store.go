package port

import (
	"context"

	"github.com/arturoeanton/rag-service/internal/domain"
)

// ChunkStore is the durable source of truth for ingested chunks.
type ChunkStore interface {
	// Init ensures the schema exists. Safe to call repeatedly.
	Init(ctx context.Context) error

	// Upsert inserts or fully replaces one chunk by id.
	Upsert(ctx context.Context, c domain.Chunk) error

	// UpsertBatch writes every chunk in a single transaction, or none of them.
	UpsertBatch(ctx context.Context, chunks []domain.Chunk) error

	// FetchAll returns every chunk ordered by created_at ascending.
	FetchAll(ctx context.Context) ([]domain.Chunk, error)

	Close() error
}
