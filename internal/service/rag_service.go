package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arturoeanton/rag-service/internal/chunker"
	"github.com/arturoeanton/rag-service/internal/domain"
	"github.com/arturoeanton/rag-service/internal/index"
	"github.com/arturoeanton/rag-service/internal/port"
)

// ProgressFunc is told how many chunks of a batch have been embedded so far.
type ProgressFunc func(done, total int)

// Options tunes the orchestrator.
type Options struct {
	MaxContextChars int
	// StrictDimensions rejects ingested vectors whose length differs from the index tag.
	StrictDimensions bool
	// Now is the clock used for created_at; nil means time.Now.
	Now func() time.Time
}

// RAGService composes chunking, embedding, storage, ranking and generation.
type RAGService struct {
	chunker   *chunker.Window
	embedder  port.Embedder
	generator port.Generator
	store     port.ChunkStore
	index     *index.Index
	opts      Options

	// commitMu serializes batch commits so the dimension tag is checked
	// against what is actually in the index.
	commitMu sync.Mutex
}

// NewRAGService wires the orchestrator around an explicitly owned index handle.
func NewRAGService(
	w *chunker.Window,
	embedder port.Embedder,
	generator port.Generator,
	store port.ChunkStore,
	idx *index.Index,
	opts Options,
) *RAGService {
	if opts.MaxContextChars == 0 {
		opts.MaxContextChars = DefaultMaxContextChars
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RAGService{
		chunker:   w,
		embedder:  embedder,
		generator: generator,
		store:     store,
		index:     idx,
		opts:      opts,
	}
}

// Reload rebuilds the in-memory index from the durable store.
func (s *RAGService) Reload(ctx context.Context) error {
	if err := s.store.Init(ctx); err != nil {
		return err
	}
	chunks, err := s.store.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	s.commitMu.Lock()
	s.index.Load(chunks)
	s.commitMu.Unlock()
	slog.Info("index loaded", "chunks", s.index.Len(), "embedding_dim", s.index.Dimension())
	return nil
}

// Ingest chunks text, embeds every chunk, writes the batch to the store in one
// transaction and then mirrors it into the index. Nothing is persisted if any
// embedding fails.
func (s *RAGService) Ingest(ctx context.Context, text string, progress ProgressFunc) (*domain.IngestResult, error) {
	chunks := s.chunker.Split(text)
	result := &domain.IngestResult{
		Chunks:         chunks,
		ChunkIDs:       make([]string, len(chunks)),
		EmbeddingModel: s.embedder.ModelName(),
	}
	for i, c := range chunks {
		result.ChunkIDs[i] = c.ID
	}
	if len(chunks) == 0 {
		return result, nil
	}

	want := s.index.Dimension()
	base := s.opts.Now().UTC().Truncate(time.Microsecond)
	for i := range chunks {
		vec, err := s.embedder.Embed(ctx, chunks[i].Text)
		if err != nil {
			return nil, fmt.Errorf("embed chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i == 0 {
			dim := len(vec)
			result.EmbeddingDim = &dim
			if want == 0 {
				want = dim
			}
		}
		if s.opts.StrictDimensions && len(vec) != want {
			return nil, fmt.Errorf("%w: chunk %d has %d dimensions, index expects %d",
				port.ErrDimensionMismatch, i+1, len(vec), want)
		}
		chunks[i].Embedding = vec
		// strictly increasing stamps keep read-back order equal to chunk order
		chunks[i].CreatedAt = base.Add(time.Duration(i) * time.Microsecond)

		if progress != nil {
			progress(i+1, len(chunks))
		}
	}

	if err := s.commit(ctx, chunks); err != nil {
		return nil, err
	}

	slog.Info("ingested", "chunks", len(chunks), "embedding_dim", *result.EmbeddingDim, "model", result.EmbeddingModel)
	return result, nil
}

// commit re-checks the dimension tag, since another batch may have set it
// while this one was embedding, then persists and mirrors the batch.
func (s *RAGService) commit(ctx context.Context, chunks []domain.Chunk) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.opts.StrictDimensions {
		if want, got := s.index.Dimension(), chunks[0].Dim(); want != 0 && got != want {
			return fmt.Errorf("%w: batch has %d dimensions, index expects %d",
				port.ErrDimensionMismatch, got, want)
		}
	}
	if err := s.store.UpsertBatch(ctx, chunks); err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	for _, c := range chunks {
		s.index.Set(c.ID, c.Text, c.Embedding)
	}
	return nil
}

// Search embeds question and returns the ranked matches and the assembled context,
// without calling the generator.
func (s *RAGService) Search(ctx context.Context, question string, topK int) ([]domain.Match, string, error) {
	queryVector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, "", fmt.Errorf("embed query: %w", err)
	}

	ranked := index.TopK(s.index, queryVector, topK)
	matches, contextBlock := AssembleContext(ranked, s.index, s.opts.MaxContextChars)
	return matches, contextBlock, nil
}

// Query runs the full retrieval path. When no match contributes text the fixed
// fallback answer is returned and the generator is not called.
func (s *RAGService) Query(ctx context.Context, question string, topK int) (*domain.Answer, error) {
	matches, contextBlock, err := s.Search(ctx, question, topK)
	if err != nil {
		return nil, err
	}

	answer := &domain.Answer{
		Question:  question,
		ChatModel: s.generator.ModelName(),
		Matches:   matches,
		Context:   contextBlock,
	}

	if contextBlock == "" {
		slog.Info("RAG query short-circuited", "top_k", topK, "matches", len(matches))
		answer.Answer = domain.FallbackAnswer
		return answer, nil
	}

	text, err := s.generator.Generate(ctx, question, contextBlock)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	answer.Answer = text
	answer.Grounded = true

	slog.Info("RAG query", "top_k", topK, "matches", len(matches), "context_chars", len(contextBlock))
	return answer, nil
}

// ChunkCount returns the number of chunks in the in-memory index.
func (s *RAGService) ChunkCount() int {
	return s.index.Len()
}

// Dimension returns the index's embedding dimension tag.
func (s *RAGService) Dimension() int {
	return s.index.Dimension()
}

// EmbeddingModel returns the configured embedding model name.
func (s *RAGService) EmbeddingModel() string {
	return s.embedder.ModelName()
}

// Lookup returns the indexed text and embedding for a chunk id.
func (s *RAGService) Lookup(id string) (index.Entry, bool) {
	return s.index.Get(id)
}
