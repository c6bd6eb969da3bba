package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/arturoeanton/rag-service/internal/adapter/store"
	"github.com/arturoeanton/rag-service/internal/chunker"
	"github.com/arturoeanton/rag-service/internal/domain"
	"github.com/arturoeanton/rag-service/internal/index"
	"github.com/arturoeanton/rag-service/internal/port"
)

// stubEmbedder implements port.Embedder for testing.
type stubEmbedder struct {
	mu      sync.Mutex
	embedFn func(text string) ([]float64, error)
	calls   int
}

func (m *stubEmbedder) ModelName() string { return "stub-embed" }

func (m *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.embedFn != nil {
		return m.embedFn(text)
	}
	return []float64{1.0, 0.0}, nil
}

// stubGenerator implements port.Generator for testing.
type stubGenerator struct {
	response    string
	err         error
	calls       int
	lastContext string
}

func (m *stubGenerator) ModelName() string { return "stub-chat" }

func (m *stubGenerator) Generate(ctx context.Context, question, contextBlock string) (string, error) {
	m.calls++
	m.lastContext = contextBlock
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

// memStore implements port.ChunkStore for testing.
type memStore struct {
	chunks   []domain.Chunk
	batchErr error
}

func (m *memStore) Init(ctx context.Context) error { return nil }

func (m *memStore) Upsert(ctx context.Context, c domain.Chunk) error {
	for i := range m.chunks {
		if m.chunks[i].ID == c.ID {
			m.chunks[i] = c
			return nil
		}
	}
	m.chunks = append(m.chunks, c)
	return nil
}

func (m *memStore) UpsertBatch(ctx context.Context, chunks []domain.Chunk) error {
	if m.batchErr != nil {
		return m.batchErr
	}
	for _, c := range chunks {
		m.Upsert(ctx, c)
	}
	return nil
}

func (m *memStore) FetchAll(ctx context.Context) ([]domain.Chunk, error) {
	return append([]domain.Chunk(nil), m.chunks...), nil
}

func (m *memStore) Close() error { return nil }

func newTestService(t *testing.T, size, overlap int, e port.Embedder, g port.Generator, s port.ChunkStore, opts Options) (*RAGService, *index.Index) {
	t.Helper()
	w, err := chunker.New(size, overlap)
	if err != nil {
		t.Fatal(err)
	}
	idx := index.New()
	return NewRAGService(w, e, g, s, idx, opts), idx
}

func TestRAGService_EndToEnd(t *testing.T) {
	embedder := &stubEmbedder{}
	gen := &stubGenerator{response: "Blue."}
	st := &memStore{}
	svc, _ := newTestService(t, 40, 5, embedder, gen, st, Options{StrictDimensions: true})
	ctx := context.Background()

	res, err := svc.Ingest(ctx, "The sky is blue. Grass is green.", nil)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.ChunkIDs) != 1 {
		t.Fatalf("chunks created = %d, want 1", len(res.ChunkIDs))
	}
	if res.EmbeddingDim == nil || *res.EmbeddingDim != 2 {
		t.Errorf("EmbeddingDim = %v, want 2", res.EmbeddingDim)
	}
	id := res.ChunkIDs[0]

	ans, err := svc.Query(ctx, "What color is the sky?", 1)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	text := "The sky is blue. Grass is green."
	want := &domain.Answer{
		Question:  "What color is the sky?",
		Answer:    "Blue.",
		ChatModel: "stub-chat",
		Matches:   []domain.Match{{ChunkID: id, Score: 1.0, Text: &text}},
		Context:   "[" + id + "] The sky is blue. Grass is green.",
		Grounded:  true,
	}
	if diff := cmp.Diff(want, ans); diff != "" {
		t.Errorf("Query() mismatch (-want +got):\n%s", diff)
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls)
	}
	if ans.MatchCount() != 1 {
		t.Errorf("MatchCount() = %d, want 1", ans.MatchCount())
	}
	if len(st.chunks) != 1 || st.chunks[0].ID != id {
		t.Errorf("store holds %+v", st.chunks)
	}
}

func TestRAGService_EmptyIndexShortCircuits(t *testing.T) {
	gen := &stubGenerator{response: "should not be used"}
	svc, _ := newTestService(t, 500, 50, &stubEmbedder{}, gen, &memStore{}, Options{})

	ans, err := svc.Query(context.Background(), "anything?", 5)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if ans.Answer != domain.FallbackAnswer {
		t.Errorf("Answer = %q, want fallback", ans.Answer)
	}
	if ans.Context != "" {
		t.Errorf("Context = %q, want empty", ans.Context)
	}
	if len(ans.Matches) != 0 {
		t.Errorf("Matches = %v, want none", ans.Matches)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls)
	}
}

func TestRAGService_EmptyTextsShortCircuit(t *testing.T) {
	gen := &stubGenerator{response: "unused"}
	svc, idx := newTestService(t, 500, 50, &stubEmbedder{}, gen, &memStore{}, Options{})
	idx.Set("blank", "", []float64{1, 0})

	ans, err := svc.Query(context.Background(), "q", 3)
	if err != nil {
		t.Fatal(err)
	}
	if ans.Answer != domain.FallbackAnswer || gen.calls != 0 {
		t.Errorf("Answer = %q, calls = %d", ans.Answer, gen.calls)
	}
	if len(ans.Matches) != 1 {
		t.Errorf("blank chunk should still be reported as a match, got %d", len(ans.Matches))
	}
}

func TestRAGService_IngestEmbeddingFailureIsAtomic(t *testing.T) {
	boom := fmt.Errorf("%w: connection refused", port.ErrEmbeddingService)
	n := 0
	embedder := &stubEmbedder{embedFn: func(string) ([]float64, error) {
		n++
		if n == 3 {
			return nil, boom
		}
		return []float64{1, 0}, nil
	}}
	st := &memStore{}
	svc, idx := newTestService(t, 10, 2, embedder, &stubGenerator{}, st, Options{})

	_, err := svc.Ingest(context.Background(), strings.Repeat("abcdefgh", 6), nil)
	if !errors.Is(err, port.ErrEmbeddingService) {
		t.Fatalf("Ingest() error = %v, want ErrEmbeddingService", err)
	}
	if len(st.chunks) != 0 {
		t.Errorf("store holds %d chunks after failed batch", len(st.chunks))
	}
	if idx.Len() != 0 {
		t.Errorf("index holds %d chunks after failed batch", idx.Len())
	}
	if n != 3 {
		t.Errorf("embed calls = %d, remaining chunks should be skipped", n)
	}
}

func TestRAGService_IngestStoreFailureLeavesIndexUntouched(t *testing.T) {
	st := &memStore{batchErr: errors.New("disk full")}
	svc, idx := newTestService(t, 500, 50, &stubEmbedder{}, &stubGenerator{}, st, Options{})

	if _, err := svc.Ingest(context.Background(), "some text", nil); err == nil {
		t.Fatal("Ingest() succeeded with failing store")
	}
	if idx.Len() != 0 {
		t.Errorf("index ran ahead of durable state: %d chunks", idx.Len())
	}
}

func TestRAGService_DimensionPolicy(t *testing.T) {
	threeDim := &stubEmbedder{embedFn: func(string) ([]float64, error) { return []float64{1, 2, 3}, nil }}

	t.Run("strict rejects", func(t *testing.T) {
		st := &memStore{}
		svc, idx := newTestService(t, 500, 50, threeDim, &stubGenerator{}, st, Options{StrictDimensions: true})
		idx.Set("existing", "two dims", []float64{1, 0})

		_, err := svc.Ingest(context.Background(), "new text", nil)
		if !errors.Is(err, port.ErrDimensionMismatch) {
			t.Fatalf("Ingest() error = %v, want ErrDimensionMismatch", err)
		}
		if len(st.chunks) != 0 || idx.Len() != 1 {
			t.Errorf("rejected batch was written: store=%d index=%d", len(st.chunks), idx.Len())
		}
	})

	t.Run("strict rejects within batch", func(t *testing.T) {
		n := 0
		mixed := &stubEmbedder{embedFn: func(string) ([]float64, error) {
			n++
			if n == 1 {
				return []float64{1, 0}, nil
			}
			return []float64{1, 0, 0}, nil
		}}
		svc, _ := newTestService(t, 4, 0, mixed, &stubGenerator{}, &memStore{}, Options{StrictDimensions: true})
		_, err := svc.Ingest(context.Background(), "abcdefgh", nil)
		if !errors.Is(err, port.ErrDimensionMismatch) {
			t.Fatalf("Ingest() error = %v, want ErrDimensionMismatch", err)
		}
	})

	t.Run("tolerant accepts and scores -1", func(t *testing.T) {
		gen := &stubGenerator{response: "ok"}
		svc, idx := newTestService(t, 500, 50, threeDim, gen, &memStore{}, Options{})
		idx.Set("existing", "two dims", []float64{1, 0})

		res, err := svc.Ingest(context.Background(), "new text", nil)
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		if *res.EmbeddingDim != 3 {
			t.Errorf("EmbeddingDim = %d, want 3", *res.EmbeddingDim)
		}

		ans, err := svc.Query(context.Background(), "q", 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(ans.Matches) != 2 {
			t.Fatalf("matches = %d, want 2", len(ans.Matches))
		}
		last := ans.Matches[1]
		if last.ChunkID != "existing" || last.Score != -1.0 {
			t.Errorf("mismatched chunk = %+v, want existing with -1", last)
		}
	})
}

func TestRAGService_IngestProgressAndTimestamps(t *testing.T) {
	st := &memStore{}
	clock := time.Date(2025, 1, 2, 3, 4, 5, 999, time.UTC)
	svc, _ := newTestService(t, 4, 1, &stubEmbedder{}, &stubGenerator{}, st, Options{Now: func() time.Time { return clock }})

	var progress [][2]int
	res, err := svc.Ingest(context.Background(), "abcdefghij", func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})
	if err != nil {
		t.Fatal(err)
	}

	want := [][2]int{{1, 4}, {2, 4}, {3, 4}, {4, 4}}
	if diff := cmp.Diff(want, progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
	for i, c := range st.chunks {
		if c.ID != res.ChunkIDs[i] {
			t.Errorf("chunk %d id = %s, want %s", i, c.ID, res.ChunkIDs[i])
		}
		wantAt := clock.Truncate(time.Microsecond).Add(time.Duration(i) * time.Microsecond)
		if !c.CreatedAt.Equal(wantAt) {
			t.Errorf("chunk %d created_at = %v, want %v", i, c.CreatedAt, wantAt)
		}
	}
}

func TestRAGService_EmptyIngest(t *testing.T) {
	embedder := &stubEmbedder{}
	svc, _ := newTestService(t, 500, 50, embedder, &stubGenerator{}, &memStore{}, Options{})

	res, err := svc.Ingest(context.Background(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ChunkIDs) != 0 || res.EmbeddingDim != nil {
		t.Errorf("Ingest(\"\") = %+v", res)
	}
	if embedder.calls != 0 {
		t.Errorf("embedder called %d times for empty text", embedder.calls)
	}
}

func TestRAGService_QueryErrors(t *testing.T) {
	t.Run("embedding", func(t *testing.T) {
		embedder := &stubEmbedder{embedFn: func(string) ([]float64, error) {
			return nil, port.ErrEmbeddingService
		}}
		gen := &stubGenerator{}
		svc, _ := newTestService(t, 500, 50, embedder, gen, &memStore{}, Options{})
		if _, err := svc.Query(context.Background(), "q", 5); !errors.Is(err, port.ErrEmbeddingService) {
			t.Errorf("Query() error = %v, want ErrEmbeddingService", err)
		}
		if gen.calls != 0 {
			t.Errorf("generator called after embedding failure")
		}
	})

	t.Run("generation", func(t *testing.T) {
		gen := &stubGenerator{err: fmt.Errorf("%w: timeout", port.ErrGenerationService)}
		svc, idx := newTestService(t, 500, 50, &stubEmbedder{}, gen, &memStore{}, Options{})
		idx.Set("c1", "context", []float64{1, 0})
		if _, err := svc.Query(context.Background(), "q", 5); !errors.Is(err, port.ErrGenerationService) {
			t.Errorf("Query() error = %v, want ErrGenerationService", err)
		}
	})
}

func TestRAGService_ContextTruncatedBeforeGeneration(t *testing.T) {
	gen := &stubGenerator{response: "ok"}
	svc, idx := newTestService(t, 500, 50, &stubEmbedder{}, gen, &memStore{}, Options{MaxContextChars: 20})
	idx.Set("c1", strings.Repeat("x", 100), []float64{1, 0})

	ans, err := svc.Query(context.Background(), "q", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len([]rune(ans.Context)) != 20 {
		t.Errorf("context length = %d, want 20", len([]rune(ans.Context)))
	}
	if gen.lastContext != ans.Context {
		t.Errorf("generator saw %q, response reports %q", gen.lastContext, ans.Context)
	}
}

func TestRAGService_ReloadFromSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rag.db")

	st, err := store.NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	embedder := &stubEmbedder{embedFn: func(text string) ([]float64, error) {
		return []float64{float64(len(text)), 1}, nil
	}}
	svc, _ := newTestService(t, 8, 2, embedder, &stubGenerator{}, st, Options{StrictDimensions: true})
	res, err := svc.Ingest(ctx, "a restart must not lose chunks", nil)
	if err != nil {
		t.Fatal(err)
	}
	st.Close()

	// simulate a process restart
	st2, err := store.NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	svc2, idx2 := newTestService(t, 8, 2, embedder, &stubGenerator{}, st2, Options{StrictDimensions: true})
	if err := svc2.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if idx2.Len() != len(res.ChunkIDs) {
		t.Fatalf("reloaded %d chunks, want %d", idx2.Len(), len(res.ChunkIDs))
	}
	var order []string
	idx2.Range(func(id string, _ []float64) bool {
		order = append(order, id)
		return true
	})
	if diff := cmp.Diff(res.ChunkIDs, order); diff != "" {
		t.Errorf("reload order mismatch (-want +got):\n%s", diff)
	}
	for _, c := range res.Chunks {
		e, ok := idx2.Get(c.ID)
		if !ok {
			t.Fatalf("chunk %s missing after reload", c.ID)
		}
		if diff := cmp.Diff(index.Entry{Text: c.Text, Embedding: c.Embedding}, e); diff != "" {
			t.Errorf("chunk %s mismatch (-want +got):\n%s", c.ID, diff)
		}
	}
}

func TestRAGService_StrictDimensionRecheckedAtCommit(t *testing.T) {
	st := &memStore{}
	var idx *index.Index
	// another batch with a different model commits while this one is embedding
	embedder := &stubEmbedder{embedFn: func(string) ([]float64, error) {
		if idx.Len() == 0 {
			idx.Set("other-batch", "three dims", []float64{1, 0, 0})
		}
		return []float64{1, 0}, nil
	}}
	var svc *RAGService
	svc, idx = newTestService(t, 500, 50, embedder, &stubGenerator{}, st, Options{StrictDimensions: true})

	_, err := svc.Ingest(context.Background(), "started against an empty index", nil)
	if !errors.Is(err, port.ErrDimensionMismatch) {
		t.Fatalf("Ingest() error = %v, want ErrDimensionMismatch", err)
	}
	if len(st.chunks) != 0 {
		t.Errorf("rejected batch reached the store: %d chunks", len(st.chunks))
	}
	if idx.Len() != 1 || idx.Dimension() != 3 {
		t.Errorf("index len = %d dim = %d, want the other batch only", idx.Len(), idx.Dimension())
	}
}

func TestRAGService_ConcurrentFirstIngestsAgreeOnDimension(t *testing.T) {
	st := &memStore{}
	var mu sync.Mutex
	release := make(chan struct{})
	calls := 0
	// the two batches embed concurrently and finish in either order
	embedder := &stubEmbedder{embedFn: func(text string) ([]float64, error) {
		mu.Lock()
		calls++
		if calls == 2 {
			close(release)
		}
		mu.Unlock()
		<-release
		if strings.HasPrefix(text, "wide") {
			return []float64{1, 0, 0}, nil
		}
		return []float64{1, 0}, nil
	}}
	svc, idx := newTestService(t, 500, 50, embedder, &stubGenerator{}, st, Options{StrictDimensions: true})

	errs := make(chan error, 2)
	for _, text := range []string{"narrow text", "wide text"} {
		go func() {
			_, err := svc.Ingest(context.Background(), text, nil)
			errs <- err
		}()
	}

	var failed int
	for range 2 {
		if err := <-errs; err != nil {
			if !errors.Is(err, port.ErrDimensionMismatch) {
				t.Fatalf("Ingest() error = %v", err)
			}
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("%d ingests failed, want exactly 1", failed)
	}
	idx.Range(func(id string, emb []float64) bool {
		if len(emb) != idx.Dimension() {
			t.Errorf("chunk %s has %d dims, index tag is %d", id, len(emb), idx.Dimension())
		}
		return true
	})
}
