// Package index holds the volatile, queryable mirror of the durable chunk store
// and the linear-scan cosine ranker that runs over it.
package index

import (
	"sync"

	"github.com/arturoeanton/rag-service/internal/domain"
)

// Entry is what the index keeps per chunk id.
type Entry struct {
	Text      string
	Embedding []float64
}

// Index maps chunk id to text and embedding and iterates in insertion order.
// Re-setting an existing id replaces the entry in place without moving it.
//
// It also carries the dimensionality of the first non-empty embedding it saw,
// which ingestion uses to reject vectors from a different model.
type Index struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Entry
	dim     int
}

// New returns an empty index.
func New() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Load rebuilds the index wholesale from chunks, in the order given.
func (x *Index) Load(chunks []domain.Chunk) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.order = make([]string, 0, len(chunks))
	x.entries = make(map[string]Entry, len(chunks))
	x.dim = 0
	for _, c := range chunks {
		x.setLocked(c.ID, c.Text, c.Embedding)
	}
}

// Clear drops every entry and the dimension tag.
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.order = nil
	x.entries = make(map[string]Entry)
	x.dim = 0
}

// Set inserts or replaces the entry for id.
func (x *Index) Set(id, text string, embedding []float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.setLocked(id, text, embedding)
}

func (x *Index) setLocked(id, text string, embedding []float64) {
	if _, ok := x.entries[id]; !ok {
		x.order = append(x.order, id)
	}
	x.entries[id] = Entry{Text: text, Embedding: embedding}
	if x.dim == 0 && len(embedding) > 0 {
		x.dim = len(embedding)
	}
}

// Get returns the entry for id.
func (x *Index) Get(id string) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[id]
	return e, ok
}

// Len returns the number of indexed chunks.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Dimension returns the tagged embedding dimensionality, or 0 if none is known yet.
func (x *Index) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

// Range calls fn for each entry in insertion order until fn returns false.
// The read lock is held for the whole walk; fn must not call back into the index.
func (x *Index) Range(fn func(id string, embedding []float64) bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, id := range x.order {
		if !fn(id, x.entries[id].Embedding) {
			return
		}
	}
}
