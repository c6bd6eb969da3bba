// Package chunker splits text into fixed-size overlapping windows.
package chunker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/arturoeanton/rag-service/internal/domain"
	"github.com/arturoeanton/rag-service/internal/port"
)

const (
	DefaultSize    = 500
	DefaultOverlap = 50
)

// Window is a sliding-window chunker measured in code points.
type Window struct {
	size    int
	overlap int
	newID   func() string
}

// Option configures a Window.
type Option func(*Window)

// WithIDFunc replaces the uuid generator, mainly for tests.
func WithIDFunc(fn func() string) Option {
	return func(w *Window) { w.newID = fn }
}

// New returns a Window chunker. size must exceed overlap and overlap must be >= 0.
func New(size, overlap int, opts ...Option) (*Window, error) {
	if overlap < 0 || size <= overlap {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", port.ErrInvalidChunkParams, size, overlap)
	}
	w := &Window{size: size, overlap: overlap, newID: uuid.NewString}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Size returns the window length.
func (w *Window) Size() int { return w.size }

// Overlap returns the number of code points shared by adjacent windows.
func (w *Window) Overlap() int { return w.overlap }

// Split cuts text into windows [start, start+size) advancing by size-overlap.
// Every window gets a fresh id, so re-chunking the same text yields new ids.
func (w *Window) Split(text string) []domain.Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := w.size - w.overlap
	chunks := make([]domain.Chunk, 0, (len(runes)+step-1)/step)
	for start := 0; start < len(runes); start += step {
		end := min(start+w.size, len(runes))
		chunks = append(chunks, domain.Chunk{
			ID:   w.newID(),
			Text: string(runes[start:end]),
		})
	}
	return chunks
}
