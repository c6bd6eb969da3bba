package service

import (
	"fmt"
	"strings"

	"github.com/arturoeanton/rag-service/internal/domain"
	"github.com/arturoeanton/rag-service/internal/index"
)

// DefaultMaxContextChars bounds the context block sent to the generator.
const DefaultMaxContextChars = 4000

// TextLookup resolves a chunk id to its text.
type TextLookup interface {
	Get(id string) (index.Entry, bool)
}

// AssembleContext turns ranked ids into matches and a "[id] text" block joined by
// blank lines, cut at maxChars code points. Matches whose text is missing are still
// reported, with a nil Text, but add nothing to the block.
func AssembleContext(ranked []index.Scored, lookup TextLookup, maxChars int) ([]domain.Match, string) {
	matches := make([]domain.Match, 0, len(ranked))
	parts := make([]string, 0, len(ranked))

	for _, r := range ranked {
		m := domain.Match{ChunkID: r.ChunkID, Score: r.Score}
		if e, ok := lookup.Get(r.ChunkID); ok {
			text := e.Text
			m.Text = &text
			if text != "" {
				parts = append(parts, fmt.Sprintf("[%s] %s", r.ChunkID, text))
			}
		}
		matches = append(matches, m)
	}

	return matches, truncateRunes(strings.Join(parts, "\n\n"), maxChars)
}

func truncateRunes(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}
