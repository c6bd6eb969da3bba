package domain

import (
	"errors"
	"math"
	"time"
)

// FallbackAnswer is the fixed reply when the context cannot answer the question.
const FallbackAnswer = "I don't know based on the provided context."

// Chunk is the atomic retrievable unit: a window of ingested text and its vector.
type Chunk struct {
	ID        string    `json:"chunk_id"   db:"chunk_id"`
	Text      string    `json:"text"       db:"text"`
	Embedding []float64 `json:"-"          db:"embedding_json"`
	CreatedAt time.Time `json:"created_at" db:"created_at_utc"`
}

// Dim returns the dimensionality of the chunk's embedding.
func (c Chunk) Dim() int {
	return len(c.Embedding)
}

// Validate checks the fields required before a chunk is persisted.
func (c Chunk) Validate() error {
	if c.ID == "" {
		return errors.New("empty chunk id")
	}
	if len(c.Embedding) == 0 {
		return errors.New("empty embedding")
	}
	for _, v := range c.Embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("embedding contains NaN or Inf")
		}
	}
	if c.CreatedAt.IsZero() {
		return errors.New("missing created_at")
	}
	return nil
}

// Match is one ranked result. Text is nil when the index no longer holds the chunk.
type Match struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
	Text    *string `json:"text"`
}

// IngestResult summarizes one ingestion call.
type IngestResult struct {
	Chunks         []Chunk  `json:"-"`
	ChunkIDs       []string `json:"chunk_ids"`
	EmbeddingDim   *int     `json:"embedding_dim"`
	EmbeddingModel string   `json:"embedding_model"`
}

// Answer is the outcome of the query path.
type Answer struct {
	Question  string  `json:"question"`
	Answer    string  `json:"answer"`
	ChatModel string  `json:"chat_model"`
	Matches   []Match `json:"matches"`
	Context   string  `json:"context"`
	// Grounded is false when the generator was skipped for lack of context.
	Grounded bool `json:"-"`
}

// MatchCount returns the number of ranked matches.
func (a *Answer) MatchCount() int {
	return len(a.Matches)
}
