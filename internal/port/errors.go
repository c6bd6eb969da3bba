package port

import "errors"

// Sentinel errors used across ports.
var (
	ErrEmbeddingService   = errors.New("embedding service error")
	ErrGenerationService  = errors.New("generation service error")
	ErrConfiguration      = errors.New("configuration error")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrInvalidChunk       = errors.New("invalid chunk")
	ErrInvalidChunkParams = errors.New("chunk size must exceed overlap, overlap must be >= 0")
	ErrJobNotFound        = errors.New("job not found")
)
