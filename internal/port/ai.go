package port

import "context"

// Embedder turns text into a fixed-length vector via a remote embedding service.
type Embedder interface {
	// ModelName returns the embedding model identifier.
	ModelName() string

	// Embed returns the vector for text. Failures wrap ErrEmbeddingService.
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Generator produces an answer grounded on a context block.
type Generator interface {
	// ModelName returns the chat model identifier.
	ModelName() string

	// Generate answers question using only contextBlock. Failures wrap ErrGenerationService,
	// or ErrConfiguration when no model is configured.
	Generate(ctx context.Context, question, contextBlock string) (string, error)
}
