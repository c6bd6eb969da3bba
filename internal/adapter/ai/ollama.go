package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/arturoeanton/rag-service/internal/port"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultTimeout = 60 * time.Second
)

// OllamaEndpointConfig holds the configuration for a single Ollama endpoint.
type OllamaEndpointConfig struct {
	BaseURL string        // e.g. http://localhost:11434
	Model   string        // e.g. nomic-embed-text, llama3.1
	Token   string        // Bearer token for hosted Ollama (empty = no auth)
	Timeout time.Duration // per request; zero means DefaultTimeout
}

func (c OllamaEndpointConfig) url(path string) string {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

// OllamaEmbedder implements port.Embedder using POST /api/embeddings.
type OllamaEmbedder struct {
	cfg        OllamaEndpointConfig
	httpClient *http.Client
}

var _ port.Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an embedding client with a bounded request timeout.
func NewOllamaEmbedder(cfg OllamaEndpointConfig) *OllamaEmbedder {
	return &OllamaEmbedder{cfg: cfg, httpClient: newHTTPClient(cfg.Timeout)}
}

// ModelName returns the embedding model identifier.
func (o *OllamaEmbedder) ModelName() string {
	return o.cfg.Model
}

// Embed generates a vector embedding for the given text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	payload := map[string]interface{}{
		"model":  o.cfg.Model,
		"prompt": text,
	}

	body, err := post(ctx, o.httpClient, o.cfg, "/api/embeddings", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama embed: %v", port.ErrEmbeddingService, err)
	}

	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: ollama embed decode: %v", port.ErrEmbeddingService, err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: ollama embed: response has no embedding", port.ErrEmbeddingService)
	}

	slog.Debug("ollama embed", "model", o.cfg.Model, "dim", len(resp.Embedding))
	return resp.Embedding, nil
}

// post sends a JSON payload to an Ollama endpoint (with optional bearer token)
// and returns the body of a 200 response.
func post(ctx context.Context, client *http.Client, cfg OllamaEndpointConfig, path string, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.url(path), bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return io.ReadAll(resp.Body)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
