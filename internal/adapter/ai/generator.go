package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"

	"github.com/arturoeanton/rag-service/internal/domain"
	"github.com/arturoeanton/rag-service/internal/port"
)

var (
	defaultSystemPrompt = heredoc.Doc(`
		You are a helpful assistant. Use ONLY the provided context to answer.
		If the context does not contain the answer, say you don't know.`)

	userPromptTemplate = heredoc.Doc(`
		CONTEXT:
		%s

		QUESTION:
		%s

		INSTRUCTIONS:
		- Answer using only the context.
		- If the answer is not in the context, reply: "%s"`)
)

// BuildUserPrompt renders the grounding instruction sent as the user turn.
func BuildUserPrompt(question, contextBlock string) string {
	return fmt.Sprintf(userPromptTemplate, contextBlock, question, domain.FallbackAnswer)
}

// OllamaGenerator implements port.Generator using POST /api/chat (non-streaming).
type OllamaGenerator struct {
	cfg          OllamaEndpointConfig
	systemPrompt string
	httpClient   *http.Client
}

var _ port.Generator = (*OllamaGenerator)(nil)

// NewOllamaGenerator creates an answer generator. An empty systemPrompt selects the default.
func NewOllamaGenerator(cfg OllamaEndpointConfig, systemPrompt string) *OllamaGenerator {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &OllamaGenerator{
		cfg:          cfg,
		systemPrompt: systemPrompt,
		httpClient:   newHTTPClient(cfg.Timeout),
	}
}

// ModelName returns the chat model identifier.
func (o *OllamaGenerator) ModelName() string {
	return o.cfg.Model
}

// Generate answers question grounded on contextBlock and returns the trimmed model reply.
func (o *OllamaGenerator) Generate(ctx context.Context, question, contextBlock string) (string, error) {
	if strings.TrimSpace(o.cfg.Model) == "" {
		return "", fmt.Errorf("%w: chat model must be a non-empty string", port.ErrConfiguration)
	}

	messages := []map[string]string{
		{"role": "system", "content": o.systemPrompt},
		{"role": "user", "content": BuildUserPrompt(question, contextBlock)},
	}

	payload := map[string]interface{}{
		"model":    o.cfg.Model,
		"messages": messages,
		"stream":   false,
	}

	body, err := post(ctx, o.httpClient, o.cfg, "/api/chat", payload)
	if err != nil {
		return "", fmt.Errorf("%w: ollama chat: %v", port.ErrGenerationService, err)
	}

	var resp struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: ollama chat decode: %v", port.ErrGenerationService, err)
	}
	if resp.Message == nil {
		return "", fmt.Errorf("%w: ollama chat: response has no message", port.ErrGenerationService)
	}

	slog.Debug("ollama chat", "model", o.cfg.Model, "answer_len", len(resp.Message.Content))
	return strings.TrimSpace(resp.Message.Content), nil
}
