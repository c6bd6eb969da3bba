package handler

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/rag-service/internal/domain"
	"github.com/arturoeanton/rag-service/internal/service"
)

const previewChars = 80

// Limits bounds the top_k query parameter.
type Limits struct {
	DefaultTopK int
	MaxTopK     int
}

// RAGHandler serves ingestion, chat and health.
type RAGHandler struct {
	ragService *service.RAGService
	appName    string
	limits     Limits
}

// NewRAGHandler creates a new RAG handler.
func NewRAGHandler(ragService *service.RAGService, appName string, limits Limits) *RAGHandler {
	if limits.MaxTopK <= 0 {
		limits.MaxTopK = 20
	}
	if limits.DefaultTopK <= 0 {
		limits.DefaultTopK = 5
	}
	return &RAGHandler{ragService: ragService, appName: appName, limits: limits}
}

// Register sets up health and /v1 routes.
func (h *RAGHandler) Register(router fiber.Router) {
	router.Get("/health", h.Health)

	v1 := router.Group("/v1")
	v1.Post("/ingest", h.Ingest)
	v1.Post("/chat", h.Chat)
}

// Health reports liveness and the size of the index.
func (h *RAGHandler) Health(c fiber.Ctx) error {
	// null until a vector is known, as in the ingest response
	var dim *int
	if d := h.ragService.Dimension(); d > 0 {
		dim = &d
	}
	return c.JSON(fiber.Map{
		"status":        "ok",
		"service":       h.appName,
		"chunks":        h.ragService.ChunkCount(),
		"embedding_dim": dim,
	})
}

type ingestRequest struct {
	Text *string `json:"text"`
}

type chunkPreview struct {
	ID               string    `json:"id"`
	TextPreview      string    `json:"text_preview"`
	EmbeddingPreview []float64 `json:"embedding_preview"`
}

// Ingest chunks, embeds and stores the posted text.
func (h *RAGHandler) Ingest(c fiber.Ctx) error {
	var body ingestRequest
	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.Text == nil {
		return badRequest(c, "text is required")
	}
	verbose, err := parseBool(c.Query("verbose"))
	if err != nil {
		return badRequest(c, "verbose must be a boolean")
	}

	result, err := h.ragService.Ingest(c.Context(), *body.Text, nil)
	if err != nil {
		slog.Error("ingest failed", "error", err)
		return respondError(c, err)
	}

	resp := fiber.Map{
		"status":          "accepted",
		"chunks_created":  len(result.ChunkIDs),
		"chunk_ids":       result.ChunkIDs,
		"embedding_dim":   result.EmbeddingDim,
		"embedding_model": result.EmbeddingModel,
	}
	if verbose {
		resp["chunks_preview"] = previews(result.Chunks)
	}
	return c.JSON(resp)
}

func previews(chunks []domain.Chunk) []chunkPreview {
	out := make([]chunkPreview, len(chunks))
	for i, ch := range chunks {
		text := []rune(ch.Text)
		out[i] = chunkPreview{
			ID:               ch.ID,
			TextPreview:      string(text[:min(len(text), previewChars)]),
			EmbeddingPreview: ch.Embedding[:min(len(ch.Embedding), 5)],
		}
	}
	return out
}

type chatRequest struct {
	Question string `json:"question"`
}

// Chat answers a question from the indexed chunks.
func (h *RAGHandler) Chat(c fiber.Ctx) error {
	var body chatRequest
	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(body.Question) == "" {
		return badRequest(c, "question is required")
	}
	topK, err := h.topK(c.Query("top_k"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	answer, err := h.ragService.Query(c.Context(), body.Question, topK)
	if err != nil {
		slog.Error("chat failed", "error", err)
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"question":    answer.Question,
		"answer":      answer.Answer,
		"chat_model":  answer.ChatModel,
		"matches":     answer.Matches,
		"match_count": answer.MatchCount(),
		"context":     answer.Context,
	})
}

func (h *RAGHandler) topK(raw string) (int, error) {
	if raw == "" {
		return h.limits.DefaultTopK, nil
	}
	k, err := strconv.Atoi(raw)
	if err != nil || k < 1 || k > h.limits.MaxTopK {
		return 0, fmt.Errorf("top_k must be an integer between 1 and %d", h.limits.MaxTopK)
	}
	return k, nil
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
