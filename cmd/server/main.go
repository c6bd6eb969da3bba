package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/arturoeanton/rag-service/internal/adapter/ai"
	"github.com/arturoeanton/rag-service/internal/adapter/store"
	"github.com/arturoeanton/rag-service/internal/chunker"
	"github.com/arturoeanton/rag-service/internal/handler"
	"github.com/arturoeanton/rag-service/internal/index"
	"github.com/arturoeanton/rag-service/internal/mcp"
	"github.com/arturoeanton/rag-service/internal/middleware"
	"github.com/arturoeanton/rag-service/internal/service"
	"github.com/arturoeanton/rag-service/internal/watch"
	"github.com/arturoeanton/rag-service/pkg/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Load .env file ───────────────────────────────────────────────────
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	// ── Configuration ────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("🚀 Starting "+cfg.AppName,
		"port", cfg.Port,
		"ollama", cfg.OllamaBaseURL,
		"embedding_model", cfg.EmbeddingModel,
		"chat_model", cfg.ChatModel,
		"store", cfg.StoreBackend(),
		"mcp_enabled", cfg.MCPEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Durable store ────────────────────────────────────────────────────
	chunkStore, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer chunkStore.Close()

	// ── Adapters ─────────────────────────────────────────────────────────
	embedder := ai.NewOllamaEmbedder(ai.OllamaEndpointConfig{
		BaseURL: cfg.OllamaBaseURL,
		Model:   cfg.EmbeddingModel,
		Token:   cfg.OllamaToken,
		Timeout: cfg.OllamaTimeout(),
	})
	generator := ai.NewOllamaGenerator(ai.OllamaEndpointConfig{
		BaseURL: cfg.OllamaBaseURL,
		Model:   cfg.ChatModel,
		Token:   cfg.OllamaToken,
		Timeout: cfg.OllamaTimeout(),
	}, "")

	window, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return err
	}

	// ── Services ─────────────────────────────────────────────────────────
	idx := index.New()
	ragService := service.NewRAGService(window, embedder, generator, chunkStore, idx, service.Options{
		MaxContextChars:  cfg.MaxContextChars,
		StrictDimensions: cfg.StrictDimensions,
	})
	if err := ragService.Reload(ctx); err != nil {
		return err
	}

	// ── Fiber App ────────────────────────────────────────────────────────
	app := newApp(ctx, cfg, ragService)

	// ── Start ────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("🌐 Fiber listening", "port", cfg.Port)
		return app.Listen(":"+cfg.Port, fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return app.ShutdownWithContext(shutdownCtx)
	})

	// MCP server (separate port)
	if cfg.MCPEnabled {
		mcpServer := mcp.NewServer(ragService, cfg.MCPPort, cfg.AppName, cfg.DefaultTopK, cfg.MaxTopK)
		g.Go(func() error {
			return mcpServer.Run(gctx)
		})
	}

	if cfg.WatchDir != "" {
		watcher := watch.NewDirWatcher(cfg.WatchDir, func(ctx context.Context, path, text string) error {
			_, err := ragService.Ingest(ctx, text, nil)
			return err
		})
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// newApp builds the HTTP surface. Background jobs run under ctx.
func newApp(ctx context.Context, cfg *config.Config, ragService *service.RAGService) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.OllamaTimeout() + 30*time.Second,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: splitOrigins(cfg.CORSOrigins),
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
	}))
	app.Use(middleware.RequestLog(slog.Default()))

	handler.NewRAGHandler(ragService, cfg.AppName, handler.Limits{
		DefaultTopK: cfg.DefaultTopK,
		MaxTopK:     cfg.MaxTopK,
	}).Register(app)
	handler.NewJobsHandler(ctx, ragService, handler.NewJobTracker()).Register(app)
	return app
}

func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevelValue()}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
