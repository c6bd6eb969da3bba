package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arturoeanton/rag-service/internal/port"
)

// Config holds all application configuration. Values come from defaults, then an
// optional YAML file named by RAG_CONFIG_FILE, then environment variables.
type Config struct {
	// Server
	Port        string `yaml:"port"`
	AppName     string `yaml:"app_name"`
	CORSOrigins string `yaml:"cors_origins"`

	// Ollama
	OllamaBaseURL        string `yaml:"ollama_base_url"`
	OllamaToken          string `yaml:"ollama_token"` // Bearer token for Ollama Cloud (empty = local)
	EmbeddingModel       string `yaml:"embedding_model"`
	ChatModel            string `yaml:"chat_model"`
	OllamaTimeoutSeconds int    `yaml:"ollama_timeout_seconds"`

	// Storage. DatabaseURL selects Postgres; empty means SQLite at SQLitePath.
	SQLitePath  string `yaml:"sqlite_db_path"`
	DatabaseURL string `yaml:"database_url"`

	// Retrieval
	ChunkSize        int  `yaml:"chunk_size"`
	ChunkOverlap     int  `yaml:"chunk_overlap"`
	MaxContextChars  int  `yaml:"max_context_chars"`
	DefaultTopK      int  `yaml:"default_top_k"`
	MaxTopK          int  `yaml:"max_top_k"`
	StrictDimensions bool `yaml:"strict_dimensions"`

	// MCP
	MCPEnabled bool   `yaml:"mcp_enabled"`
	MCPPort    string `yaml:"mcp_port"`

	// WatchDir enables directory ingestion when non-empty.
	WatchDir string `yaml:"watch_dir"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:        "8000",
		AppName:     "rag-service",
		CORSOrigins: "*",

		OllamaBaseURL:        "http://localhost:11434",
		EmbeddingModel:       "nomic-embed-text",
		ChatModel:            "llama3.1",
		OllamaTimeoutSeconds: 60,

		SQLitePath: "data/rag.db",

		ChunkSize:        500,
		ChunkOverlap:     50,
		MaxContextChars:  4000,
		DefaultTopK:      5,
		MaxTopK:          20,
		StrictDimensions: true,

		MCPPort: "8001",

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds the configuration. A missing RAG_CONFIG_FILE is not an error.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("RAG_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("config file not found, using defaults", "path", path)
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", port.ErrConfiguration, path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %v", port.ErrConfiguration, path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envOrDefault("PORT", c.Port)
	c.AppName = envOrDefault("APP_NAME", c.AppName)
	c.CORSOrigins = envOrDefault("CORS_ORIGINS", c.CORSOrigins)

	c.OllamaBaseURL = envOrDefault("OLLAMA_BASE_URL", c.OllamaBaseURL)
	c.OllamaToken = envOrDefault("OLLAMA_TOKEN", c.OllamaToken)
	c.EmbeddingModel = envOrDefault("EMBEDDING_MODEL", c.EmbeddingModel)
	c.ChatModel = envOrDefault("CHAT_MODEL", c.ChatModel)
	c.OllamaTimeoutSeconds = envOrDefaultInt("OLLAMA_TIMEOUT_SECONDS", c.OllamaTimeoutSeconds)

	c.SQLitePath = envOrDefault("SQLITE_DB_PATH", c.SQLitePath)
	c.DatabaseURL = envOrDefault("DATABASE_URL", c.DatabaseURL)

	c.ChunkSize = envOrDefaultInt("CHUNK_SIZE", c.ChunkSize)
	c.ChunkOverlap = envOrDefaultInt("CHUNK_OVERLAP", c.ChunkOverlap)
	c.MaxContextChars = envOrDefaultInt("MAX_CONTEXT_CHARS", c.MaxContextChars)
	c.DefaultTopK = envOrDefaultInt("DEFAULT_TOP_K", c.DefaultTopK)
	c.MaxTopK = envOrDefaultInt("MAX_TOP_K", c.MaxTopK)
	c.StrictDimensions = envOrDefaultBool("STRICT_DIMENSIONS", c.StrictDimensions)

	c.MCPEnabled = envOrDefaultBool("MCP_ENABLED", c.MCPEnabled)
	c.MCPPort = envOrDefault("MCP_PORT", c.MCPPort)

	c.WatchDir = envOrDefault("WATCH_DIR", c.WatchDir)

	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("LOG_FORMAT", c.LogFormat)
}

// Validate reports the first setting the service cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.ChunkOverlap < 0:
		return fmt.Errorf("%w: CHUNK_OVERLAP must be >= 0, got %d", port.ErrConfiguration, c.ChunkOverlap)
	case c.ChunkSize <= c.ChunkOverlap:
		return fmt.Errorf("%w: CHUNK_SIZE (%d) must exceed CHUNK_OVERLAP (%d)", port.ErrConfiguration, c.ChunkSize, c.ChunkOverlap)
	case strings.TrimSpace(c.EmbeddingModel) == "":
		return fmt.Errorf("%w: EMBEDDING_MODEL is empty", port.ErrConfiguration)
	case strings.TrimSpace(c.ChatModel) == "":
		return fmt.Errorf("%w: CHAT_MODEL is empty", port.ErrConfiguration)
	case c.OllamaTimeoutSeconds <= 0:
		return fmt.Errorf("%w: OLLAMA_TIMEOUT_SECONDS must be positive", port.ErrConfiguration)
	case c.MaxTopK < 1:
		return fmt.Errorf("%w: MAX_TOP_K must be >= 1", port.ErrConfiguration)
	case c.DefaultTopK < 1 || c.DefaultTopK > c.MaxTopK:
		return fmt.Errorf("%w: DEFAULT_TOP_K must be within 1..%d", port.ErrConfiguration, c.MaxTopK)
	}
	return nil
}

// OllamaTimeout returns the per-request timeout for Ollama calls.
func (c *Config) OllamaTimeout() time.Duration {
	return time.Duration(c.OllamaTimeoutSeconds) * time.Second
}

// LogLevelValue maps LogLevel to a slog level, defaulting to info.
func (c *Config) LogLevelValue() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// StoreBackend names the durable store the settings select, for logging.
func (c *Config) StoreBackend() string {
	if c.DatabaseURL != "" {
		return "postgres"
	}
	return "sqlite:" + c.SQLitePath
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("ignoring non-integer env value", "key", key, "value", v)
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		slog.Warn("ignoring non-boolean env value", "key", key, "value", v)
	}
	return fallback
}
