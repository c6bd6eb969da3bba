package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DefaultSQLitePath is used when no SQLITE_DB_PATH override is given.
const DefaultSQLitePath = "data/rag.db"

var sqliteDialect = dialect{
	name: "sqlite",
	upsert: `INSERT INTO chunks (chunk_id, text, embedding_json, created_at_utc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			text = excluded.text,
			embedding_json = excluded.embedding_json,
			created_at_utc = excluded.created_at_utc`,
	schema: schemaStatements,
}

// NewSQLiteStore opens (creating if needed) a SQLite database in WAL mode with
// synchronous=NORMAL and ensures the schema exists.
func NewSQLiteStore(ctx context.Context, path string) (*ChunkStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &ChunkStore{db: db, dialect: sqliteDialect}
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
