package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

var postgresDialect = dialect{
	name: "postgres",
	upsert: `INSERT INTO chunks (chunk_id, text, embedding_json, created_at_utc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chunk_id) DO UPDATE SET
			text = EXCLUDED.text,
			embedding_json = EXCLUDED.embedding_json,
			created_at_utc = EXCLUDED.created_at_utc`,
	schema: schemaStatements,
}

// NewPostgresStore opens a connection pool, pings it and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*ChunkStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &ChunkStore{db: db, dialect: postgresDialect}
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Open picks Postgres when databaseURL is set and SQLite at sqlitePath otherwise.
func Open(ctx context.Context, databaseURL, sqlitePath string) (*ChunkStore, error) {
	if databaseURL != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	return NewSQLiteStore(ctx, sqlitePath)
}

// Backend reports which SQL dialect the store speaks.
func (s *ChunkStore) Backend() string {
	return s.dialect.name
}
