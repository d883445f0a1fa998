// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index is the model library index: an embedded SQLite store
// holding the canonical record for every artifact in the library, with
// full-text search over names, families, types, and tags.
//
// Records and their search rows are written in the same transaction,
// so the FTS table can never drift from the library. Reads run
// concurrently across the connection pool; SQLite serializes writes.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening the library index.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist. ":memory:" opens an in-memory index for tests.
	Path string

	// PoolSize is the number of pooled connections. Zero or negative
	// defaults to max(NumCPU, 4). Forced to 1 for in-memory databases,
	// where each connection would otherwise see its own empty store.
	PoolSize int

	Logger *slog.Logger
}

// Store is the library index.
//
// # Thread Safety
//
// Store is safe for concurrent use. Individual connections are not;
// every operation takes its own connection from the pool.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open opens the index, applies the connection pragmas, and runs any
// pending schema migrations. The database file is created on first
// open. The caller must Close the returned store.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("index: database path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	if cfg.Path == ":memory:" {
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("index: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, logger: cfg.Logger, path: cfg.Path}
	if err := s.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	cfg.Logger.Info("model index opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

// Close closes the pool. Blocks until borrowed connections return.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("index: closing %s: %w", s.path, err)
	}
	return nil
}

// prepareConnection applies the standard pragmas to each pooled
// connection on first use.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("index: %s: %w", pragma, err)
		}
	}
	return nil
}

// migration is one versioned schema step. Versions apply in order and
// are recorded in schema_migrations, so reopening an index is a no-op.
type migration struct {
	version int
	script  string
}

var migrations = []migration{
	{version: 1, script: schemaV1},
}

const schemaV1 = `
	CREATE TABLE IF NOT EXISTS models (
		id            TEXT PRIMARY KEY,
		official_name TEXT NOT NULL,
		path          TEXT NOT NULL UNIQUE,
		extra_files   TEXT,
		hash          TEXT NOT NULL UNIQUE,
		size_bytes    INTEGER NOT NULL,
		family        TEXT,
		type          TEXT,
		quantization  TEXT,
		parameters    INTEGER,
		aliases       TEXT,
		tags          TEXT,
		needs_review  INTEGER NOT NULL DEFAULT 0,
		added_at      INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_models_hash ON models(hash);
	CREATE INDEX IF NOT EXISTS idx_models_family ON models(family);
	CREATE INDEX IF NOT EXISTS idx_models_added ON models(added_at);

	CREATE TABLE IF NOT EXISTS provenance (
		model_id     TEXT NOT NULL,
		source       TEXT NOT NULL,
		job_id       TEXT,
		original_ref TEXT NOT NULL,
		imported_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_provenance_model ON provenance(model_id);

	CREATE TABLE IF NOT EXISTS alternates (
		model_id    TEXT NOT NULL,
		field       TEXT NOT NULL,
		value       TEXT NOT NULL,
		origin      TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alternates_model ON alternates(model_id);

	CREATE TABLE IF NOT EXISTS bindings (
		model_id   TEXT NOT NULL,
		consumer   TEXT NOT NULL,
		alias      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(consumer, alias)
	);
	CREATE INDEX IF NOT EXISTS idx_bindings_model ON bindings(model_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS models_fts USING fts5(
		model_id UNINDEXED,
		official_name,
		family,
		type,
		tags,
		aliases,
		file_path
	);
`

// migrate applies pending schema migrations, each in its own
// transaction together with its version row.
func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.ExecuteTransient(conn, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`, nil)
	if err != nil {
		return fmt.Errorf("index: create migrations table: %w", err)
	}

	current := 0
	err = sqlitex.ExecuteTransient(conn,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				current = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("index: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(conn, m); err != nil {
			return err
		}
		s.logger.Info("index schema migrated", "version", m.version)
	}
	return nil
}

func (s *Store) applyMigration(conn *sqlite.Conn, m migration) (err error) {
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("index: begin migration %d: %w", m.version, err)
	}
	defer endFn(&err)

	if err = sqlitex.ExecuteScript(conn, m.script, nil); err != nil {
		return fmt.Errorf("index: apply migration %d: %w", m.version, err)
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		&sqlitex.ExecOptions{Args: []any{m.version, nowNanos()}})
	if err != nil {
		return fmt.Errorf("index: record migration %d: %w", m.version, err)
	}
	return nil
}
