// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the front-end's SQLite database: a fixed-size
// zombiezen connection pool with WAL journaling and a versioned schema.
//
// Schema changes are expressed as an ordered list of migration scripts.
// Migration i (zero-based) brings the database from user_version i to
// i+1; Open applies whatever is missing inside one immediate transaction
// so that concurrent opens never interleave migrations.
package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for Open.
type Config struct {
	// Path is the database file, or ":memory:" for a private
	// in-memory database (PoolSize is forced to 1).
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	// Migrations are applied in order on first open.
	Migrations []string

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Pool is safe for concurrent use; the connections it hands out are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// memoryDatabases numbers in-memory databases so each Open gets its own.
var memoryDatabases atomic.Uint64

// Open creates the pool and brings the schema up to date.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	uri := cfg.Path
	if cfg.Path == ":memory:" {
		// sqlitex refuses ":memory:"; a named shared-cache URI gives
		// the pool one database that lives as long as its connection.
		uri = fmt.Sprintf("file:outpost-memory-%d?mode=memory&cache=shared", memoryDatabases.Add(1))
		poolSize = 1
	}

	inner, err := sqlitex.NewPool(uri, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}
	pool := &Pool{inner: inner, logger: logger, path: cfg.Path}

	if err := pool.migrate(ctx, cfg.Migrations); err != nil {
		inner.Close()
		return nil, err
	}
	logger.Info("sqlite pool opened", "path", cfg.Path, "pool_size", poolSize)
	return pool, nil
}

// Take borrows a connection; the caller must Put it back.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Put(nil) is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close waits for borrowed connections and closes the pool.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

func (p *Pool) migrate(ctx context.Context, migrations []string) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin migration: %w", err)
	}
	defer endFn(&err)

	var current int
	err = sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			current = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("sqlitepool: reading user_version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("sqlitepool: database schema version %d is newer than this binary (%d)", current, len(migrations))
	}
	for version := current; version < len(migrations); version++ {
		if err := sqlitex.ExecuteScript(conn, migrations[version], nil); err != nil {
			return fmt.Errorf("sqlitepool: migration %d: %w", version+1, err)
		}
		p.logger.Info("applied schema migration", "path", p.path, "version", version+1)
	}
	if current != len(migrations) {
		pragma := fmt.Sprintf("PRAGMA user_version = %d", len(migrations))
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: writing user_version: %w", err)
		}
	}
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	return nil
}
