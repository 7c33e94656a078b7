// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statestore persists shell state and command records in
// SQLite.
//
// Snapshots and diffs live in two append-only, content-addressed tables
// (state_base and state_diff). Rows are written with an existence check
// before insert, so concurrent writers racing on the same hash are
// harmless: the content under a hash is always identical. A diff row
// may only be written once its base and every hash in its chain exist.
//
// Each remote instance (session, screen, remote) holds a pointer into
// those tables plus a small front-end summary. Command rows and their
// output are keyed by CommandKey.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/outpost/lib/clock"
	"github.com/bureau-foundation/outpost/lib/compress"
	"github.com/bureau-foundation/outpost/lib/sqlitepool"
	"github.com/bureau-foundation/outpost/shellstate"
)

// ErrNotFound is returned when a hash, remote instance or command does
// not exist.
var ErrNotFound = errors.New("not found")

// DefaultDiffThreshold is the encoded diff size above which Persist
// stores a new base instead.
const DefaultDiffThreshold = 30 * 1024

// Migrations is the schema, in order.
var Migrations = []string{`
CREATE TABLE state_base (
	basehash    TEXT PRIMARY KEY,
	version     TEXT NOT NULL,
	shelltype   TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	compression INTEGER NOT NULL,
	rawsize     INTEGER NOT NULL,
	data        BLOB NOT NULL
);

CREATE TABLE state_diff (
	diffhash    TEXT PRIMARY KEY,
	basehash    TEXT NOT NULL,
	diffhasharr TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	compression INTEGER NOT NULL,
	rawsize     INTEGER NOT NULL,
	data        BLOB NOT NULL
);

CREATE TABLE remote_instance (
	riid                TEXT PRIMARY KEY,
	session_id          TEXT NOT NULL,
	screen_id           TEXT NOT NULL,
	remote_owner_id     TEXT NOT NULL,
	remote_id           TEXT NOT NULL,
	name                TEXT NOT NULL,
	fe_state            BLOB NOT NULL,
	state_base_hash     TEXT NOT NULL,
	state_diff_hash_arr TEXT NOT NULL,
	updated_ts          INTEGER NOT NULL,
	UNIQUE (session_id, screen_id, remote_owner_id, remote_id, name)
);

CREATE TABLE cmd (
	screen_id           TEXT NOT NULL,
	line_id             TEXT NOT NULL,
	remote_owner_id     TEXT NOT NULL,
	remote_id           TEXT NOT NULL,
	remote_name         TEXT NOT NULL,
	cmd_str             TEXT NOT NULL,
	status              TEXT NOT NULL,
	pid                 INTEGER NOT NULL DEFAULT 0,
	exit_code           INTEGER NOT NULL DEFAULT 0,
	duration_ms         INTEGER NOT NULL DEFAULT 0,
	start_ts            INTEGER NOT NULL,
	done_ts             INTEGER NOT NULL DEFAULT 0,
	rtn_state           INTEGER NOT NULL DEFAULT 0,
	state_base_hash     TEXT NOT NULL DEFAULT '',
	state_diff_hash_arr TEXT NOT NULL DEFAULT '',
	rtn_base_hash       TEXT NOT NULL DEFAULT '',
	rtn_diff_hash_arr   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (screen_id, line_id)
);

CREATE INDEX cmd_by_remote ON cmd (remote_id, status);

CREATE TABLE cmd_output (
	screen_id TEXT NOT NULL,
	line_id   TEXT NOT NULL,
	byte_offset INTEGER NOT NULL,
	data      BLOB NOT NULL,
	PRIMARY KEY (screen_id, line_id, byte_offset)
);
`}

// Config holds the parameters for Open.
type Config struct {
	// Path is the database file, or ":memory:".
	Path string

	PoolSize int

	// DiffThreshold defaults to DefaultDiffThreshold.
	DiffThreshold int

	// MaxDiffChain, when positive, forces a new base once a pointer's
	// chain reaches this length.
	MaxDiffChain int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	pool          *sqlitepool.Pool
	clock         clock.Clock
	logger        *slog.Logger
	diffThreshold int
	maxDiffChain  int
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DiffThreshold <= 0 {
		cfg.DiffThreshold = DefaultDiffThreshold
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       cfg.Path,
		PoolSize:   cfg.PoolSize,
		Migrations: Migrations,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	return &Store{
		pool:          pool,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		diffThreshold: cfg.DiffThreshold,
		maxDiffChain:  cfg.MaxDiffChain,
	}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// DiffThreshold returns the configured rebase threshold.
func (s *Store) DiffThreshold() int { return s.diffThreshold }

func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func (s *Store) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer endTransaction(&err)
		return fn(conn)
	})
}

// StoreBase writes state as a base snapshot and returns its hash.
// Storing an existing snapshot is a no-op.
func (s *Store) StoreBase(ctx context.Context, state *shellstate.ShellState) (string, error) {
	var hash string
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		hash, err = s.storeBase(conn, state)
		return err
	})
	return hash, err
}

func (s *Store) storeBase(conn *sqlite.Conn, state *shellstate.ShellState) (string, error) {
	encoded, hash, err := state.Encode()
	if err != nil {
		return "", err
	}
	exists, err := rowExists(conn, "SELECT 1 FROM state_base WHERE basehash = ?", hash)
	if err != nil || exists {
		return hash, err
	}
	blob, tag, err := compress.Compress(encoded)
	if err != nil {
		return "", fmt.Errorf("compressing base %s: %w", hash, err)
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO state_base (basehash, version, shelltype, ts, compression, rawsize, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			hash, state.Version, state.ShellType, s.clock.Now().UnixMilli(),
			int(tag), len(encoded), blob,
		}})
	if err != nil {
		return "", fmt.Errorf("inserting base %s: %w", hash, err)
	}
	s.logger.Debug("stored state base", "hash", hash, "raw_size", len(encoded), "compression", tag.String())
	return hash, nil
}

// StoreDiff writes diff and returns its hash. The diff's base and
// every hash in its chain must already be stored.
func (s *Store) StoreDiff(ctx context.Context, diff *shellstate.ShellStateDiff) (string, error) {
	var hash string
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		encoded, diffHash, err := diff.Encode()
		if err != nil {
			return err
		}
		hash = diffHash
		return s.storeEncodedDiff(conn, diff, encoded, diffHash)
	})
	return hash, err
}

func (s *Store) storeEncodedDiff(conn *sqlite.Conn, diff *shellstate.ShellStateDiff, encoded []byte, hash string) error {
	exists, err := rowExists(conn, "SELECT 1 FROM state_diff WHERE diffhash = ?", hash)
	if err != nil || exists {
		return err
	}
	baseExists, err := rowExists(conn, "SELECT 1 FROM state_base WHERE basehash = ?", diff.BaseHash)
	if err != nil {
		return err
	}
	if !baseExists {
		return fmt.Errorf("storing diff %s: base %s: %w", hash, diff.BaseHash, ErrNotFound)
	}
	for _, prior := range diff.DiffHashArr {
		priorExists, err := rowExists(conn, "SELECT 1 FROM state_diff WHERE diffhash = ?", prior)
		if err != nil {
			return err
		}
		if !priorExists {
			return fmt.Errorf("storing diff %s: prior diff %s: %w", hash, prior, ErrNotFound)
		}
	}
	blob, tag, err := compress.Compress(encoded)
	if err != nil {
		return fmt.Errorf("compressing diff %s: %w", hash, err)
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO state_diff (diffhash, basehash, diffhasharr, ts, compression, rawsize, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			hash, diff.BaseHash, joinHashes(diff.DiffHashArr), s.clock.Now().UnixMilli(),
			int(tag), len(encoded), blob,
		}})
	if err != nil {
		return fmt.Errorf("inserting diff %s: %w", hash, err)
	}
	s.logger.Debug("stored state diff", "hash", hash, "base", diff.BaseHash, "chain", len(diff.DiffHashArr))
	return nil
}

// GetBase loads a base snapshot.
func (s *Store) GetBase(ctx context.Context, hash string) (*shellstate.ShellState, error) {
	var state *shellstate.ShellState
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		state, err = getBase(conn, hash)
		return err
	})
	return state, err
}

func getBase(conn *sqlite.Conn, hash string) (*shellstate.ShellState, error) {
	raw, err := readBlob(conn, "SELECT compression, rawsize, data FROM state_base WHERE basehash = ?", hash)
	if err != nil {
		return nil, fmt.Errorf("loading base %s: %w", hash, err)
	}
	return shellstate.DecodeState(raw)
}

// GetDiff loads a diff.
func (s *Store) GetDiff(ctx context.Context, hash string) (*shellstate.ShellStateDiff, error) {
	var diff *shellstate.ShellStateDiff
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		diff, err = getDiff(conn, hash)
		return err
	})
	return diff, err
}

func getDiff(conn *sqlite.Conn, hash string) (*shellstate.ShellStateDiff, error) {
	raw, err := readBlob(conn, "SELECT compression, rawsize, data FROM state_diff WHERE diffhash = ?", hash)
	if err != nil {
		return nil, fmt.Errorf("loading diff %s: %w", hash, err)
	}
	return shellstate.DecodeDiff(raw)
}

func readBlob(conn *sqlite.Conn, query, hash string) ([]byte, error) {
	var (
		found   bool
		tag     compress.Tag
		rawSize int
		blob    []byte
	)
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{hash},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			tag = compress.Tag(stmt.ColumnInt(0))
			rawSize = stmt.ColumnInt(1)
			blob = make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, blob)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return compress.Decompress(blob, tag, rawSize)
}

func rowExists(conn *sqlite.Conn, query string, args ...any) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

func joinHashes(hashes []string) string {
	return strings.Join(hashes, ",")
}

func splitHashes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
