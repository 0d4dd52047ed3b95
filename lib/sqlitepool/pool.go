// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen.com/go/sqlite's connection pool
// with the pragmas and lifecycle hooks the rest of the system expects.
//
// Every connection is opened with WAL journaling, foreign key
// enforcement, and a busy timeout, so callers never need to repeat
// that setup. An optional OnConnect hook runs once per connection,
// which services use to create their schema.
//
// Key exports: Pool, Config, Open.
package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config describes a SQLite database to open.
type Config struct {
	// Path is the database file path. Required.
	Path string

	// PoolSize is the maximum number of concurrent connections.
	// Defaults to 4.
	PoolSize int

	// Logger receives pool lifecycle messages. Defaults to discard.
	Logger *slog.Logger

	// OnConnect runs once for each new connection after the standard
	// pragmas are applied. Schema creation belongs here.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a bounded pool of SQLite connections sharing one database
// file.
type Pool struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
}

// Open opens the database and prepares the connection pool.
func Open(config Config) (*Pool, error) {
	if config.Path == "" {
		panic("sqlitepool: Config.Path is required")
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 4
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	inner, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize: config.PoolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, config.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", config.Path, err)
	}

	logger.Info("database opened", "path", config.Path, "pool_size", config.PoolSize)
	return &Pool{pool: inner, logger: logger}, nil
}

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: applying %q: %w", pragma, err)
		}
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: connect hook: %w", err)
		}
	}
	return nil
}

// Take borrows a connection from the pool, blocking until one is
// available or the context is cancelled. The caller must return the
// connection with Put.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: taking connection: %w", err)
	}
	return conn, nil
}

// Put returns a connection previously obtained from Take.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.pool.Put(conn)
}

// Close closes all connections. Outstanding Take calls fail.
func (p *Pool) Close() error {
	if err := p.pool.Close(); err != nil {
		return fmt.Errorf("sqlitepool: closing pool: %w", err)
	}
	return nil
}
