// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records every tool invocation as an append-only trail.
//
// A record names who triggered the call (the agent loop or the MCP
// surface), which tool ran, the resolved path or query it operated on,
// and the outcome. Records are never updated or deleted. The trail can
// be exported as a deterministic CBOR stream for offline analysis.
//
// Key exports: Log, Record, OriginAgent, OriginMCP.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hearth-dev/hearth/lib/codec"
	"github.com/hearth-dev/hearth/lib/sqlitepool"
)

// Origins of tool calls.
const (
	OriginAgent = "agent"
	OriginMCP   = "mcp"
)

// Outcomes of tool calls.
const (
	OutcomeOK            = "ok"
	OutcomeError         = "error"
	OutcomePathViolation = "path_violation"
	OutcomeNotAllowed    = "tool_not_allowed"
)

// Record is one audit trail entry.
type Record struct {
	ID          string `cbor:"1,keyasint" json:"id"`
	Origin      string `cbor:"2,keyasint" json:"origin"`
	SessionID   string `cbor:"3,keyasint,omitempty" json:"session_id,omitempty"`
	WorkspaceID string `cbor:"4,keyasint" json:"workspace_id"`
	Tool        string `cbor:"5,keyasint" json:"tool"`
	Target      string `cbor:"6,keyasint" json:"target"`
	Outcome     string `cbor:"7,keyasint" json:"outcome"`
	ElapsedMS   int64  `cbor:"8,keyasint" json:"elapsed_ms"`
	CreatedAt   int64  `cbor:"9,keyasint" json:"created_at"`
}

// Config describes a Log.
type Config struct {
	// Pool is the backing database. Required.
	Pool *sqlitepool.Pool

	// Logger mirrors appended records at debug level. Defaults to
	// discard.
	Logger *slog.Logger
}

// Log is the append-only audit trail.
type Log struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id           TEXT PRIMARY KEY,
	origin       TEXT NOT NULL,
	session_id   TEXT NOT NULL DEFAULT '',
	workspace_id TEXT NOT NULL,
	tool         TEXT NOT NULL,
	target       TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	elapsed_ms   INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_by_session ON audit_records (session_id, created_at);
CREATE INDEX IF NOT EXISTS audit_by_workspace ON audit_records (workspace_id, created_at);
`

// Open prepares the audit trail.
func Open(ctx context.Context, config Config) (*Log, error) {
	if config.Pool == nil {
		panic("audit: Config.Pool is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := config.Pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer config.Pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("audit: creating schema: %w", err)
	}

	return &Log{pool: config.Pool, logger: logger}, nil
}

// Append stores a record. The ID and timestamp are assigned here.
func (l *Log) Append(ctx context.Context, record Record) error {
	record.ID = uuid.NewString()
	record.CreatedAt = time.Now().Unix()

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO audit_records
			(id, origin, session_id, workspace_id, tool, target, outcome, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{Args: []any{
			record.ID, record.Origin, record.SessionID, record.WorkspaceID,
			record.Tool, record.Target, record.Outcome, record.ElapsedMS,
			record.CreatedAt,
		}})
	if err != nil {
		return fmt.Errorf("audit: appending record: %w", err)
	}

	l.logger.Debug("tool call audited",
		"origin", record.Origin, "workspace", record.WorkspaceID,
		"tool", record.Tool, "outcome", record.Outcome)
	return nil
}

// ListBySession returns a session's records, oldest first.
func (l *Log) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	return l.list(ctx, "session_id", sessionID)
}

// ListByWorkspace returns a workspace's records, oldest first.
func (l *Log) ListByWorkspace(ctx context.Context, workspaceID string) ([]Record, error) {
	return l.list(ctx, "workspace_id", workspaceID)
}

func (l *Log) list(ctx context.Context, column, value string) ([]Record, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.pool.Put(conn)

	query := fmt.Sprintf(`
		SELECT id, origin, session_id, workspace_id, tool, target, outcome, elapsed_ms, created_at
		FROM audit_records WHERE %s = ? ORDER BY created_at, id;`, column)

	var records []Record
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{value},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, scanRecord(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: listing records: %w", err)
	}
	return records, nil
}

// Export writes every record for a workspace to writer as a CBOR
// stream, one record per item, in chronological order.
func (l *Log) Export(ctx context.Context, workspaceID string, writer io.Writer) error {
	records, err := l.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}

	encoder := codec.NewEncoder(writer)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("audit: encoding record %s: %w", record.ID, err)
		}
	}
	return nil
}

func scanRecord(stmt *sqlite.Stmt) Record {
	return Record{
		ID:          stmt.ColumnText(0),
		Origin:      stmt.ColumnText(1),
		SessionID:   stmt.ColumnText(2),
		WorkspaceID: stmt.ColumnText(3),
		Tool:        stmt.ColumnText(4),
		Target:      stmt.ColumnText(5),
		Outcome:     stmt.ColumnText(6),
		ElapsedMS:   stmt.ColumnInt64(7),
		CreatedAt:   stmt.ColumnInt64(8),
	}
}
