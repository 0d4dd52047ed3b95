// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the session lifecycle: creation, turn
// accounting, transcript storage, and terminal outcomes.
//
// A session belongs to exactly one workspace and moves through a small
// state machine: created, active while an exchange is running, then
// exactly one of completed, failed, or cancelled. Terminal states are
// final. Turn accounting is enforced here rather than in the caller:
// BeginTurn refuses to start a turn past the configured ceiling and
// fails the session instead.
//
// All mutations of one session are serialized through a per-session
// lock, so concurrent callers see a consistent state machine and
// message sequence numbers are dense and strictly increasing.
//
// Key exports: Manager, Session, Message, ErrInvalidState,
// ErrTurnLimit, ErrSessionNotFound.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hearth-dev/hearth/lib/sqlitepool"
	"github.com/hearth-dev/hearth/lib/workspace"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
	RoleTool  = "tool"
)

var (
	// ErrSessionNotFound is returned when a session identifier is
	// unknown.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrInvalidState is returned when an operation is not legal in
	// the session's current state.
	ErrInvalidState = errors.New("session: invalid state for operation")

	// ErrTurnLimit is returned by BeginTurn when the turn ceiling is
	// reached. The session is failed as a side effect.
	ErrTurnLimit = errors.New("session: turn limit exceeded")
)

// Session is a single agent exchange within a workspace.
type Session struct {
	ID          string
	WorkspaceID string
	Title       string
	State       State
	Turns       int
	TurnLimit   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is one transcript entry. Sequence numbers within a session
// start at 1 and have no gaps.
type Message struct {
	SessionID string
	Sequence  int
	Role      string
	Content   string
	CreatedAt time.Time
}

// Overview is the listing form of a session: the session plus a
// preview of its most recent message.
type Overview struct {
	Session
	LastMessage string
}

// Config describes a Manager.
type Config struct {
	// Pool is the backing database. Required.
	Pool *sqlitepool.Pool

	// Registry validates workspace identifiers at session creation.
	// Required.
	Registry *workspace.Registry

	// TurnLimit is the default turn ceiling for new sessions.
	// Defaults to 20.
	TurnLimit int

	// Logger receives lifecycle events. Defaults to discard.
	Logger *slog.Logger
}

// Manager creates sessions and mediates every mutation of them.
type Manager struct {
	pool      *sqlitepool.Pool
	registry  *workspace.Registry
	turnLimit int
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	title        TEXT NOT NULL,
	state        TEXT NOT NULL,
	turns        INTEGER NOT NULL DEFAULT 0,
	turn_limit   INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_by_workspace ON sessions (workspace_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL REFERENCES sessions (id),
	sequence   INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, sequence)
);
`

// NewManager prepares the session store.
func NewManager(ctx context.Context, config Config) (*Manager, error) {
	if config.Pool == nil {
		panic("session: Config.Pool is required")
	}
	if config.Registry == nil {
		panic("session: Config.Registry is required")
	}
	if config.TurnLimit <= 0 {
		config.TurnLimit = 20
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
		return nil, fmt.Errorf("session: creating schema: %w", err)
	}

	return &Manager{
		pool:      config.Pool,
		registry:  config.Registry,
		turnLimit: config.TurnLimit,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the mutex serializing mutations of one session.
func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// Create starts a new session in the given workspace. The workspace
// must be registered.
func (m *Manager) Create(ctx context.Context, workspaceID, title string) (*Session, error) {
	if _, err := m.registry.Get(workspaceID); err != nil {
		return nil, err
	}
	if title == "" {
		title = "Untitled session"
	}

	now := time.Now()
	created := &Session{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Title:       title,
		State:       StateCreated,
		TurnLimit:   m.turnLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer m.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (id, workspace_id, title, state, turns, turn_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?);`,
		&sqlitex.ExecOptions{Args: []any{
			created.ID, workspaceID, title, string(StateCreated),
			created.TurnLimit, now.Unix(), now.Unix(),
		}})
	if err != nil {
		return nil, fmt.Errorf("session: inserting session: %w", err)
	}

	m.logger.Info("session created", "session", created.ID, "workspace", workspaceID)
	return created, nil
}

// BeginTurn accounts one engine turn and returns the turn number
// (1-based). A session in a terminal state returns ErrInvalidState.
// When the new turn would exceed the ceiling, the session transitions
// to failed and ErrTurnLimit is returned.
func (m *Manager) BeginTurn(ctx context.Context, sessionID string) (int, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if current.State.Terminal() {
		return 0, fmt.Errorf("%w: session is %s", ErrInvalidState, current.State)
	}

	turn := current.Turns + 1
	if turn > current.TurnLimit {
		if err := m.setState(ctx, sessionID, StateFailed); err != nil {
			return 0, err
		}
		m.logger.Warn("turn limit reached", "session", sessionID, "limit", current.TurnLimit)
		return 0, ErrTurnLimit
	}

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer m.pool.Put(conn)
	err = sqlitex.Execute(conn, `
		UPDATE sessions SET turns = ?, state = ?, updated_at = ? WHERE id = ?;`,
		&sqlitex.ExecOptions{Args: []any{
			turn, string(StateActive), time.Now().Unix(), sessionID,
		}})
	if err != nil {
		return 0, fmt.Errorf("session: recording turn: %w", err)
	}
	return turn, nil
}

// AppendMessage appends a transcript entry. Sequence numbers are
// assigned inside the session lock, so they are dense even under
// concurrent writers. Appending to a terminal session returns
// ErrInvalidState.
func (m *Manager) AppendMessage(ctx context.Context, sessionID, role, content string) (*Message, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, current.State)
	}

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer m.pool.Put(conn)

	endTransaction := sqlitex.Transaction(conn)
	message, err := m.appendMessageLocked(conn, sessionID, role, content)
	endTransaction(&err)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func (m *Manager) appendMessageLocked(conn *sqlite.Conn, sessionID, role, content string) (*Message, error) {
	var nextSequence int64 = 1
	err := sqlitex.Execute(conn, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nextSequence = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session: assigning sequence: %w", err)
	}

	now := time.Now()
	err = sqlitex.Execute(conn, `
		INSERT INTO messages (session_id, sequence, role, content, created_at)
		VALUES (?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{Args: []any{
			sessionID, nextSequence, role, content, now.Unix(),
		}})
	if err != nil {
		return nil, fmt.Errorf("session: inserting message: %w", err)
	}

	return &Message{
		SessionID: sessionID,
		Sequence:  int(nextSequence),
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// Finish moves the session to a terminal outcome. Finishing an
// already-finished session with the same outcome is a no-op; with a
// different outcome it returns ErrInvalidState. The outcome must be
// terminal.
func (m *Manager) Finish(ctx context.Context, sessionID string, outcome State) error {
	if !outcome.Terminal() {
		return fmt.Errorf("session: %q is not a terminal state", outcome)
	}

	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if current.State.Terminal() {
		if current.State == outcome {
			return nil
		}
		return fmt.Errorf("%w: session already %s", ErrInvalidState, current.State)
	}

	if err := m.setState(ctx, sessionID, outcome); err != nil {
		return err
	}
	m.logger.Info("session finished", "session", sessionID, "outcome", outcome)
	return nil
}

func (m *Manager) setState(ctx context.Context, sessionID string, state State) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)
	err = sqlitex.Execute(conn, `
		UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?;`,
		&sqlitex.ExecOptions{Args: []any{string(state), time.Now().Unix(), sessionID}})
	if err != nil {
		return fmt.Errorf("session: updating state: %w", err)
	}
	return nil
}

// Get loads a session by identifier.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer m.pool.Put(conn)

	var loaded *Session
	err = sqlitex.Execute(conn, `
		SELECT id, workspace_id, title, state, turns, turn_limit, created_at, updated_at
		FROM sessions WHERE id = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				loaded = scanSession(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session: loading session: %w", err)
	}
	if loaded == nil {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return loaded, nil
}

// Messages returns the full transcript in sequence order.
func (m *Manager) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := m.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer m.pool.Put(conn)

	var messages []Message
	err = sqlitex.Execute(conn, `
		SELECT sequence, role, content, created_at FROM messages
		WHERE session_id = ? ORDER BY sequence;`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				messages = append(messages, Message{
					SessionID: sessionID,
					Sequence:  int(stmt.ColumnInt64(0)),
					Role:      stmt.ColumnText(1),
					Content:   stmt.ColumnText(2),
					CreatedAt: time.Unix(stmt.ColumnInt64(3), 0),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session: loading messages: %w", err)
	}
	return messages, nil
}

// ListByWorkspace returns session overviews for a workspace, newest
// first, each with a preview of its latest message.
func (m *Manager) ListByWorkspace(ctx context.Context, workspaceID string) ([]Overview, error) {
	if _, err := m.registry.Get(workspaceID); err != nil {
		return nil, err
	}

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer m.pool.Put(conn)

	var overviews []Overview
	err = sqlitex.Execute(conn, `
		SELECT s.id, s.workspace_id, s.title, s.state, s.turns, s.turn_limit,
		       s.created_at, s.updated_at,
		       COALESCE((SELECT content FROM messages
		                 WHERE session_id = s.id ORDER BY sequence DESC LIMIT 1), '')
		FROM sessions s WHERE s.workspace_id = ?
		ORDER BY s.created_at DESC, s.id;`,
		&sqlitex.ExecOptions{
			Args: []any{workspaceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				overviews = append(overviews, Overview{
					Session:     *scanSession(stmt),
					LastMessage: preview(stmt.ColumnText(8)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session: listing sessions: %w", err)
	}
	return overviews, nil
}

func scanSession(stmt *sqlite.Stmt) *Session {
	return &Session{
		ID:          stmt.ColumnText(0),
		WorkspaceID: stmt.ColumnText(1),
		Title:       stmt.ColumnText(2),
		State:       State(stmt.ColumnText(3)),
		Turns:       int(stmt.ColumnInt64(4)),
		TurnLimit:   int(stmt.ColumnInt64(5)),
		CreatedAt:   time.Unix(stmt.ColumnInt64(6), 0),
		UpdatedAt:   time.Unix(stmt.ColumnInt64(7), 0),
	}
}

const previewLimit = 120

func preview(content string) string {
	if len(content) <= previewLimit {
		return content
	}
	return content[:previewLimit] + "..."
}
