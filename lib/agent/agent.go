// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent runs the bounded tool-use loop that answers a user
// message inside a session.
//
// Each Run is one exchange: the user message is appended to the
// transcript, then the loop alternates between model turns and tool
// execution until the model stops requesting tools, the turn ceiling
// trips, the context is cancelled, or an unrecoverable engine failure
// occurs. Tool failures are not loop failures: a rejected path, a
// missing file, or a disallowed tool become error results the model
// sees and can recover from.
//
// Progress is delivered on an event channel: text arrives
// incrementally as chunk events, tool activity as tool_call and
// tool_result events, and exactly one terminal done event carries the
// session's final state. The channel is closed after the terminal
// event.
//
// Key exports: Orchestrator, Run, Event.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearth-dev/hearth/lib/audit"
	"github.com/hearth-dev/hearth/lib/engine"
	"github.com/hearth-dev/hearth/lib/session"
	"github.com/hearth-dev/hearth/lib/tools"
)

// EventType identifies a progress event.
type EventType string

const (
	// EventChunk carries an incremental fragment of the agent's text.
	EventChunk EventType = "chunk"

	// EventToolCall announces a tool invocation about to run.
	EventToolCall EventType = "tool_call"

	// EventToolResult reports a finished tool invocation.
	EventToolResult EventType = "tool_result"

	// EventDone is the single terminal event of a run. It carries the
	// session's final state and, when that state is failed, a short
	// error description.
	EventDone EventType = "done"
)

// Event is one progress event from a run.
type Event struct {
	Type EventType

	// Text is the chunk fragment, or the failure description on a
	// failed done event.
	Text string

	// Tool and Outcome describe tool_call and tool_result events.
	Tool    string
	Outcome string

	// State is the session's final state on the done event.
	State session.State
}

// eventBufferSize bounds the channel so a stalled consumer applies
// backpressure instead of growing memory.
const eventBufferSize = 64

// ErrExchangeActive reports a Run on a session whose previous
// exchange has not finished. A session holds at most one exchange at
// a time; its transcript stays strictly ordered.
var ErrExchangeActive = errors.New("agent: exchange already active on session")

// Config describes an Orchestrator.
type Config struct {
	// Provider is the model backend. Required.
	Provider engine.Provider

	// Sessions owns session state and transcripts. Required.
	Sessions *session.Manager

	// Audit records every tool invocation. Required.
	Audit *audit.Log

	// Model and MaxTokens parameterize every engine request.
	Model     string
	MaxTokens int

	// SystemPrompt is prepended to every exchange.
	SystemPrompt string

	// Logger receives loop events. Defaults to discard.
	Logger *slog.Logger
}

// Orchestrator drives agent exchanges.
type Orchestrator struct {
	provider     engine.Provider
	sessions     *session.Manager
	audit        *audit.Log
	model        string
	maxTokens    int
	systemPrompt string
	logger       *slog.Logger

	// active holds the sessions with a running exchange.
	mu     sync.Mutex
	active map[string]struct{}
}

// New builds an Orchestrator.
func New(config Config) *Orchestrator {
	if config.Provider == nil {
		panic("agent: Config.Provider is required")
	}
	if config.Sessions == nil {
		panic("agent: Config.Sessions is required")
	}
	if config.Audit == nil {
		panic("agent: Config.Audit is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Orchestrator{
		provider:     config.Provider,
		sessions:     config.Sessions,
		audit:        config.Audit,
		model:        config.Model,
		maxTokens:    maxTokens,
		systemPrompt: config.SystemPrompt,
		logger:       logger,
		active:       make(map[string]struct{}),
	}
}

// acquire claims the session for one exchange. Returns
// ErrExchangeActive when another exchange holds it.
func (o *Orchestrator) acquire(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.active[sessionID]; running {
		return ErrExchangeActive
	}
	o.active[sessionID] = struct{}{}
	return nil
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, sessionID)
}

// Run starts one exchange. It validates the session synchronously
// (a terminal session returns session.ErrInvalidState, a session with
// an exchange still running returns ErrExchangeActive), then drives
// the loop in the background and reports progress on the returned
// channel. The caller must drain the channel.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, runner tools.Runner, userMessage string) (<-chan Event, error) {
	if err := o.acquire(sessionID); err != nil {
		return nil, err
	}
	events, err := o.start(ctx, sessionID, runner, userMessage)
	if err != nil {
		o.release(sessionID)
		return nil, err
	}
	return events, nil
}

// start does the synchronous half of Run. The session is already
// acquired; the spawned goroutine releases it.
func (o *Orchestrator) start(ctx context.Context, sessionID string, runner tools.Runner, userMessage string) (<-chan Event, error) {
	current, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() {
		return nil, fmt.Errorf("%w: session is %s", session.ErrInvalidState, current.State)
	}

	transcript, err := o.sessions.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := o.sessions.AppendMessage(ctx, sessionID, session.RoleUser, userMessage); err != nil {
		return nil, err
	}

	conversation := rebuildConversation(transcript)
	conversation = append(conversation, engine.UserMessage(userMessage))

	events := make(chan Event, eventBufferSize)
	go o.run(ctx, current, runner, conversation, events)
	return events, nil
}

// rebuildConversation maps the stored transcript onto engine messages.
// Tool transcript entries were already folded into the agent's text at
// the time they ran, so only user and agent entries carry forward.
func rebuildConversation(transcript []session.Message) []engine.Message {
	var conversation []engine.Message
	for _, message := range transcript {
		switch message.Role {
		case session.RoleUser:
			conversation = append(conversation, engine.UserMessage(message.Content))
		case session.RoleAgent:
			conversation = append(conversation, engine.Message{
				Role:    engine.RoleAssistant,
				Content: []engine.ContentBlock{engine.TextBlock(message.Content)},
			})
		}
	}
	return conversation
}

func (o *Orchestrator) run(ctx context.Context, current *session.Session, runner tools.Runner, conversation []engine.Message, events chan<- Event) {
	// Release before close: once the channel is closed the caller may
	// immediately start another exchange.
	defer close(events)
	defer o.release(current.ID)

	outcome, failure := o.loop(ctx, current, runner, conversation, events)

	// Finishing uses a fresh context: the terminal state must be
	// recorded even when the run was cancelled.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.sessions.Finish(finishCtx, current.ID, outcome); err != nil {
		o.logger.Error("recording session outcome failed",
			"session", current.ID, "outcome", outcome, "error", err)
	}

	done := Event{Type: EventDone, State: outcome}
	if failure != nil {
		done.Text = failure.Error()
	}
	select {
	case events <- done:
	case <-time.After(10 * time.Second):
		// Consumer abandoned the channel without cancelling. The
		// outcome is already durable; drop the event, not the
		// goroutine.
		o.logger.Warn("terminal event not consumed", "session", current.ID)
	}
}

// loop drives turns until a terminal condition and returns the
// outcome. A non-nil failure accompanies StateFailed.
func (o *Orchestrator) loop(ctx context.Context, current *session.Session, runner tools.Runner, conversation []engine.Message, events chan<- Event) (session.State, error) {
	for {
		if ctx.Err() != nil {
			return session.StateCancelled, nil
		}

		turn, err := o.sessions.BeginTurn(ctx, current.ID)
		if err != nil {
			if ctx.Err() != nil {
				return session.StateCancelled, nil
			}
			// On ErrTurnLimit the session is already failed; Finish in
			// the caller is then idempotent.
			return session.StateFailed, err
		}
		o.logger.Debug("turn started", "session", current.ID, "turn", turn)

		response, err := o.completeTurn(ctx, runner, conversation, events)
		if err != nil {
			if ctx.Err() != nil {
				return session.StateCancelled, nil
			}
			return session.StateFailed, err
		}

		if text := response.TextContent(); text != "" {
			if _, err := o.sessions.AppendMessage(ctx, current.ID, session.RoleAgent, text); err != nil {
				return session.StateFailed, err
			}
		}

		toolUses := response.ToolUses()
		if len(toolUses) == 0 {
			return session.StateCompleted, nil
		}

		results, err := o.executeTools(ctx, current, runner, toolUses, events)
		if err != nil {
			if ctx.Err() != nil {
				return session.StateCancelled, nil
			}
			return session.StateFailed, err
		}

		conversation = append(conversation, response.AssistantMessage())
		conversation = append(conversation, engine.ToolResultsMessage(results))
	}
}

// completeTurn streams one model turn, forwarding text deltas. A
// retryable engine failure before any text was emitted is retried
// once; after text has flowed the turn fails rather than repeating
// output.
func (o *Orchestrator) completeTurn(ctx context.Context, runner tools.Runner, conversation []engine.Message, events chan<- Event) (*engine.Response, error) {
	request := &engine.Request{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		System:    o.systemPrompt,
		Messages:  conversation,
		Tools:     runner.Definitions(),
	}

	retried := false
	for {
		response, emitted, err := o.streamOnce(ctx, request, events)
		if err == nil {
			return response, nil
		}
		if !retried && !emitted && engine.Retryable(err) && ctx.Err() == nil {
			retried = true
			o.logger.Warn("retrying engine turn", "error", err)
			continue
		}
		return nil, err
	}
}

func (o *Orchestrator) streamOnce(ctx context.Context, request *engine.Request, events chan<- Event) (*engine.Response, bool, error) {
	stream, err := o.provider.Stream(ctx, request)
	if err != nil {
		return nil, false, err
	}
	defer stream.Close()

	emitted := false
	for stream.Next() {
		event := stream.Event()
		if event.Type != engine.EventTextDelta {
			continue
		}
		if !emit(ctx, events, Event{Type: EventChunk, Text: event.TextDelta}) {
			return nil, emitted, ctx.Err()
		}
		emitted = true
	}

	response, err := stream.Result()
	if err != nil {
		return nil, emitted, err
	}
	return response, emitted, nil
}

// executeTools runs the requested tools in order, auditing each, and
// converts every failure into an error result the model can see.
func (o *Orchestrator) executeTools(ctx context.Context, current *session.Session, runner tools.Runner, uses []engine.ToolUse, events chan<- Event) ([]engine.ToolResult, error) {
	results := make([]engine.ToolResult, 0, len(uses))
	for _, use := range uses {
		if !emit(ctx, events, Event{Type: EventToolCall, Tool: use.Name}) {
			return nil, ctx.Err()
		}

		started := time.Now()
		result, err := runner.Call(ctx, use.Name, use.Input)
		elapsed := time.Since(started).Milliseconds()

		var toolResult engine.ToolResult
		var outcome string
		switch {
		case errors.Is(err, tools.ErrToolNotAllowed):
			outcome = audit.OutcomeNotAllowed
			toolResult = engine.ToolResult{
				ToolUseID: use.ID,
				Content:   fmt.Sprintf("tool %q is not available", use.Name),
				IsError:   true,
			}
		case err != nil:
			return nil, err
		default:
			outcome = result.Outcome
			toolResult = engine.ToolResult{
				ToolUseID: use.ID,
				Content:   result.Output,
				IsError:   result.IsError,
			}
		}

		auditErr := o.audit.Append(ctx, audit.Record{
			Origin:      audit.OriginAgent,
			SessionID:   current.ID,
			WorkspaceID: current.WorkspaceID,
			Tool:        use.Name,
			Target:      result.Target,
			Outcome:     outcome,
			ElapsedMS:   elapsed,
		})
		if auditErr != nil && ctx.Err() == nil {
			return nil, auditErr
		}

		if _, err := o.sessions.AppendMessage(ctx, current.ID, session.RoleTool,
			fmt.Sprintf("%s: %s", use.Name, outcome)); err != nil {
			return nil, err
		}

		if !emit(ctx, events, Event{Type: EventToolResult, Tool: use.Name, Outcome: outcome}) {
			return nil, ctx.Err()
		}
		results = append(results, toolResult)
	}
	return results, nil
}

// emit sends an event unless the context is cancelled. Returns false
// on cancellation.
func emit(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
