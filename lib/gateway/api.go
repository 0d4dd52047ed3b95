// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hearth-dev/hearth/lib/agent"
	"github.com/hearth-dev/hearth/lib/session"
	"github.com/hearth-dev/hearth/lib/vault"
	"github.com/hearth-dev/hearth/lib/workspace"
)

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(payload)
}

func writeError(writer http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(writer, status, body)
}

// writeMappedError translates domain errors onto the API's error
// taxonomy.
func (g *Gateway) writeMappedError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrWorkspaceNotFound):
		writeError(writer, http.StatusNotFound, "workspace_not_found", "workspace is not registered")
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(writer, http.StatusNotFound, "session_not_found", "session does not exist")
	case errors.Is(err, session.ErrInvalidState):
		writeError(writer, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, agent.ErrExchangeActive):
		writeError(writer, http.StatusConflict, "exchange_active", "an exchange is already running on this session")
	case errors.Is(err, session.ErrTurnLimit):
		writeError(writer, http.StatusConflict, "turn_limit_exceeded", "session turn limit exceeded")
	case errors.Is(err, vault.ErrNotFound):
		writeError(writer, http.StatusNotFound, "credential_not_found", "no active credential")
	default:
		g.logger.Error("request failed", "error", err)
		writeError(writer, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (g *Gateway) handleListWorkspaces(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{
		"workspaces": g.registry.List(),
	})
}

type sessionView struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
	State       string `json:"state"`
	Turns       int    `json:"turns"`
	TurnLimit   int    `json:"turn_limit"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	LastMessage string `json:"last_message,omitempty"`
}

func viewOf(entry *session.Session) sessionView {
	return sessionView{
		ID:          entry.ID,
		WorkspaceID: entry.WorkspaceID,
		Title:       entry.Title,
		State:       string(entry.State),
		Turns:       entry.Turns,
		TurnLimit:   entry.TurnLimit,
		CreatedAt:   entry.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   entry.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (g *Gateway) handleListSessions(writer http.ResponseWriter, request *http.Request) {
	overviews, err := g.sessions.ListByWorkspace(request.Context(), request.PathValue("workspace"))
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}
	views := make([]sessionView, 0, len(overviews))
	for _, overview := range overviews {
		view := viewOf(&overview.Session)
		view.LastMessage = overview.LastMessage
		views = append(views, view)
	}
	writeJSON(writer, http.StatusOK, map[string]any{"sessions": views})
}

func (g *Gateway) handleCreateSession(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		WorkspaceID string `json:"workspace_id"`
		Title       string `json:"title"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	created, err := g.sessions.Create(request.Context(), body.WorkspaceID, body.Title)
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}
	writeJSON(writer, http.StatusCreated, viewOf(created))
}

func (g *Gateway) handleGetSession(writer http.ResponseWriter, request *http.Request) {
	sessionID := request.PathValue("session")
	loaded, err := g.sessions.Get(request.Context(), sessionID)
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}
	transcript, err := g.sessions.Messages(request.Context(), sessionID)
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}

	type messageView struct {
		Sequence  int    `json:"sequence"`
		Role      string `json:"role"`
		Content   string `json:"content"`
		CreatedAt string `json:"created_at"`
	}
	messages := make([]messageView, 0, len(transcript))
	for _, message := range transcript {
		messages = append(messages, messageView{
			Sequence:  message.Sequence,
			Role:      message.Role,
			Content:   message.Content,
			CreatedAt: message.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"session":  viewOf(loaded),
		"messages": messages,
	})
}

// handleSendMessage runs one exchange and streams its events as
// server-sent events. The HTTP request context drives cancellation:
// a dropped connection or the cancel endpoint both stop the run.
func (g *Gateway) handleSendMessage(writer http.ResponseWriter, request *http.Request) {
	sessionID := request.PathValue("session")
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(writer, http.StatusBadRequest, "bad_request", "content is required")
		return
	}

	loaded, err := g.sessions.Get(request.Context(), sessionID)
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}
	runner, ok := g.toolsets[loaded.WorkspaceID]
	if !ok {
		g.writeMappedError(writer, fmt.Errorf("%w: %q", workspace.ErrWorkspaceNotFound, loaded.WorkspaceID))
		return
	}

	runCtx, cancel := context.WithCancel(request.Context())
	defer cancel()

	events, err := g.orchestrator.Run(runCtx, sessionID, runner, body.Content)
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}

	// Registered only once the run is accepted, so a rejected
	// overlapping request cannot displace the running exchange's
	// cancel func.
	g.registerRun(sessionID, cancel)
	defer g.unregisterRun(sessionID)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		writeError(writer, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		writeSSE(writer, flusher, event)
	}
}

func writeSSE(writer http.ResponseWriter, flusher http.Flusher, event agent.Event) {
	payload := map[string]any{}
	switch event.Type {
	case agent.EventChunk:
		payload["text"] = event.Text
	case agent.EventToolCall:
		payload["tool"] = event.Tool
	case agent.EventToolResult:
		payload["tool"] = event.Tool
		payload["outcome"] = event.Outcome
	case agent.EventDone:
		payload["state"] = string(event.State)
		if event.Text != "" {
			payload["error"] = event.Text
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", event.Type, data)
	flusher.Flush()
}

func (g *Gateway) handleCancelSession(writer http.ResponseWriter, request *http.Request) {
	sessionID := request.PathValue("session")

	if g.cancelRun(sessionID) {
		writeJSON(writer, http.StatusAccepted, map[string]any{"cancelling": true})
		return
	}

	// No run in flight: cancel the idle session directly.
	if err := g.sessions.Finish(request.Context(), sessionID, session.StateCancelled); err != nil {
		g.writeMappedError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"state": string(session.StateCancelled)})
}

func parseKind(raw string) (vault.Kind, bool) {
	switch vault.Kind(raw) {
	case vault.KindMCPToken, vault.KindRepoPAT:
		return vault.Kind(raw), true
	}
	return "", false
}

// credentialScope validates the workspace segment. The literal
// "global" addresses the global scope.
func (g *Gateway) credentialScope(raw string) (string, error) {
	if raw == vault.ScopeGlobal {
		return vault.ScopeGlobal, nil
	}
	if _, err := g.registry.Get(raw); err != nil {
		return "", err
	}
	return raw, nil
}

func (g *Gateway) handleCredentialInfo(writer http.ResponseWriter, request *http.Request) {
	kind, ok := parseKind(request.PathValue("kind"))
	if !ok {
		writeError(writer, http.StatusNotFound, "unknown_kind", "unknown credential kind")
		return
	}
	scope, err := g.credentialScope(request.PathValue("workspace"))
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}

	info, err := g.vault.Info(request.Context(), kind, scope)
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"kind":       string(info.Kind),
		"scope":      info.Scope,
		"hint":       info.Hint,
		"created_at": info.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// handleCredentialReset rotates a credential. The response is the
// only place the new secret ever appears.
func (g *Gateway) handleCredentialReset(writer http.ResponseWriter, request *http.Request) {
	kind, ok := parseKind(request.PathValue("kind"))
	if !ok {
		writeError(writer, http.StatusNotFound, "unknown_kind", "unknown credential kind")
		return
	}
	scope, err := g.credentialScope(request.PathValue("workspace"))
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}

	plaintext, issued, err := g.vault.Reset(request.Context(), kind, scope)
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"secret":     plaintext,
		"kind":       string(issued.Kind),
		"scope":      issued.Scope,
		"hint":       issued.Hint,
		"created_at": issued.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleListAudit(writer http.ResponseWriter, request *http.Request) {
	workspaceID := request.PathValue("workspace")
	if _, err := g.registry.Get(workspaceID); err != nil {
		g.writeMappedError(writer, err)
		return
	}
	records, err := g.audit.ListByWorkspace(request.Context(), workspaceID)
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"records": records})
}

func (g *Gateway) handleListSessionAudit(writer http.ResponseWriter, request *http.Request) {
	sessionID := request.PathValue("session")
	if _, err := g.sessions.Get(request.Context(), sessionID); err != nil {
		g.writeMappedError(writer, err)
		return
	}
	records, err := g.audit.ListBySession(request.Context(), sessionID)
	if err != nil {
		g.writeMappedError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"records": records})
}

// handleExportAudit streams a workspace's audit records as a CBOR
// sequence for offline analysis.
func (g *Gateway) handleExportAudit(writer http.ResponseWriter, request *http.Request) {
	workspaceID := request.PathValue("workspace")
	if _, err := g.registry.Get(workspaceID); err != nil {
		g.writeMappedError(writer, err)
		return
	}
	writer.Header().Set("Content-Type", "application/cbor-seq")
	if err := g.audit.Export(request.Context(), workspaceID, writer); err != nil {
		// Headers are gone; all that is left is to log.
		g.logger.Error("audit export failed", "workspace", workspaceID, "error", err)
	}
}
