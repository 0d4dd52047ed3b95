// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway exposes the system over HTTP: a console API for
// workspaces, sessions, and credentials, and an MCP surface speaking
// JSON-RPC 2.0 for external clients.
//
// The console API under /api is unauthenticated and meant for the
// local operator surface. The MCP surface under /mcp requires a
// bearer token issued by the vault; authentication failures are a
// uniform 401 with no detail, and a token scoped to one workspace
// gets a 403 when it names another. Two MCP routes exist: /mcp, where
// the token's scope (or an explicit workspace argument on a global
// token) selects the workspace, and /mcp/{workspace}, which pins the
// workspace in the URL.
//
// Key exports: Gateway, Config, HTTPServer.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hearth-dev/hearth/lib/agent"
	"github.com/hearth-dev/hearth/lib/audit"
	"github.com/hearth-dev/hearth/lib/session"
	"github.com/hearth-dev/hearth/lib/tools"
	"github.com/hearth-dev/hearth/lib/vault"
	"github.com/hearth-dev/hearth/lib/workspace"
)

// Config describes a Gateway.
type Config struct {
	// Registry names the servable workspaces. Required.
	Registry *workspace.Registry

	// Sessions owns session state. Required.
	Sessions *session.Manager

	// Vault authenticates and manages credentials. Required.
	Vault *vault.Vault

	// Audit records MCP tool calls. Required.
	Audit *audit.Log

	// Orchestrator runs agent exchanges. Required.
	Orchestrator *agent.Orchestrator

	// Toolsets maps workspace ID to its tool runner. Required; one
	// entry per registered workspace.
	Toolsets map[string]tools.Runner

	// Logger receives request events. Defaults to discard.
	Logger *slog.Logger
}

// Gateway is the HTTP handler for both surfaces.
type Gateway struct {
	registry     *workspace.Registry
	sessions     *session.Manager
	vault        *vault.Vault
	audit        *audit.Log
	orchestrator *agent.Orchestrator
	toolsets     map[string]tools.Runner
	logger       *slog.Logger
	mux          *http.ServeMux

	// active tracks running exchanges for cancellation.
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New builds the Gateway and its routes.
func New(config Config) *Gateway {
	if config.Registry == nil {
		panic("gateway: Config.Registry is required")
	}
	if config.Sessions == nil {
		panic("gateway: Config.Sessions is required")
	}
	if config.Vault == nil {
		panic("gateway: Config.Vault is required")
	}
	if config.Audit == nil {
		panic("gateway: Config.Audit is required")
	}
	if config.Orchestrator == nil {
		panic("gateway: Config.Orchestrator is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	gateway := &Gateway{
		registry:     config.Registry,
		sessions:     config.Sessions,
		vault:        config.Vault,
		audit:        config.Audit,
		orchestrator: config.Orchestrator,
		toolsets:     config.Toolsets,
		logger:       logger,
		mux:          http.NewServeMux(),
		active:       make(map[string]context.CancelFunc),
	}
	gateway.routes()
	return gateway
}

func (g *Gateway) routes() {
	g.mux.HandleFunc("GET /api/workspaces", g.handleListWorkspaces)
	g.mux.HandleFunc("GET /api/workspaces/{workspace}/sessions", g.handleListSessions)
	g.mux.HandleFunc("GET /api/workspaces/{workspace}/audit", g.handleListAudit)
	g.mux.HandleFunc("GET /api/workspaces/{workspace}/audit/export", g.handleExportAudit)
	g.mux.HandleFunc("GET /api/sessions/{session}/audit", g.handleListSessionAudit)
	g.mux.HandleFunc("GET /api/workspaces/{workspace}/credentials/{kind}", g.handleCredentialInfo)
	g.mux.HandleFunc("POST /api/workspaces/{workspace}/credentials/{kind}/reset", g.handleCredentialReset)
	g.mux.HandleFunc("POST /api/sessions", g.handleCreateSession)
	g.mux.HandleFunc("GET /api/sessions/{session}", g.handleGetSession)
	g.mux.HandleFunc("POST /api/sessions/{session}/messages", g.handleSendMessage)
	g.mux.HandleFunc("POST /api/sessions/{session}/cancel", g.handleCancelSession)
	g.mux.HandleFunc("POST /mcp", g.handleMCP)
	g.mux.HandleFunc("POST /mcp/{workspace}", g.handleMCP)
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	g.mux.ServeHTTP(writer, request)
}

// registerRun tracks a running exchange so the cancel endpoint can
// reach it.
func (g *Gateway) registerRun(sessionID string, cancel context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[sessionID] = cancel
}

func (g *Gateway) unregisterRun(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, sessionID)
}

// cancelRun cancels a running exchange. Returns false when none is
// running for the session.
func (g *Gateway) cancelRun(sessionID string) bool {
	g.mu.Lock()
	cancel, ok := g.active[sessionID]
	g.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
