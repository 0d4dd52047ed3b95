// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hearth-dev/hearth/lib/audit"
	"github.com/hearth-dev/hearth/lib/tools"
	"github.com/hearth-dev/hearth/lib/vault"
)

const mcpProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func writeRPCResult(writer http.ResponseWriter, id json.RawMessage, result any) {
	writeJSON(writer, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(writer http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(writer, http.StatusOK, rpcResponse{
		JSONRPC: "2.0", ID: id,
		Error: &rpcError{Code: code, Message: message},
	})
}

// writeUnauthorized is deliberately uniform: no hint about whether the
// token was absent, malformed, revoked, or simply wrong.
func writeUnauthorized(writer http.ResponseWriter) {
	writer.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
	writeError(writer, http.StatusUnauthorized, "unauthorized", "authentication required")
}

// authenticateMCP extracts and verifies the bearer token.
func (g *Gateway) authenticateMCP(request *http.Request) (*vault.Credential, bool) {
	header := request.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return nil, false
	}
	credential, err := g.vault.Authenticate(request.Context(), vault.KindMCPToken, strings.TrimSpace(token))
	if err != nil {
		return nil, false
	}
	return credential, true
}

// resolveMCPWorkspace decides which workspace a call targets. On the
// bound route the URL wins and the token must cover it. On the
// general route a workspace-scoped token selects its own workspace; a
// global token may name one in the tool arguments.
func (g *Gateway) resolveMCPWorkspace(request *http.Request, credential *vault.Credential, argumentWorkspace string) (string, int) {
	bound := request.PathValue("workspace")
	if bound != "" {
		if credential.Scope != vault.ScopeGlobal && credential.Scope != bound {
			return "", http.StatusForbidden
		}
		if argumentWorkspace != "" && argumentWorkspace != bound {
			return "", http.StatusForbidden
		}
		return bound, 0
	}

	if credential.Scope != vault.ScopeGlobal {
		if argumentWorkspace != "" && argumentWorkspace != credential.Scope {
			return "", http.StatusForbidden
		}
		return credential.Scope, 0
	}
	return argumentWorkspace, 0
}

func (g *Gateway) handleMCP(writer http.ResponseWriter, request *http.Request) {
	credential, ok := g.authenticateMCP(request)
	if !ok {
		writeUnauthorized(writer)
		return
	}

	var rpc rpcRequest
	if err := json.NewDecoder(request.Body).Decode(&rpc); err != nil {
		writeRPCError(writer, nil, rpcParseError, "parse error")
		return
	}
	if rpc.JSONRPC != "2.0" || rpc.Method == "" {
		writeRPCError(writer, rpc.ID, rpcInvalidRequest, "invalid request")
		return
	}

	switch rpc.Method {
	case "initialize":
		g.handleMCPInitialize(writer, rpc)
	case "notifications/initialized":
		// Notification, no response body expected.
		writer.WriteHeader(http.StatusAccepted)
	case "tools/list":
		g.handleMCPToolsList(writer, request, rpc, credential)
	case "tools/call":
		g.handleMCPToolsCall(writer, request, rpc, credential)
	default:
		writeRPCError(writer, rpc.ID, rpcMethodNotFound, "method not found")
	}
}

func (g *Gateway) handleMCPInitialize(writer http.ResponseWriter, rpc rpcRequest) {
	writeRPCResult(writer, rpc.ID, map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"serverInfo": map[string]any{
			"name":    "hearth",
			"version": "1.0.0",
		},
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
	})
}

// mcpToolView is a tool definition in MCP wire form.
type mcpToolView struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

func (g *Gateway) handleMCPToolsList(writer http.ResponseWriter, request *http.Request, rpc rpcRequest, credential *vault.Credential) {
	workspaceID, status := g.resolveMCPWorkspace(request, credential, "")
	if status != 0 {
		writeError(writer, status, "forbidden", "token does not cover this workspace")
		return
	}
	if workspaceID == "" {
		// Global token on the general route: every workspace shares
		// the same closed tool set, so any runner's definitions serve.
		for _, runner := range g.toolsets {
			g.writeToolList(writer, rpc, runner)
			return
		}
		writeRPCResult(writer, rpc.ID, map[string]any{"tools": []mcpToolView{}})
		return
	}

	runner, ok := g.toolsets[workspaceID]
	if !ok {
		writeRPCError(writer, rpc.ID, rpcInvalidParams, "unknown workspace")
		return
	}
	g.writeToolList(writer, rpc, runner)
}

func (g *Gateway) writeToolList(writer http.ResponseWriter, rpc rpcRequest, runner tools.Runner) {
	var views []mcpToolView
	for _, definition := range runner.Definitions() {
		views = append(views, mcpToolView{
			Name:        definition.Name,
			Description: definition.Description,
			InputSchema: definition.InputSchema,
		})
	}
	writeRPCResult(writer, rpc.ID, map[string]any{"tools": views})
}

type mcpCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (g *Gateway) handleMCPToolsCall(writer http.ResponseWriter, request *http.Request, rpc rpcRequest, credential *vault.Credential) {
	var params mcpCallParams
	if err := json.Unmarshal(rpc.Params, &params); err != nil || params.Name == "" {
		writeRPCError(writer, rpc.ID, rpcInvalidParams, "name is required")
		return
	}

	// A "workspace" argument selects the target on the general route
	// for global tokens; it is stripped before the tool sees the
	// arguments.
	var argumentMap map[string]json.RawMessage
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &argumentMap); err != nil {
			writeRPCError(writer, rpc.ID, rpcInvalidParams, "arguments must be an object")
			return
		}
	}
	argumentWorkspace := ""
	if raw, ok := argumentMap["workspace"]; ok {
		if err := json.Unmarshal(raw, &argumentWorkspace); err != nil {
			writeRPCError(writer, rpc.ID, rpcInvalidParams, "workspace must be a string")
			return
		}
		delete(argumentMap, "workspace")
	}

	workspaceID, status := g.resolveMCPWorkspace(request, credential, argumentWorkspace)
	if status != 0 {
		writeError(writer, status, "forbidden", "token does not cover this workspace")
		return
	}
	if workspaceID == "" {
		writeRPCError(writer, rpc.ID, rpcInvalidParams, "workspace is required")
		return
	}
	runner, ok := g.toolsets[workspaceID]
	if !ok {
		writeRPCError(writer, rpc.ID, rpcInvalidParams, "unknown workspace")
		return
	}

	arguments := json.RawMessage("{}")
	if len(argumentMap) > 0 {
		encoded, err := json.Marshal(argumentMap)
		if err != nil {
			writeRPCError(writer, rpc.ID, rpcInternalError, "encoding arguments")
			return
		}
		arguments = encoded
	}

	started := time.Now()
	result, callErr := runner.Call(request.Context(), params.Name, arguments)
	elapsed := time.Since(started).Milliseconds()

	outcome := result.Outcome
	if callErr != nil {
		outcome = audit.OutcomeNotAllowed
	}
	auditErr := g.audit.Append(request.Context(), audit.Record{
		Origin:      audit.OriginMCP,
		WorkspaceID: workspaceID,
		Tool:        params.Name,
		Target:      result.Target,
		Outcome:     outcome,
		ElapsedMS:   elapsed,
	})
	if auditErr != nil {
		g.logger.Error("audit append failed", "error", auditErr)
	}

	if callErr != nil {
		writeRPCError(writer, rpc.ID, rpcInvalidParams, "tool not available")
		return
	}

	writeRPCResult(writer, rpc.ID, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": result.Output},
		},
		"isError": result.IsError,
	})
}
