// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools implements the read-only tool set exposed to agents
// and to the MCP surface.
//
// The set of tools is closed: read_file, list_files, grep_files, and
// outline. A Set is configured with an allow-list drawn from that
// closed set, so a deployment can narrow but never widen what is
// callable. Every path argument is resolved through pathguard before
// any filesystem access; a rejected path becomes an error result with
// a path_violation outcome, never an exception.
//
// Call separates two failure channels. A recoverable tool failure
// (bad arguments, missing file, rejected path) comes back as a Result
// with IsError set, suitable for reporting to the model. A request
// for a tool outside the allow-list returns ErrToolNotAllowed, which
// callers surface according to their own protocol.
//
// Key exports: Set, Result, Runner, ErrToolNotAllowed.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hearth-dev/hearth/lib/audit"
	"github.com/hearth-dev/hearth/lib/engine"
	"github.com/hearth-dev/hearth/lib/workspace"
)

// Tool names in the closed set.
const (
	ToolReadFile  = "read_file"
	ToolListFiles = "list_files"
	ToolGrepFiles = "grep_files"
	ToolOutline   = "outline"
)

// ErrToolNotAllowed is returned by Call for a tool outside the
// allow-list, including tools that do not exist at all.
var ErrToolNotAllowed = errors.New("tools: tool not allowed")

// Result is the outcome of one tool call.
type Result struct {
	// Output is the tool's textual output, or a short error
	// description when IsError is set.
	Output string

	// IsError marks a recoverable failure the model should see.
	IsError bool

	// Target is the resolved path or query the tool operated on,
	// recorded for auditing. Empty when resolution itself failed.
	Target string

	// Outcome is the audit classification of this call.
	Outcome string
}

// Runner is the tool-calling surface the agent loop and the MCP
// gateway share.
type Runner interface {
	// Definitions lists the allowed tools in a form the model
	// understands.
	Definitions() []engine.ToolDefinition

	// Call invokes a tool by name with raw JSON arguments.
	Call(ctx context.Context, name string, arguments json.RawMessage) (Result, error)
}

// Config describes a Set bound to one workspace.
type Config struct {
	// Workspace is the workspace all file access is confined to.
	// Required.
	Workspace *workspace.Workspace

	// Allowed restricts the tool set. Names must belong to the closed
	// set. Empty means every tool in the closed set.
	Allowed []string

	// MaxFileBytes caps file content returned or searched. Defaults
	// to 256 KiB.
	MaxFileBytes int

	// MaxReadLines caps lines returned by read_file. Defaults to
	// 2000.
	MaxReadLines int

	// MaxMatches caps grep_files results. Defaults to 100.
	MaxMatches int

	// MaxListEntries caps list_files results. Defaults to 500.
	MaxListEntries int

	// Logger receives per-call debug events. Defaults to discard.
	Logger *slog.Logger
}

// Set is a Runner over one workspace.
type Set struct {
	workspace      *workspace.Workspace
	allowed        map[string]bool
	maxFileBytes   int
	maxReadLines   int
	maxMatches     int
	maxListEntries int
	logger         *slog.Logger
}

var closedSet = map[string]bool{
	ToolReadFile:  true,
	ToolListFiles: true,
	ToolGrepFiles: true,
	ToolOutline:   true,
}

// NewSet validates the allow-list and builds the set. An allow-list
// entry outside the closed set is a configuration error.
func NewSet(config Config) (*Set, error) {
	if config.Workspace == nil {
		panic("tools: Config.Workspace is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	allowed := make(map[string]bool)
	if len(config.Allowed) == 0 {
		for name := range closedSet {
			allowed[name] = true
		}
	} else {
		for _, name := range config.Allowed {
			if !closedSet[name] {
				return nil, fmt.Errorf("tools: unknown tool %q in allow-list", name)
			}
			allowed[name] = true
		}
	}

	set := &Set{
		workspace:      config.Workspace,
		allowed:        allowed,
		maxFileBytes:   config.MaxFileBytes,
		maxReadLines:   config.MaxReadLines,
		maxMatches:     config.MaxMatches,
		maxListEntries: config.MaxListEntries,
		logger:         logger,
	}
	if set.maxFileBytes <= 0 {
		set.maxFileBytes = 256 * 1024
	}
	if set.maxReadLines <= 0 {
		set.maxReadLines = 2000
	}
	if set.maxMatches <= 0 {
		set.maxMatches = 100
	}
	if set.maxListEntries <= 0 {
		set.maxListEntries = 500
	}
	return set, nil
}

// AllowedNames returns the allow-list in sorted order.
func (s *Set) AllowedNames() []string {
	names := make([]string, 0, len(s.allowed))
	for name := range s.allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions implements Runner.
func (s *Set) Definitions() []engine.ToolDefinition {
	var definitions []engine.ToolDefinition
	for _, definition := range allDefinitions {
		if s.allowed[definition.Name] {
			definitions = append(definitions, definition)
		}
	}
	return definitions
}

// Call implements Runner.
func (s *Set) Call(ctx context.Context, name string, arguments json.RawMessage) (Result, error) {
	if !s.allowed[name] {
		s.logger.Debug("tool rejected", "tool", name, "workspace", s.workspace.ID)
		return Result{}, fmt.Errorf("%w: %q", ErrToolNotAllowed, name)
	}
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}

	var result Result
	switch name {
	case ToolReadFile:
		result = s.readFile(arguments)
	case ToolListFiles:
		result = s.listFiles(arguments)
	case ToolGrepFiles:
		result = s.grepFiles(ctx, arguments)
	case ToolOutline:
		result = s.outline(arguments)
	}

	s.logger.Debug("tool call finished",
		"tool", name, "workspace", s.workspace.ID, "outcome", result.Outcome)
	return result, nil
}

// errorResult builds a recoverable failure with the given audit
// outcome.
func errorResult(outcome, format string, arguments ...any) Result {
	return Result{
		Output:  fmt.Sprintf(format, arguments...),
		IsError: true,
		Outcome: outcome,
	}
}

var allDefinitions = []engine.ToolDefinition{
	{
		Name:        ToolReadFile,
		Description: "Read a file from the workspace. Returns numbered lines. Optionally restrict to a line range.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Workspace-relative file path."},
				"start_line": {"type": "integer", "description": "First line to return, 1-based."},
				"end_line": {"type": "integer", "description": "Last line to return, inclusive."}
			},
			"required": ["path"]
		}`),
	},
	{
		Name:        ToolListFiles,
		Description: "List files and directories under a workspace path.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Workspace-relative directory. Defaults to the root."},
				"depth": {"type": "integer", "description": "Directory depth to descend. Defaults to 2."},
				"include_hidden": {"type": "boolean", "description": "Include dotfiles."}
			}
		}`),
	},
	{
		Name:        ToolGrepFiles,
		Description: "Search workspace files for a regular expression. Returns matching lines with file and line number.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "RE2 regular expression."},
				"glob": {"type": "string", "description": "Restrict to files whose name matches this glob."},
				"max_matches": {"type": "integer", "description": "Cap on returned matches."}
			},
			"required": ["pattern"]
		}`),
	},
	{
		Name:        ToolOutline,
		Description: "Produce a heading outline of a Markdown file.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Workspace-relative path to a Markdown file."}
			},
			"required": ["path"]
		}`),
	},
}

// Outcome aliases keep callers on one vocabulary.
const (
	outcomeOK        = audit.OutcomeOK
	outcomeError     = audit.OutcomeError
	outcomeViolation = audit.OutcomePathViolation
)
