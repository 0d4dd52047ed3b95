// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace maintains the registry of workspaces the system is
// allowed to serve.
//
// The registry is built once at startup from configuration and is
// immutable afterwards, so concurrent reads need no locking. Each root
// path is validated and canonicalized at load time; path resolution
// against a root therefore always starts from a symlink-free base.
//
// Key exports: Registry, Definition, ErrWorkspaceNotFound.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrWorkspaceNotFound is returned when a workspace identifier is not
// registered.
var ErrWorkspaceNotFound = errors.New("workspace: not found")

// Definition describes one workspace as configured.
type Definition struct {
	// ID is the stable identifier used in URLs and credential scopes.
	ID string `yaml:"id"`

	// DisplayName is the human-facing name. Defaults to ID.
	DisplayName string `yaml:"display_name"`

	// RootPath is the absolute directory all workspace file access is
	// confined to.
	RootPath string `yaml:"root_path"`
}

// Workspace is a validated, registered workspace.
type Workspace struct {
	ID          string
	DisplayName string

	// RootPath is the canonical (symlink-resolved) root directory.
	RootPath string
}

// Summary is the listing form of a workspace. It omits the root path,
// which callers outside the host have no business seeing.
type Summary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Registry is an immutable set of workspaces keyed by ID.
type Registry struct {
	byID    map[string]*Workspace
	ordered []*Workspace
}

// NewRegistry validates the definitions and builds the registry. Every
// root must be an existing absolute directory, and IDs must be unique.
func NewRegistry(definitions []Definition) (*Registry, error) {
	registry := &Registry{byID: make(map[string]*Workspace, len(definitions))}

	for _, definition := range definitions {
		if definition.ID == "" {
			return nil, fmt.Errorf("workspace: definition missing id")
		}
		if _, exists := registry.byID[definition.ID]; exists {
			return nil, fmt.Errorf("workspace: duplicate id %q", definition.ID)
		}
		if !filepath.IsAbs(definition.RootPath) {
			return nil, fmt.Errorf("workspace %s: root path must be absolute", definition.ID)
		}

		canonical, err := filepath.EvalSymlinks(definition.RootPath)
		if err != nil {
			return nil, fmt.Errorf("workspace %s: resolving root: %w", definition.ID, err)
		}
		info, err := os.Stat(canonical)
		if err != nil {
			return nil, fmt.Errorf("workspace %s: checking root: %w", definition.ID, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("workspace %s: root is not a directory", definition.ID)
		}

		displayName := definition.DisplayName
		if displayName == "" {
			displayName = definition.ID
		}
		entry := &Workspace{
			ID:          definition.ID,
			DisplayName: displayName,
			RootPath:    canonical,
		}
		registry.byID[definition.ID] = entry
		registry.ordered = append(registry.ordered, entry)
	}

	sort.Slice(registry.ordered, func(i, j int) bool {
		return registry.ordered[i].ID < registry.ordered[j].ID
	})
	return registry, nil
}

// Get returns the workspace for the identifier, or
// ErrWorkspaceNotFound.
func (r *Registry) Get(id string) (*Workspace, error) {
	entry, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkspaceNotFound, id)
	}
	return entry, nil
}

// List returns summaries of all workspaces in ID order.
func (r *Registry) List() []Summary {
	summaries := make([]Summary, 0, len(r.ordered))
	for _, entry := range r.ordered {
		summaries = append(summaries, Summary{
			ID:          entry.ID,
			DisplayName: entry.DisplayName,
		})
	}
	return summaries
}

// Len returns the number of registered workspaces.
func (r *Registry) Len() int {
	return len(r.ordered)
}
