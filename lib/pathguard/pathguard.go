// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package pathguard resolves user-supplied relative paths against a
// workspace root and guarantees the result cannot escape it.
//
// Resolve is the single choke point for filesystem access on behalf of
// untrusted input: every tool call and every gateway file operation
// passes through it. The resolver collapses dot segments, follows
// symlinks to their canonical targets, and rejects any path whose
// canonical form falls outside the canonical workspace root. Escape
// attempts via "..", absolute paths, embedded NUL bytes, or symlinks
// pointing out of the tree all fail with a *Violation.
//
// Violation messages identify the reason but never echo the offending
// path, so they are safe to return to clients and to log.
//
// Key exports: Resolve, ResolveDir, Violation.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Reason classifies why a path was rejected.
type Reason string

const (
	// ReasonNulByte means the path contained an embedded NUL byte.
	ReasonNulByte Reason = "nul_byte"

	// ReasonAbsolute means the path was absolute rather than relative
	// to the workspace root.
	ReasonAbsolute Reason = "absolute_path"

	// ReasonParentEscape means the path climbed above the workspace
	// root with parent (..) segments.
	ReasonParentEscape Reason = "parent_escape"

	// ReasonSymlinkEscape means the path is lexically inside the root
	// but resolves through a symlink to a target outside it.
	ReasonSymlinkEscape Reason = "symlink_escape"

	// ReasonBrokenLink means the path ends at a symlink whose target
	// does not exist, so its real destination cannot be verified.
	ReasonBrokenLink Reason = "broken_link"

	// ReasonNotDirectory means the caller required a directory and the
	// resolved path is not one.
	ReasonNotDirectory Reason = "not_directory"
)

// Violation is returned when a path fails sandbox resolution. It
// deliberately omits the raw input path.
type Violation struct {
	Reason Reason
}

func (v *Violation) Error() string {
	return fmt.Sprintf("pathguard: path rejected: %s", v.Reason)
}

// IsViolation reports whether err is a sandbox violation and, if so,
// returns it.
func IsViolation(err error) (*Violation, bool) {
	var violation *Violation
	if errors.As(err, &violation) {
		return violation, true
	}
	return nil, false
}

// Resolve resolves relativePath against workspaceRoot and returns the
// canonical absolute path, guaranteed to lie within the canonical form
// of workspaceRoot. workspaceRoot must be an absolute path to an
// existing directory.
//
// The target itself need not exist: for a nonexistent target the
// deepest existing ancestor is canonicalized and the remaining
// segments are rejoined, so the result is still escape-checked. A
// dangling symlink at the target is rejected because its real
// destination cannot be verified.
func Resolve(workspaceRoot, relativePath string) (string, error) {
	if !filepath.IsAbs(workspaceRoot) {
		return "", fmt.Errorf("pathguard: workspace root must be absolute")
	}
	canonicalRoot, err := filepath.EvalSymlinks(workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("pathguard: canonicalizing workspace root: %w", err)
	}

	if strings.ContainsRune(relativePath, 0) {
		return "", &Violation{Reason: ReasonNulByte}
	}
	if filepath.IsAbs(relativePath) {
		return "", &Violation{Reason: ReasonAbsolute}
	}

	cleaned := filepath.Clean(relativePath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", &Violation{Reason: ReasonParentEscape}
	}

	joined := filepath.Join(canonicalRoot, cleaned)
	canonical, err := canonicalize(joined)
	if err != nil {
		return "", err
	}

	if !within(canonicalRoot, canonical) {
		return "", &Violation{Reason: ReasonSymlinkEscape}
	}
	return canonical, nil
}

// ResolveDir is Resolve with the additional requirement that the
// target exists and is a directory.
func ResolveDir(workspaceRoot, relativePath string) (string, error) {
	resolved, err := Resolve(workspaceRoot, relativePath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("pathguard: stat resolved directory: %w", err)
	}
	if !info.IsDir() {
		return "", &Violation{Reason: ReasonNotDirectory}
	}
	return resolved, nil
}

// canonicalize resolves symlinks in path. If the path does not exist,
// the deepest existing ancestor is resolved and the nonexistent
// remainder rejoined. A dangling symlink at the leaf is a violation.
func canonicalize(path string) (string, error) {
	canonical, err := filepath.EvalSymlinks(path)
	if err == nil {
		return canonical, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("pathguard: resolving path: %w", err)
	}

	// EvalSymlinks reports ErrNotExist both for genuinely missing
	// paths and for dangling symlinks. Distinguish with Lstat: a
	// dangling link still has an entry.
	if info, lstatErr := os.Lstat(path); lstatErr == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", &Violation{Reason: ReasonBrokenLink}
	}

	parent := filepath.Dir(path)
	if parent == path {
		return "", fmt.Errorf("pathguard: no existing ancestor for path")
	}
	canonicalParent, err := canonicalize(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(canonicalParent, filepath.Base(path)), nil
}

// within reports whether path equals root or is beneath it, comparing
// whole path segments.
func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
