// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hearth-dev/hearth/lib/pathguard"
)

type readFileArguments struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

func (s *Set) readFile(arguments json.RawMessage) Result {
	var parsed readFileArguments
	if err := json.Unmarshal(arguments, &parsed); err != nil {
		return errorResult(outcomeError, "invalid arguments: %v", err)
	}
	if parsed.Path == "" {
		return errorResult(outcomeError, "path is required")
	}

	resolved, err := pathguard.Resolve(s.workspace.RootPath, parsed.Path)
	if err != nil {
		if _, ok := pathguard.IsViolation(err); ok {
			return errorResult(outcomeViolation, "%v", err)
		}
		return errorResult(outcomeError, "resolving path: %v", err)
	}

	file, err := os.Open(resolved)
	if err != nil {
		return Result{
			Output:  fmt.Sprintf("opening file: %v", err),
			IsError: true,
			Target:  resolved,
			Outcome: outcomeError,
		}
	}
	defer file.Close()

	startLine := parsed.StartLine
	if startLine < 1 {
		startLine = 1
	}
	endLine := parsed.EndLine
	if endLine > 0 && endLine < startLine {
		return Result{
			Output:  "end_line is before start_line",
			IsError: true,
			Target:  resolved,
			Outcome: outcomeError,
		}
	}

	var output strings.Builder
	var bytesWritten, linesWritten int
	truncated := false

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), s.maxFileBytes)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		if lineNumber < startLine {
			continue
		}
		if endLine > 0 && lineNumber > endLine {
			break
		}
		line := scanner.Text()
		if linesWritten >= s.maxReadLines || bytesWritten+len(line) > s.maxFileBytes {
			truncated = true
			break
		}
		fmt.Fprintf(&output, "%6d\t%s\n", lineNumber, line)
		linesWritten++
		bytesWritten += len(line)
	}
	if err := scanner.Err(); err != nil {
		return Result{
			Output:  fmt.Sprintf("reading file: %v", err),
			IsError: true,
			Target:  resolved,
			Outcome: outcomeError,
		}
	}
	if truncated {
		output.WriteString("[output truncated]\n")
	}
	if linesWritten == 0 && !truncated {
		output.WriteString("[empty range]\n")
	}

	return Result{Output: output.String(), Target: resolved, Outcome: outcomeOK}
}

type listFilesArguments struct {
	Path          string `json:"path"`
	Depth         int    `json:"depth"`
	IncludeHidden bool   `json:"include_hidden"`
}

func (s *Set) listFiles(arguments json.RawMessage) Result {
	var parsed listFilesArguments
	if err := json.Unmarshal(arguments, &parsed); err != nil {
		return errorResult(outcomeError, "invalid arguments: %v", err)
	}
	if parsed.Depth <= 0 {
		parsed.Depth = 2
	}

	resolved, err := pathguard.ResolveDir(s.workspace.RootPath, parsed.Path)
	if err != nil {
		if _, ok := pathguard.IsViolation(err); ok {
			return errorResult(outcomeViolation, "%v", err)
		}
		return errorResult(outcomeError, "resolving path: %v", err)
	}

	var output strings.Builder
	entries := 0
	truncated := false

	err = filepath.WalkDir(resolved, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if path == resolved {
			return nil
		}

		relative, relErr := filepath.Rel(resolved, path)
		if relErr != nil {
			return nil
		}
		name := entry.Name()
		hidden := strings.HasPrefix(name, ".")
		if name == ".git" || (hidden && !parsed.IncludeHidden) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		depth := strings.Count(relative, string(filepath.Separator)) + 1
		if depth > parsed.Depth {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if entries >= s.maxListEntries {
			truncated = true
			return filepath.SkipAll
		}
		if entry.IsDir() {
			output.WriteString(filepath.ToSlash(relative) + "/\n")
		} else {
			output.WriteString(filepath.ToSlash(relative) + "\n")
		}
		entries++
		return nil
	})
	if err != nil {
		return Result{
			Output:  fmt.Sprintf("listing files: %v", err),
			IsError: true,
			Target:  resolved,
			Outcome: outcomeError,
		}
	}
	if truncated {
		output.WriteString("[listing truncated]\n")
	}
	if entries == 0 {
		output.WriteString("[empty directory]\n")
	}

	return Result{Output: output.String(), Target: resolved, Outcome: outcomeOK}
}

type grepFilesArguments struct {
	Pattern    string `json:"pattern"`
	Glob       string `json:"glob"`
	MaxMatches int    `json:"max_matches"`
}

func (s *Set) grepFiles(ctx context.Context, arguments json.RawMessage) Result {
	var parsed grepFilesArguments
	if err := json.Unmarshal(arguments, &parsed); err != nil {
		return errorResult(outcomeError, "invalid arguments: %v", err)
	}
	if parsed.Pattern == "" {
		return errorResult(outcomeError, "pattern is required")
	}
	pattern, err := regexp.Compile(parsed.Pattern)
	if err != nil {
		return errorResult(outcomeError, "invalid pattern: %v", err)
	}
	if parsed.Glob != "" {
		if _, err := filepath.Match(parsed.Glob, "probe"); err != nil {
			return errorResult(outcomeError, "invalid glob: %v", err)
		}
	}

	maxMatches := parsed.MaxMatches
	if maxMatches <= 0 || maxMatches > s.maxMatches {
		maxMatches = s.maxMatches
	}

	root := s.workspace.RootPath
	var output strings.Builder
	matches := 0
	truncated := false

	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := entry.Name()
		if entry.IsDir() {
			if name == ".git" || (strings.HasPrefix(name, ".") && path != root) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if parsed.Glob != "" {
			if matched, _ := filepath.Match(parsed.Glob, name); !matched {
				return nil
			}
		}
		relative, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}

		// Every candidate goes back through the guard before it is
		// opened: a symlink inside the tree must not reach content
		// outside the root.
		resolved, resolveErr := pathguard.Resolve(root, relative)
		if resolveErr != nil {
			return nil
		}
		info, infoErr := os.Stat(resolved)
		if infoErr != nil || !info.Mode().IsRegular() || info.Size() > int64(s.maxFileBytes) {
			return nil
		}
		if s.grepFile(resolved, filepath.ToSlash(relative), pattern, &output, &matches, maxMatches) {
			truncated = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return errorResult(outcomeError, "search failed: %v", err)
	}
	if truncated {
		output.WriteString("[results truncated]\n")
	}
	if matches == 0 {
		output.WriteString("[no matches]\n")
	}

	return Result{Output: output.String(), Target: parsed.Pattern, Outcome: outcomeOK}
}

// grepFile scans one file, appending matches. Returns true once the
// match cap is hit.
func (s *Set) grepFile(path, relative string, pattern *regexp.Regexp, output *strings.Builder, matches *int, maxMatches int) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), s.maxFileBytes)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if lineNumber == 1 && bytes.IndexByte(line, 0) >= 0 {
			return false
		}
		if !pattern.Match(line) {
			continue
		}
		fmt.Fprintf(output, "%s:%d: %s\n", relative, lineNumber, strings.TrimRight(string(line), "\r"))
		*matches++
		if *matches >= maxMatches {
			return true
		}
	}
	return false
}
