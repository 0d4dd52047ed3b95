// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/hearth-dev/hearth/lib/pathguard"
)

type outlineArguments struct {
	Path string `json:"path"`
}

// outline parses a Markdown file and returns its heading structure,
// one heading per line, indented by level.
func (s *Set) outline(arguments json.RawMessage) Result {
	var parsed outlineArguments
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

	info, err := os.Stat(resolved)
	if err != nil {
		return Result{
			Output:  fmt.Sprintf("opening file: %v", err),
			IsError: true,
			Target:  resolved,
			Outcome: outcomeError,
		}
	}
	if info.Size() > int64(s.maxFileBytes) {
		return Result{
			Output:  "file too large to outline",
			IsError: true,
			Target:  resolved,
			Outcome: outcomeError,
		}
	}

	source, err := os.ReadFile(resolved)
	if err != nil {
		return Result{
			Output:  fmt.Sprintf("reading file: %v", err),
			IsError: true,
			Target:  resolved,
			Outcome: outcomeError,
		}
	}

	document := goldmark.New().Parser().Parse(text.NewReader(source))

	var output strings.Builder
	headings := 0
	walkErr := ast.Walk(document, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		heading, ok := node.(*ast.Heading)
		if !ok || !entering {
			return ast.WalkContinue, nil
		}
		title := headingText(heading, source)
		if title == "" {
			return ast.WalkContinue, nil
		}
		output.WriteString(strings.Repeat("  ", heading.Level-1))
		output.WriteString(title)
		output.WriteByte('\n')
		headings++
		return ast.WalkSkipChildren, nil
	})
	if walkErr != nil {
		return Result{
			Output:  fmt.Sprintf("parsing markdown: %v", walkErr),
			IsError: true,
			Target:  resolved,
			Outcome: outcomeError,
		}
	}
	if headings == 0 {
		output.WriteString("[no headings]\n")
	}

	return Result{Output: output.String(), Target: resolved, Outcome: outcomeOK}
}

func headingText(heading *ast.Heading, source []byte) string {
	var builder strings.Builder
	for child := heading.FirstChild(); child != nil; child = child.NextSibling() {
		collectText(child, source, &builder)
	}
	return strings.TrimSpace(builder.String())
}

func collectText(node ast.Node, source []byte, builder *strings.Builder) {
	if textNode, ok := node.(*ast.Text); ok {
		builder.Write(textNode.Segment.Value(source))
		return
	}
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		collectText(child, source, builder)
	}
}
