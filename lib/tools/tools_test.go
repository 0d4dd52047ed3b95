// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hearth-dev/hearth/lib/audit"
	"github.com/hearth-dev/hearth/lib/workspace"
)

// newTestSet builds a workspace with a few files and a Set with the
// given allow-list.
func newTestSet(t *testing.T, allowed []string) *Set {
	t.Helper()
	root := t.TempDir()
	mustWrite := func(relative, content string) {
		t.Helper()
		path := filepath.Join(root, relative)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("src/main.go", "package main\n\nfunc main() {\n\t// TODO: wire flags\n}\n")
	mustWrite("src/util.go", "package main\n\nfunc helper() {}\n")
	mustWrite("docs/guide.md", "# Guide\n\nIntro text.\n\n## Setup\n\n### Requirements\n\n## Usage\n")
	mustWrite(".hidden/secret.txt", "do not list\n")

	registry, err := workspace.NewRegistry([]workspace.Definition{
		{ID: "ws", RootPath: root},
	})
	if err != nil {
		t.Fatal(err)
	}
	entry, err := registry.Get("ws")
	if err != nil {
		t.Fatal(err)
	}

	set, err := NewSet(Config{Workspace: entry, Allowed: allowed})
	if err != nil {
		t.Fatalf("NewSet failed: %v", err)
	}
	return set
}

func call(t *testing.T, set *Set, name, arguments string) Result {
	t.Helper()
	result, err := set.Call(context.Background(), name, json.RawMessage(arguments))
	if err != nil {
		t.Fatalf("Call(%s) failed: %v", name, err)
	}
	return result
}

func TestNewSetRejectsUnknownTool(t *testing.T) {
	root := t.TempDir()
	registry, err := workspace.NewRegistry([]workspace.Definition{{ID: "ws", RootPath: root}})
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := registry.Get("ws")

	if _, err := NewSet(Config{Workspace: entry, Allowed: []string{"write_file"}}); err == nil {
		t.Error("NewSet with write_file in allow-list succeeded, want error")
	}
}

func TestCallOutsideAllowList(t *testing.T) {
	set := newTestSet(t, []string{ToolReadFile, ToolListFiles, ToolGrepFiles})

	_, err := set.Call(context.Background(), "write_file", json.RawMessage(`{"path":"x","content":"y"}`))
	if !errors.Is(err, ErrToolNotAllowed) {
		t.Errorf("error = %v, want ErrToolNotAllowed", err)
	}

	// outline exists in the closed set but is outside this allow-list.
	_, err = set.Call(context.Background(), ToolOutline, json.RawMessage(`{"path":"docs/guide.md"}`))
	if !errors.Is(err, ErrToolNotAllowed) {
		t.Errorf("error = %v, want ErrToolNotAllowed", err)
	}
}

func TestDefinitionsFollowAllowList(t *testing.T) {
	set := newTestSet(t, []string{ToolReadFile, ToolGrepFiles})

	definitions := set.Definitions()
	if len(definitions) != 2 {
		t.Fatalf("got %d definitions, want 2", len(definitions))
	}
	for _, definition := range definitions {
		if definition.Name == ToolListFiles || definition.Name == ToolOutline {
			t.Errorf("definition %q outside allow-list", definition.Name)
		}
	}
}

func TestReadFile(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolReadFile, `{"path":"src/main.go"}`)
	if result.IsError {
		t.Fatalf("read_file errored: %s", result.Output)
	}
	if result.Outcome != audit.OutcomeOK {
		t.Errorf("Outcome = %q, want ok", result.Outcome)
	}
	if !strings.Contains(result.Output, "package main") {
		t.Errorf("output missing file content: %q", result.Output)
	}
	if !strings.Contains(result.Output, "     1\t") {
		t.Errorf("output missing line numbers: %q", result.Output)
	}
}

func TestReadFileLineRange(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolReadFile, `{"path":"src/main.go","start_line":3,"end_line":3}`)
	if result.IsError {
		t.Fatalf("read_file errored: %s", result.Output)
	}
	if !strings.Contains(result.Output, "func main()") {
		t.Errorf("range output = %q, want line 3", result.Output)
	}
	if strings.Contains(result.Output, "package main") {
		t.Errorf("range output leaked line 1: %q", result.Output)
	}
}

func TestReadFilePathViolation(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolReadFile, `{"path":"../../etc/passwd"}`)
	if !result.IsError {
		t.Fatal("escape attempt did not error")
	}
	if result.Outcome != audit.OutcomePathViolation {
		t.Errorf("Outcome = %q, want path_violation", result.Outcome)
	}
	if strings.Contains(result.Output, "passwd") {
		t.Errorf("violation output echoes path: %q", result.Output)
	}
}

func TestReadFileMissing(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolReadFile, `{"path":"src/nope.go"}`)
	if !result.IsError {
		t.Fatal("missing file did not error")
	}
	if result.Outcome != audit.OutcomeError {
		t.Errorf("Outcome = %q, want error", result.Outcome)
	}
}

func TestListFiles(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolListFiles, `{}`)
	if result.IsError {
		t.Fatalf("list_files errored: %s", result.Output)
	}
	for _, want := range []string{"src/", "src/main.go", "docs/guide.md"} {
		if !strings.Contains(result.Output, want) {
			t.Errorf("listing missing %q:\n%s", want, result.Output)
		}
	}
	if strings.Contains(result.Output, ".hidden") {
		t.Errorf("listing includes hidden entries:\n%s", result.Output)
	}
}

func TestListFilesIncludeHidden(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolListFiles, `{"include_hidden":true}`)
	if !strings.Contains(result.Output, ".hidden/") {
		t.Errorf("listing missing hidden directory:\n%s", result.Output)
	}
}

func TestListFilesDepth(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolListFiles, `{"depth":1}`)
	if !strings.Contains(result.Output, "src/") {
		t.Errorf("depth 1 listing missing src/:\n%s", result.Output)
	}
	if strings.Contains(result.Output, "main.go") {
		t.Errorf("depth 1 listing descended too far:\n%s", result.Output)
	}
}

func TestGrepFiles(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolGrepFiles, `{"pattern":"func \\w+"}`)
	if result.IsError {
		t.Fatalf("grep_files errored: %s", result.Output)
	}
	if !strings.Contains(result.Output, "src/main.go:3:") {
		t.Errorf("grep missing main.go match:\n%s", result.Output)
	}
	if !strings.Contains(result.Output, "src/util.go:3:") {
		t.Errorf("grep missing util.go match:\n%s", result.Output)
	}
}

func TestGrepFilesGlob(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolGrepFiles, `{"pattern":".","glob":"*.md"}`)
	if strings.Contains(result.Output, "main.go") {
		t.Errorf("glob *.md matched a .go file:\n%s", result.Output)
	}
	if !strings.Contains(result.Output, "guide.md") {
		t.Errorf("glob *.md missed guide.md:\n%s", result.Output)
	}
}

// newLinkedSet builds a Set over a root containing symlinks: one
// escaping to a file outside the root, one to a directory outside the
// root, and one pointing at a file inside it.
func newLinkedSet(t *testing.T) *Set {
	t.Helper()
	root := t.TempDir()
	outside := t.TempDir()

	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("OUTSIDE-marker\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "inside.txt"), []byte("INSIDE-marker\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "escape.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "escape-dir")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "inside.txt"), filepath.Join(root, "alias.txt")); err != nil {
		t.Fatal(err)
	}

	registry, err := workspace.NewRegistry([]workspace.Definition{{ID: "ws", RootPath: root}})
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := registry.Get("ws")
	set, err := NewSet(Config{Workspace: entry, Allowed: nil})
	if err != nil {
		t.Fatalf("NewSet failed: %v", err)
	}
	return set
}

func TestGrepFilesSkipsEscapingSymlink(t *testing.T) {
	set := newLinkedSet(t)

	result := call(t, set, ToolGrepFiles, `{"pattern":"marker"}`)
	if result.IsError {
		t.Fatalf("grep_files errored: %s", result.Output)
	}
	if strings.Contains(result.Output, "OUTSIDE-marker") {
		t.Errorf("grep read content outside the workspace root:\n%s", result.Output)
	}
	if strings.Contains(result.Output, "escape.txt") || strings.Contains(result.Output, "escape-dir") {
		t.Errorf("grep reported an escaping symlink:\n%s", result.Output)
	}
	if !strings.Contains(result.Output, "inside.txt:1:") {
		t.Errorf("grep missing regular in-tree file:\n%s", result.Output)
	}
}

func TestGrepFilesFollowsInternalSymlink(t *testing.T) {
	set := newLinkedSet(t)

	result := call(t, set, ToolGrepFiles, `{"pattern":"INSIDE"}`)
	if !strings.Contains(result.Output, "alias.txt:1:") {
		t.Errorf("symlink to an in-tree file was not searched:\n%s", result.Output)
	}
}

func TestListFilesDoesNotFollowEscapingSymlink(t *testing.T) {
	set := newLinkedSet(t)

	result := call(t, set, ToolListFiles, `{"depth":3}`)
	if result.IsError {
		t.Fatalf("list_files errored: %s", result.Output)
	}
	if strings.Contains(result.Output, "secret.txt") {
		t.Errorf("listing descended into a directory outside the root:\n%s", result.Output)
	}
}

func TestReadFileRejectsEscapingSymlink(t *testing.T) {
	set := newLinkedSet(t)

	result := call(t, set, ToolReadFile, `{"path":"escape.txt"}`)
	if result.Outcome != audit.OutcomePathViolation {
		t.Errorf("Outcome = %q, want path_violation", result.Outcome)
	}
	if strings.Contains(result.Output, "OUTSIDE-marker") {
		t.Errorf("read followed a symlink outside the root:\n%s", result.Output)
	}
}

func TestGrepFilesBadPattern(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolGrepFiles, `{"pattern":"(unclosed"}`)
	if !result.IsError {
		t.Error("invalid pattern did not error")
	}
}

func TestGrepFilesNoMatches(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolGrepFiles, `{"pattern":"zzz_never_present"}`)
	if result.IsError {
		t.Fatalf("grep_files errored: %s", result.Output)
	}
	if !strings.Contains(result.Output, "[no matches]") {
		t.Errorf("output = %q, want no-matches marker", result.Output)
	}
}

func TestOutline(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolOutline, `{"path":"docs/guide.md"}`)
	if result.IsError {
		t.Fatalf("outline errored: %s", result.Output)
	}
	lines := strings.Split(strings.TrimRight(result.Output, "\n"), "\n")
	want := []string{"Guide", "  Setup", "    Requirements", "  Usage"}
	if len(lines) != len(want) {
		t.Fatalf("outline has %d lines, want %d:\n%s", len(lines), len(want), result.Output)
	}
	for index := range want {
		if lines[index] != want[index] {
			t.Errorf("line %d = %q, want %q", index, lines[index], want[index])
		}
	}
}

func TestOutlinePathViolation(t *testing.T) {
	set := newTestSet(t, nil)

	result := call(t, set, ToolOutline, `{"path":"../outside.md"}`)
	if result.Outcome != audit.OutcomePathViolation {
		t.Errorf("Outcome = %q, want path_violation", result.Outcome)
	}
}
