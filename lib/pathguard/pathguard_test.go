// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package pathguard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newWorkspace builds a throwaway workspace root with a small tree:
//
//	src/main.go
//	docs/
func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func wantViolation(t *testing.T, err error, reason Reason) {
	t.Helper()
	violation, ok := IsViolation(err)
	if !ok {
		t.Fatalf("error %v is not a Violation", err)
	}
	if violation.Reason != reason {
		t.Errorf("Reason = %q, want %q", violation.Reason, reason)
	}
}

func TestResolveExistingFile(t *testing.T) {
	root := newWorkspace(t)

	resolved, err := Resolve(root, "src/main.go")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(canonicalRoot, "src", "main.go"); resolved != want {
		t.Errorf("resolved = %q, want %q", resolved, want)
	}
}

func TestResolveRejectsParentEscape(t *testing.T) {
	root := newWorkspace(t)

	_, err := Resolve(root, "../../etc/passwd")
	wantViolation(t, err, ReasonParentEscape)
}

func TestResolveRejectsInteriorParentEscape(t *testing.T) {
	root := newWorkspace(t)

	// Clean collapses this to a path above the root.
	_, err := Resolve(root, "src/../../outside")
	wantViolation(t, err, ReasonParentEscape)
}

func TestResolveAllowsHarmlessDotSegments(t *testing.T) {
	root := newWorkspace(t)

	resolved, err := Resolve(root, "src/../docs/./")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !strings.HasSuffix(resolved, "docs") {
		t.Errorf("resolved = %q, want docs directory", resolved)
	}
}

func TestResolveRejectsAbsolutePath(t *testing.T) {
	root := newWorkspace(t)

	_, err := Resolve(root, "/etc/passwd")
	wantViolation(t, err, ReasonAbsolute)
}

func TestResolveRejectsNulByte(t *testing.T) {
	root := newWorkspace(t)

	_, err := Resolve(root, "src/main.go\x00.txt")
	wantViolation(t, err, ReasonNulByte)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := newWorkspace(t)
	outside := t.TempDir()
	target := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(target, []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(root, "link.txt")); err != nil {
		t.Fatal(err)
	}

	_, err := Resolve(root, "link.txt")
	wantViolation(t, err, ReasonSymlinkEscape)
}

func TestResolveRejectsSymlinkDirEscape(t *testing.T) {
	root := newWorkspace(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "vendor")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outside, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Resolve(root, "vendor/file.txt")
	wantViolation(t, err, ReasonSymlinkEscape)
}

func TestResolveAllowsInternalSymlink(t *testing.T) {
	root := newWorkspace(t)
	if err := os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "code")); err != nil {
		t.Fatal(err)
	}

	resolved, err := Resolve(root, "code/main.go")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !strings.HasSuffix(resolved, filepath.Join("src", "main.go")) {
		t.Errorf("resolved = %q, want path under src", resolved)
	}
}

func TestResolveRejectsDanglingSymlink(t *testing.T) {
	root := newWorkspace(t)
	if err := os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "dangling")); err != nil {
		t.Fatal(err)
	}

	_, err := Resolve(root, "dangling")
	wantViolation(t, err, ReasonBrokenLink)
}

func TestResolveNonexistentTarget(t *testing.T) {
	root := newWorkspace(t)

	resolved, err := Resolve(root, "docs/new/report.md")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !strings.HasSuffix(resolved, filepath.Join("docs", "new", "report.md")) {
		t.Errorf("resolved = %q", resolved)
	}
}

func TestResolveNonexistentEscapeStillRejected(t *testing.T) {
	root := newWorkspace(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "out")); err != nil {
		t.Fatal(err)
	}

	_, err := Resolve(root, "out/new/file.txt")
	wantViolation(t, err, ReasonSymlinkEscape)
}

func TestResolveRequiresAbsoluteRoot(t *testing.T) {
	if _, err := Resolve("relative/root", "file.txt"); err == nil {
		t.Error("Resolve with relative root succeeded, want error")
	}
}

func TestResolveDir(t *testing.T) {
	root := newWorkspace(t)

	if _, err := ResolveDir(root, "docs"); err != nil {
		t.Errorf("ResolveDir(docs) failed: %v", err)
	}

	_, err := ResolveDir(root, "src/main.go")
	wantViolation(t, err, ReasonNotDirectory)
}

func TestViolationMessageOmitsPath(t *testing.T) {
	root := newWorkspace(t)

	_, err := Resolve(root, "../../etc/passwd")
	if err == nil {
		t.Fatal("Resolve succeeded, want violation")
	}
	if strings.Contains(err.Error(), "passwd") {
		t.Errorf("violation message leaks path: %q", err.Error())
	}
}

func TestResolveEmptyPathIsRoot(t *testing.T) {
	root := newWorkspace(t)

	resolved, err := Resolve(root, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != canonicalRoot {
		t.Errorf("resolved = %q, want root %q", resolved, canonicalRoot)
	}
}
