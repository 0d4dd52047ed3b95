// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryLookup(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()

	registry, err := NewRegistry([]Definition{
		{ID: "alpha", DisplayName: "Alpha Project", RootPath: rootA},
		{ID: "beta", RootPath: rootB},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	alpha, err := registry.Get("alpha")
	if err != nil {
		t.Fatalf("Get(alpha) failed: %v", err)
	}
	if alpha.DisplayName != "Alpha Project" {
		t.Errorf("DisplayName = %q, want %q", alpha.DisplayName, "Alpha Project")
	}

	beta, err := registry.Get("beta")
	if err != nil {
		t.Fatalf("Get(beta) failed: %v", err)
	}
	if beta.DisplayName != "beta" {
		t.Errorf("default DisplayName = %q, want %q", beta.DisplayName, "beta")
	}

	if _, err := registry.Get("gamma"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("Get(gamma) error = %v, want ErrWorkspaceNotFound", err)
	}
}

func TestRegistryCanonicalizesRoots(t *testing.T) {
	real := t.TempDir()
	linkParent := t.TempDir()
	link := filepath.Join(linkParent, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	registry, err := NewRegistry([]Definition{{ID: "ws", RootPath: link}})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	entry, err := registry.Get("ws")
	if err != nil {
		t.Fatal(err)
	}
	canonical, err := filepath.EvalSymlinks(real)
	if err != nil {
		t.Fatal(err)
	}
	if entry.RootPath != canonical {
		t.Errorf("RootPath = %q, want canonical %q", entry.RootPath, canonical)
	}
}

func TestRegistryValidation(t *testing.T) {
	valid := t.TempDir()
	file := filepath.Join(valid, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name        string
		definitions []Definition
	}{
		{"missing id", []Definition{{RootPath: valid}}},
		{"duplicate id", []Definition{{ID: "a", RootPath: valid}, {ID: "a", RootPath: valid}}},
		{"relative root", []Definition{{ID: "a", RootPath: "relative/path"}}},
		{"missing root", []Definition{{ID: "a", RootPath: filepath.Join(valid, "nope")}}},
		{"root is a file", []Definition{{ID: "a", RootPath: file}}},
	}
	for _, testCase := range cases {
		if _, err := NewRegistry(testCase.definitions); err == nil {
			t.Errorf("%s: NewRegistry succeeded, want error", testCase.name)
		}
	}
}

func TestListOmitsRootPath(t *testing.T) {
	root := t.TempDir()
	registry, err := NewRegistry([]Definition{
		{ID: "zeta", RootPath: root},
		{ID: "alpha", RootPath: root},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	summaries := registry.List()
	if len(summaries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(summaries))
	}
	if summaries[0].ID != "alpha" || summaries[1].ID != "zeta" {
		t.Errorf("List not in ID order: %v", summaries)
	}
}
