// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hearth-dev/hearth/lib/sqlitepool"
)

func openTestVault(t *testing.T) *Vault {
	t.Helper()
	directory := t.TempDir()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(directory, "vault.db"),
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	vault, err := Open(context.Background(), Config{
		Pool:    pool,
		KeyPath: filepath.Join(directory, "vault.key"),
	})
	if err != nil {
		t.Fatalf("opening vault: %v", err)
	}
	t.Cleanup(func() { vault.Close() })
	return vault
}

func TestIssueAndAuthenticate(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	plaintext, issued, err := vault.Issue(ctx, KindMCPToken, "workspace-a")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !strings.HasPrefix(plaintext, "mcp_") {
		t.Errorf("secret %q missing mcp_ prefix", plaintext)
	}
	if issued.Scope != "workspace-a" {
		t.Errorf("Scope = %q, want workspace-a", issued.Scope)
	}

	authenticated, err := vault.Authenticate(ctx, KindMCPToken, plaintext)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if authenticated.ID != issued.ID {
		t.Errorf("authenticated ID %q, want %q", authenticated.ID, issued.ID)
	}
	if authenticated.Scope != "workspace-a" {
		t.Errorf("authenticated Scope = %q, want workspace-a", authenticated.Scope)
	}
}

func TestAuthenticateFailuresAreUniform(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	plaintext, _, err := vault.Issue(ctx, KindMCPToken, ScopeGlobal)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	cases := map[string]string{
		"unknown secret": "mcp_" + strings.Repeat("A", 48),
		"empty secret":   "",
		"truncated":      plaintext[:len(plaintext)-1],
		"wrong prefix":   "pat_" + plaintext[4:],
	}
	for name, presented := range cases {
		if _, err := vault.Authenticate(ctx, KindMCPToken, presented); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("%s: error = %v, want ErrAuthFailed", name, err)
		}
	}

	// Right secret, wrong kind.
	if _, err := vault.Authenticate(ctx, KindRepoPAT, plaintext); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("wrong kind: error = %v, want ErrAuthFailed", err)
	}
}

func TestResetSupersedesOldSecret(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	oldSecret, _, err := vault.Issue(ctx, KindMCPToken, "workspace-a")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	newSecret, _, err := vault.Reset(ctx, KindMCPToken, "workspace-a")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if oldSecret == newSecret {
		t.Fatal("Reset returned the same secret")
	}

	if _, err := vault.Authenticate(ctx, KindMCPToken, oldSecret); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("old secret still authenticates: %v", err)
	}
	if _, err := vault.Authenticate(ctx, KindMCPToken, newSecret); err != nil {
		t.Errorf("new secret rejected: %v", err)
	}
}

// TestResetKeepsOneActiveCredential pins the rotation invariant: the
// revoke and the replacement commit together, so the scope always has
// exactly one active credential.
func TestResetKeepsOneActiveCredential(t *testing.T) {
	directory := t.TempDir()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(directory, "vault.db"),
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	vault, err := Open(context.Background(), Config{
		Pool:    pool,
		KeyPath: filepath.Join(directory, "vault.key"),
	})
	if err != nil {
		t.Fatalf("opening vault: %v", err)
	}
	t.Cleanup(func() { vault.Close() })
	ctx := context.Background()

	activeRows := func() int {
		t.Helper()
		conn, err := pool.Take(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defer pool.Put(conn)
		count := -1
		err = sqlitex.Execute(conn, `
			SELECT COUNT(*) FROM credentials
			WHERE kind = ? AND scope = ? AND revoked_at IS NULL;`,
			&sqlitex.ExecOptions{
				Args: []any{string(KindMCPToken), "workspace-a"},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					count = int(stmt.ColumnInt64(0))
					return nil
				},
			})
		if err != nil {
			t.Fatal(err)
		}
		return count
	}

	if _, _, err := vault.Issue(ctx, KindMCPToken, "workspace-a"); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	var current string
	for rotation := 0; rotation < 3; rotation++ {
		plaintext, _, err := vault.Reset(ctx, KindMCPToken, "workspace-a")
		if err != nil {
			t.Fatalf("Reset %d failed: %v", rotation, err)
		}
		current = plaintext
		if got := activeRows(); got != 1 {
			t.Fatalf("after Reset %d: %d active credentials, want 1", rotation, got)
		}
	}
	if _, err := vault.Authenticate(ctx, KindMCPToken, current); err != nil {
		t.Errorf("latest secret rejected: %v", err)
	}

	// A Reset that cannot issue rolls the revocation back too.
	if _, _, err := vault.Reset(ctx, KindMCPToken, ""); err == nil {
		t.Fatal("Reset with empty scope succeeded")
	}
	if got := activeRows(); got != 1 {
		t.Errorf("after failed Reset: %d active credentials, want 1", got)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	secretA, _, err := vault.Issue(ctx, KindMCPToken, "workspace-a")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	secretB, _, err := vault.Issue(ctx, KindMCPToken, "workspace-b")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, _, err := vault.Reset(ctx, KindMCPToken, "workspace-b"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if _, err := vault.Authenticate(ctx, KindMCPToken, secretA); err != nil {
		t.Errorf("workspace-a secret rejected after workspace-b reset: %v", err)
	}
	if _, err := vault.Authenticate(ctx, KindMCPToken, secretB); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("workspace-b secret still valid after reset: %v", err)
	}
}

func TestRevealReturnsStoredSecret(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	plaintext, _, err := vault.Issue(ctx, KindRepoPAT, "workspace-a")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	revealed, err := vault.Reveal(ctx, KindRepoPAT, "workspace-a")
	if err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	if revealed != plaintext {
		t.Errorf("Reveal = %q, want %q", revealed, plaintext)
	}

	if _, err := vault.Reveal(ctx, KindRepoPAT, "workspace-z"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Reveal for unknown scope: error = %v, want ErrNotFound", err)
	}
}

func TestInfoOmitsSecret(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	plaintext, _, err := vault.Issue(ctx, KindMCPToken, ScopeGlobal)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	info, err := vault.Info(ctx, KindMCPToken, ScopeGlobal)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Hint == plaintext {
		t.Error("hint equals full secret")
	}
	if !strings.HasPrefix(plaintext, info.Hint[:8]) {
		t.Errorf("hint %q does not match secret prefix", info.Hint)
	}

	if _, err := vault.Info(ctx, KindRepoPAT, ScopeGlobal); !errors.Is(err, ErrNotFound) {
		t.Errorf("Info for absent credential: error = %v, want ErrNotFound", err)
	}
}

func TestDatabaseNeverStoresPlaintext(t *testing.T) {
	directory := t.TempDir()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(directory, "vault.db"),
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	defer pool.Close()

	vault, err := Open(context.Background(), Config{
		Pool:    pool,
		KeyPath: filepath.Join(directory, "vault.key"),
	})
	if err != nil {
		t.Fatalf("opening vault: %v", err)
	}
	defer vault.Close()

	plaintext, _, err := vault.Issue(context.Background(), KindMCPToken, ScopeGlobal)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(directory, "vault.db"))
	if err != nil {
		t.Fatalf("reading database file: %v", err)
	}
	// Under WAL the fresh row may still be in the log.
	if wal, err := os.ReadFile(filepath.Join(directory, "vault.db-wal")); err == nil {
		raw = append(raw, wal...)
	}
	if strings.Contains(string(raw), plaintext) {
		t.Error("database file contains credential plaintext")
	}
	// The hint is stored, but only the hint.
	if strings.Contains(string(raw), plaintext[8:len(plaintext)-4]) {
		t.Error("database file contains secret body")
	}
}

func TestConcurrentIdentityCreation(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "vault.key")

	results := make([]string, 8)
	var group sync.WaitGroup
	for worker := 0; worker < len(results); worker++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			buffer, err := loadOrCreateIdentity(keyPath)
			if err != nil {
				t.Errorf("worker %d: %v", index, err)
				return
			}
			results[index] = buffer.String()
			buffer.Close()
		}(worker)
	}
	group.Wait()

	for index, identity := range results {
		if identity == "" {
			continue
		}
		if identity != results[0] {
			t.Errorf("worker %d loaded a different identity", index)
		}
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("key file mode = %o, want 600", mode)
	}
}

func TestVaultsShareIdentity(t *testing.T) {
	directory := t.TempDir()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(directory, "vault.db"),
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	defer pool.Close()

	keyPath := filepath.Join(directory, "vault.key")
	first, err := Open(context.Background(), Config{Pool: pool, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("opening first vault: %v", err)
	}
	plaintext, _, err := first.Issue(context.Background(), KindMCPToken, ScopeGlobal)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	first.Close()

	second, err := Open(context.Background(), Config{Pool: pool, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("opening second vault: %v", err)
	}
	defer second.Close()

	if _, err := second.Authenticate(context.Background(), KindMCPToken, plaintext); err != nil {
		t.Errorf("credential issued by first vault rejected by second: %v", err)
	}
}
