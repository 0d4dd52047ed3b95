// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault issues, authenticates, and rotates bearer credentials
// with the secret material encrypted at rest.
//
// Each credential is a random URL-safe secret with a kind prefix. The
// database never stores the secret directly: lookups go through a
// keyed BLAKE3 digest, and the recoverable copy is sealed inside an
// age X25519 envelope together with its scope and kind. Stealing the
// database alone therefore reveals nothing; the age identity key file
// lives beside it with 0600 permissions and is loaded into locked
// memory.
//
// Authentication failures are uniform: a missing credential, a revoked
// credential, and a wrong secret all produce ErrAuthFailed with no
// further detail.
//
// Key exports: Vault, Open, Credential, ErrAuthFailed.
package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hearth-dev/hearth/lib/codec"
	"github.com/hearth-dev/hearth/lib/secret"
	"github.com/hearth-dev/hearth/lib/sqlitepool"
)

// Kind identifies what a credential is for. The kind determines the
// secret's prefix and partitions the lookup space.
type Kind string

const (
	// KindRepoPAT is a personal access token for a workspace's backing
	// repository.
	KindRepoPAT Kind = "repo_pat"

	// KindMCPToken is a bearer token for the MCP gateway surface.
	KindMCPToken Kind = "mcp_token"
)

// ScopeGlobal marks a credential valid for every workspace.
const ScopeGlobal = "global"

// secretByteLength is the entropy of a credential secret before
// encoding. 36 bytes encode to 48 URL-safe characters.
const secretByteLength = 36

var (
	// ErrAuthFailed is returned for every authentication failure,
	// regardless of cause.
	ErrAuthFailed = errors.New("vault: authentication failed")

	// ErrNotFound is returned when no active credential matches a
	// kind and scope.
	ErrNotFound = errors.New("vault: credential not found")
)

// Credential is the public record of an issued credential. It never
// contains the secret.
type Credential struct {
	ID        string
	Kind      Kind
	Scope     string
	Hint      string
	CreatedAt time.Time
}

// bundle is the sealed payload stored alongside each credential row.
// The scope and kind ride inside the envelope so a row cannot be
// re-pointed at a different workspace by editing the database.
type bundle struct {
	Secret   string `cbor:"1,keyasint"`
	Scope    string `cbor:"2,keyasint"`
	Kind     string `cbor:"3,keyasint"`
	IssuedAt int64  `cbor:"4,keyasint"`
}

// Config describes a Vault.
type Config struct {
	// Pool is the database holding credential rows. Required.
	Pool *sqlitepool.Pool

	// KeyPath is where the age identity key lives. Created with 0600
	// permissions on first use. Required.
	KeyPath string

	// Logger receives issuance and revocation events. Secrets are
	// never logged. Defaults to discard.
	Logger *slog.Logger
}

// Vault issues and authenticates credentials.
type Vault struct {
	pool      *sqlitepool.Pool
	logger    *slog.Logger
	identity  *age.X25519Identity
	keyBuffer *secret.Buffer
	lookupKey [32]byte
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	scope       TEXT NOT NULL,
	digest      TEXT NOT NULL,
	ciphertext  TEXT NOT NULL,
	hint        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	revoked_at  INTEGER
);
CREATE INDEX IF NOT EXISTS credentials_by_digest ON credentials (kind, digest);
CREATE INDEX IF NOT EXISTS credentials_by_scope ON credentials (kind, scope);
`

// Open loads (or creates) the age identity and prepares the credential
// store.
func Open(ctx context.Context, config Config) (*Vault, error) {
	if config.Pool == nil {
		panic("vault: Config.Pool is required")
	}
	if config.KeyPath == "" {
		panic("vault: Config.KeyPath is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	keyBuffer, err := loadOrCreateIdentity(config.KeyPath)
	if err != nil {
		return nil, err
	}
	identity, err := age.ParseX25519Identity(keyBuffer.String())
	if err != nil {
		keyBuffer.Close()
		return nil, fmt.Errorf("vault: parsing identity key: %w", err)
	}

	vault := &Vault{
		pool:      config.Pool,
		logger:    logger,
		identity:  identity,
		keyBuffer: keyBuffer,
	}
	blake3.DeriveKey("hearth vault lookup v1", keyBuffer.Bytes(), vault.lookupKey[:])

	conn, err := config.Pool.Take(ctx)
	if err != nil {
		vault.Close()
		return nil, err
	}
	defer config.Pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		vault.Close()
		return nil, fmt.Errorf("vault: creating schema: %w", err)
	}

	return vault, nil
}

// loadOrCreateIdentity reads the identity key file, generating it on
// first use. Creation uses O_EXCL so concurrent starters race safely:
// exactly one writes, the rest read the winner's file.
func loadOrCreateIdentity(keyPath string) (*secret.Buffer, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		return secret.NewFromBytes(bytes.TrimSpace(data))
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("vault: reading identity key: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("vault: generating identity: %w", err)
	}
	encoded := identity.String()

	file, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			data, readErr := os.ReadFile(keyPath)
			if readErr != nil {
				return nil, fmt.Errorf("vault: reading identity key after race: %w", readErr)
			}
			return secret.NewFromBytes(bytes.TrimSpace(data))
		}
		return nil, fmt.Errorf("vault: creating identity key file: %w", err)
	}
	if _, err := file.WriteString(encoded + "\n"); err != nil {
		file.Close()
		return nil, fmt.Errorf("vault: writing identity key: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("vault: closing identity key file: %w", err)
	}

	return secret.NewFromBytes([]byte(encoded))
}

// Close releases the locked key memory. The pool is owned by the
// caller and is not closed.
func (v *Vault) Close() error {
	return v.keyBuffer.Close()
}

// Issue creates a new credential for the given kind and scope and
// returns the plaintext secret exactly once, together with the public
// record. The plaintext is never recoverable through any other method
// except Reveal.
func (v *Vault) Issue(ctx context.Context, kind Kind, scope string) (string, *Credential, error) {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return "", nil, err
	}
	defer v.pool.Put(conn)
	return v.issueOn(conn, kind, scope)
}

// issueOn generates, seals, and stores a credential on an
// already-held connection.
func (v *Vault) issueOn(conn *sqlite.Conn, kind Kind, scope string) (string, *Credential, error) {
	if scope == "" {
		return "", nil, fmt.Errorf("vault: scope is required")
	}

	raw := make([]byte, secretByteLength)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("vault: generating secret: %w", err)
	}
	plaintext := prefixFor(kind) + base64.RawURLEncoding.EncodeToString(raw)
	secret.Zero(raw)

	now := time.Now()
	sealed, err := v.seal(bundle{
		Secret:   plaintext,
		Scope:    scope,
		Kind:     string(kind),
		IssuedAt: now.Unix(),
	})
	if err != nil {
		return "", nil, err
	}

	credential := &Credential{
		ID:        uuid.NewString(),
		Kind:      kind,
		Scope:     scope,
		Hint:      hintFor(plaintext),
		CreatedAt: now,
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO credentials (id, kind, scope, digest, ciphertext, hint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{Args: []any{
			credential.ID, string(kind), scope, v.digest(plaintext), sealed,
			credential.Hint, now.Unix(),
		}})
	if err != nil {
		return "", nil, fmt.Errorf("vault: storing credential: %w", err)
	}

	v.logger.Info("credential issued",
		"id", credential.ID, "kind", kind, "scope", scope, "hint", credential.Hint)
	return plaintext, credential, nil
}

// Reset revokes every active credential for the kind and scope and
// issues a replacement in the same transaction, so the scope is never
// observed without an active credential. Clients holding the old
// secret fail authentication from the commit on.
func (v *Vault) Reset(ctx context.Context, kind Kind, scope string) (plaintext string, credential *Credential, err error) {
	conn, takeErr := v.pool.Take(ctx)
	if takeErr != nil {
		return "", nil, takeErr
	}
	defer v.pool.Put(conn)
	defer sqlitex.Transaction(conn)(&err)

	err = sqlitex.Execute(conn, `
		UPDATE credentials SET revoked_at = ?
		WHERE kind = ? AND scope = ? AND revoked_at IS NULL;`,
		&sqlitex.ExecOptions{Args: []any{time.Now().Unix(), string(kind), scope}})
	if err != nil {
		return "", nil, fmt.Errorf("vault: revoking credentials: %w", err)
	}

	plaintext, credential, err = v.issueOn(conn, kind, scope)
	if err != nil {
		return "", nil, err
	}
	v.logger.Info("credentials rotated", "kind", kind, "scope", scope)
	return plaintext, credential, nil
}

// Authenticate verifies a presented secret of the given kind and
// returns the matching credential record. Every failure mode returns
// ErrAuthFailed.
func (v *Vault) Authenticate(ctx context.Context, kind Kind, presented string) (*Credential, error) {
	if presented == "" {
		return nil, ErrAuthFailed
	}

	conn, err := v.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer v.pool.Put(conn)

	type row struct {
		id         string
		scope      string
		ciphertext string
		hint       string
		createdAt  int64
	}
	var matches []row
	err = sqlitex.Execute(conn, `
		SELECT id, scope, ciphertext, hint, created_at FROM credentials
		WHERE kind = ? AND digest = ? AND revoked_at IS NULL;`,
		&sqlitex.ExecOptions{
			Args: []any{string(kind), v.digest(presented)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				matches = append(matches, row{
					id:         stmt.ColumnText(0),
					scope:      stmt.ColumnText(1),
					ciphertext: stmt.ColumnText(2),
					hint:       stmt.ColumnText(3),
					createdAt:  stmt.ColumnInt64(4),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("vault: looking up credential: %w", err)
	}

	for _, match := range matches {
		payload, err := v.unseal(match.ciphertext)
		if err != nil {
			continue
		}
		secretMatches := subtle.ConstantTimeCompare([]byte(payload.Secret), []byte(presented)) == 1
		if secretMatches && payload.Kind == string(kind) {
			return &Credential{
				ID:        match.id,
				Kind:      kind,
				Scope:     payload.Scope,
				Hint:      match.hint,
				CreatedAt: time.Unix(match.createdAt, 0),
			}, nil
		}
	}
	return nil, ErrAuthFailed
}

// Reveal decrypts the stored secret for the active credential of the
// kind and scope. Used when the system itself needs the secret, such
// as presenting a repository token upstream.
func (v *Vault) Reveal(ctx context.Context, kind Kind, scope string) (string, error) {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer v.pool.Put(conn)

	var ciphertext string
	err = sqlitex.Execute(conn, `
		SELECT ciphertext FROM credentials
		WHERE kind = ? AND scope = ? AND revoked_at IS NULL
		ORDER BY created_at DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{string(kind), scope},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ciphertext = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("vault: looking up credential: %w", err)
	}
	if ciphertext == "" {
		return "", ErrNotFound
	}

	payload, err := v.unseal(ciphertext)
	if err != nil {
		return "", err
	}
	return payload.Secret, nil
}

// Info returns the public record of the active credential for the kind
// and scope, or ErrNotFound.
func (v *Vault) Info(ctx context.Context, kind Kind, scope string) (*Credential, error) {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer v.pool.Put(conn)

	var credential *Credential
	err = sqlitex.Execute(conn, `
		SELECT id, hint, created_at FROM credentials
		WHERE kind = ? AND scope = ? AND revoked_at IS NULL
		ORDER BY created_at DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{string(kind), scope},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				credential = &Credential{
					ID:        stmt.ColumnText(0),
					Kind:      kind,
					Scope:     scope,
					Hint:      stmt.ColumnText(1),
					CreatedAt: time.Unix(stmt.ColumnInt64(2), 0),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("vault: looking up credential: %w", err)
	}
	if credential == nil {
		return nil, ErrNotFound
	}
	return credential, nil
}

func (v *Vault) seal(payload bundle) (string, error) {
	plaintext, err := codec.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("vault: encoding bundle: %w", err)
	}
	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, v.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("vault: starting encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("vault: encrypting bundle: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("vault: finishing encryption: %w", err)
	}
	secret.Zero(plaintext)
	return base64.StdEncoding.EncodeToString(sealed.Bytes()), nil
}

func (v *Vault) unseal(encoded string) (*bundle, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: decoding ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), v.identity)
	if err != nil {
		return nil, fmt.Errorf("vault: opening envelope: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypting bundle: %w", err)
	}
	var payload bundle
	if err := codec.Unmarshal(plaintext, &payload); err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("vault: decoding bundle: %w", err)
	}
	secret.Zero(plaintext)
	return &payload, nil
}

// digest computes the keyed lookup digest of a secret. The key is
// derived from the identity, so digests are useless without the key
// file.
func (v *Vault) digest(plaintext string) string {
	hasher, err := blake3.NewKeyed(v.lookupKey[:])
	if err != nil {
		panic("vault: keyed hasher: " + err.Error())
	}
	hasher.WriteString(plaintext)
	return hex.EncodeToString(hasher.Sum(nil))
}

func prefixFor(kind Kind) string {
	switch kind {
	case KindMCPToken:
		return "mcp_"
	case KindRepoPAT:
		return "pat_"
	default:
		return "key_"
	}
}

// hintFor returns a display fragment of a secret: enough to recognize
// it in a list, not enough to use it.
func hintFor(plaintext string) string {
	if len(plaintext) <= 12 {
		return plaintext[:len(plaintext)/2] + "..."
	}
	return plaintext[:8] + "..." + plaintext[len(plaintext)-4:]
}
