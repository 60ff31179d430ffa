// Package workspace derives tenant-isolation identifiers from credentials.
//
// Every service that isolates data per customer (the gateway, the dashboard,
// the alerts engine) must derive the same workspace id from the same
// credential, byte for byte. The derivation is therefore a pure function of
// the credential hash and a fixed salt; the salt is configured or persisted,
// never regenerated per process.
package workspace

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/keygatehq/keygate/internal/config"
)

// DefaultWorkspace is the reserved workspace id used when no credential is
// presented, for backward compatibility with single-tenant callers.
const DefaultWorkspace = "default"

// idLength is the number of hex characters kept from the digest.
const idLength = 16

// saltSettingKey is where a generated salt is persisted.
const saltSettingKey = "workspace.salt"

// SaltStore is the interface the resolver needs to persist a generated salt.
type SaltStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Resolver derives workspace ids. It is immutable after construction and
// safe for concurrent use.
type Resolver struct {
	salt string
}

// New creates a Resolver with an explicit salt.
func New(salt string) *Resolver {
	return &Resolver{salt: salt}
}

// Load resolves the salt for a Resolver: the configured value when set,
// otherwise a previously persisted salt from the store, otherwise a freshly
// generated one written back to the store. Persisting the salt keeps
// workspace ids stable across restarts.
func Load(ctx context.Context, configured string, store SaltStore) (*Resolver, error) {
	if configured != "" {
		return New(configured), nil
	}

	salt, err := store.GetSetting(ctx, saltSettingKey)
	if err == nil && salt != "" {
		return New(salt), nil
	}
	if err != nil && !errors.Is(err, config.ErrNotFound) {
		return nil, fmt.Errorf("load workspace salt: %w", err)
	}

	salt, err = generateSalt()
	if err != nil {
		return nil, err
	}
	if err := store.SetSetting(ctx, saltSettingKey, salt); err != nil {
		return nil, fmt.Errorf("persist workspace salt: %w", err)
	}
	return New(salt), nil
}

// Resolve maps a credential hash (or any stable credential identity) to its
// workspace id: the first 16 hex characters of SHA-256(salt ":" input).
// Empty input resolves to the default workspace.
func (r *Resolver) Resolve(credentialHash string) string {
	if credentialHash == "" {
		return DefaultWorkspace
	}
	sum := sha256.Sum256([]byte(r.salt + ":" + credentialHash))
	return hex.EncodeToString(sum[:])[:idLength]
}

func generateSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate workspace salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
