package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/model"
)

var (
	// ErrInvalidCredential covers unknown, revoked, and rotated-away keys
	// alike. Callers must never learn which of those it was.
	ErrInvalidCredential = errors.New("invalid credentials")
	// ErrInvalidPlan is returned when a key is created with an unrecognized
	// plan name.
	ErrInvalidPlan = errors.New("invalid plan")
)

// KeyPrefix is prepended to every generated raw key.
const KeyPrefix = "kg_"

// keyHexBytes is the random payload length of a generated key.
const keyHexBytes = 32

// KeyStore issues, verifies, rotates, and revokes credentials. Raw secrets
// exist only in the return values of Create and Rotate; storage holds hashes.
type KeyStore struct {
	store *config.Store
}

// NewKeyStore creates a KeyStore over the given registry store.
func NewKeyStore(store *config.Store) *KeyStore {
	return &KeyStore{store: store}
}

// GenerateKey returns a new raw key: the kg_ prefix plus 64 hex characters
// from a cryptographically random source.
func GenerateKey() (string, error) {
	buf := make([]byte, keyHexBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// DisplayPrefix returns the identifying prefix stored alongside the hash:
// the kg_ prefix plus the first 8 hex characters.
func DisplayPrefix(rawKey string) string {
	if len(rawKey) < len(KeyPrefix)+8 {
		return rawKey
	}
	return rawKey[:len(KeyPrefix)+8]
}

// Create issues a new credential on the given plan. The returned raw key is
// shown exactly once and cannot be recovered afterwards.
func (k *KeyStore) Create(ctx context.Context, plan string, override *int, metadata map[string]string) (*model.Credential, string, error) {
	parsed, err := model.ParsePlan(plan)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
	}

	rawKey, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}

	cred := &model.Credential{
		KeyHash:           config.HashKey(rawKey),
		KeyPrefix:         DisplayPrefix(rawKey),
		Plan:              parsed.String(),
		RateLimitOverride: override,
		Metadata:          encodeMetadata(metadata),
	}
	if err := k.store.CreateCredential(ctx, cred); err != nil {
		return nil, "", err
	}
	return cred, rawKey, nil
}

// Verify resolves a raw key to its active credential. Revoked, rotated, and
// never-issued keys all fail with ErrInvalidCredential.
func (k *KeyStore) Verify(ctx context.Context, rawKey string) (*model.Credential, error) {
	if rawKey == "" {
		return nil, ErrInvalidCredential
	}

	cred, err := k.store.GetActiveCredentialByHash(ctx, config.HashKey(rawKey))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}

	// Update last used timestamp (fire and forget)
	go k.store.UpdateCredentialLastUsed(context.Background(), cred.ID) //nolint:errcheck

	return cred, nil
}

// Revoke deactivates a credential. Idempotent: revoking an already-revoked
// credential succeeds; an unknown id returns config.ErrNotFound.
func (k *KeyStore) Revoke(ctx context.Context, id int64) error {
	return k.store.RevokeCredential(ctx, id)
}

// Rotate replaces an active credential with a fresh secret, copying its plan,
// override, and metadata, and revokes the old one atomically. Requests
// already past verification are unaffected; the old secret stops verifying
// the instant the rotation commits.
func (k *KeyStore) Rotate(ctx context.Context, id int64) (*model.Credential, string, error) {
	rawKey, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}

	cred, err := k.store.RotateCredential(ctx, id, config.HashKey(rawKey), DisplayPrefix(rawKey))
	if err != nil {
		return nil, "", err
	}
	return cred, rawKey, nil
}

// GetPlan returns the plan view for a credential: the plan itself and the
// effective per-minute limit after any override. Used by the quota engine
// and the entitlement port; works for revoked credentials too so audit
// tooling can inspect history.
func (k *KeyStore) GetPlan(ctx context.Context, id int64) (model.PlanInfo, error) {
	cred, err := k.store.GetCredential(ctx, id)
	if err != nil {
		return model.PlanInfo{}, err
	}
	return model.PlanInfo{
		Plan:     cred.PlanValue(),
		Limit:    cred.EffectiveLimit(),
		Override: cred.RateLimitOverride != nil,
	}, nil
}

// List returns all credentials, newest first.
func (k *KeyStore) List(ctx context.Context) ([]model.Credential, error) {
	return k.store.ListCredentials(ctx)
}

func encodeMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(data)
}
