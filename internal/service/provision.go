package service

import (
	"context"
	"fmt"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/model"
)

// Provisioner is the write-side port the billing collaborator uses to turn a
// payment event into a credential. Grants are idempotent on the external
// event id: webhooks arrive at least once and a replay must return the
// original credential, never mint a second one.
type Provisioner struct {
	store *config.Store
}

// NewProvisioner creates a Provisioner over the given registry store.
func NewProvisioner(store *config.Store) *Provisioner {
	return &Provisioner{store: store}
}

// GrantResult is the outcome of a provisioning grant. RawKey is set only
// when the grant created a credential; on replay it is empty because the
// secret was already delivered once and cannot be recovered.
type GrantResult struct {
	Credential *model.Credential
	RawKey     string
	Created    bool
}

// Grant provisions a credential for an external payment event. The
// credential is visible to Verify the moment Grant returns: both run against
// the same committed store state, so a customer who just paid can use their
// key immediately.
func (p *Provisioner) Grant(ctx context.Context, eventID, plan string, override *int, metadata map[string]string) (*GrantResult, error) {
	if eventID == "" {
		return nil, fmt.Errorf("external event id is required")
	}
	parsed, err := model.ParsePlan(plan)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
	}

	rawKey, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	cred := &model.Credential{
		KeyHash:           config.HashKey(rawKey),
		KeyPrefix:         DisplayPrefix(rawKey),
		Plan:              parsed.String(),
		RateLimitOverride: override,
		Metadata:          encodeMetadata(metadata),
	}

	result, created, err := p.store.ProvisionCredential(ctx, eventID, cred)
	if err != nil {
		return nil, err
	}
	if !created {
		// Replay: the generated key is discarded, nothing was stored for it.
		return &GrantResult{Credential: result, Created: false}, nil
	}
	return &GrantResult{Credential: result, RawKey: rawKey, Created: true}, nil
}
