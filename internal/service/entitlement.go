package service

import (
	"context"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/workspace"
)

// Entitlements is the read-side port the alerts and dashboard collaborators
// use to learn what a credential is entitled to, without duplicating plan
// logic. Reads always reflect the latest committed registry state; a revoke
// that commits before a Describe call is visible to it.
type Entitlements struct {
	keys     *KeyStore
	resolver *workspace.Resolver
}

// NewEntitlements creates an Entitlements port.
func NewEntitlements(keys *KeyStore, resolver *workspace.Resolver) *Entitlements {
	return &Entitlements{keys: keys, resolver: resolver}
}

// Describe returns the plan, derived workspace id, and effective limits for
// a credential id.
func (e *Entitlements) Describe(ctx context.Context, credID int64) (*model.EntitlementResponse, error) {
	info, err := e.keys.GetPlan(ctx, credID)
	if err != nil {
		return nil, err
	}

	cred, err := e.keys.store.GetCredential(ctx, credID)
	if err != nil {
		return nil, err
	}

	return &model.EntitlementResponse{
		Plan:        info.Plan.String(),
		WorkspaceID: e.resolver.Resolve(cred.KeyHash),
		LimitPerMin: info.Limit,
	}, nil
}
