package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keygatehq/keygate/internal/model"
)

// registerTools registers all Keygate MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Discovery tools -----

	srv.AddTool(
		mcp.NewTool("keygate_list_plans",
			mcp.WithDescription(
				"List the subscription plans Keygate knows about, with each plan's "+
					"per-minute request limit. Use this first to discover valid plan "+
					"names before creating keys.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListPlans,
	)

	srv.AddTool(
		mcp.NewTool("keygate_list_keys",
			mcp.WithDescription(
				"List all API credentials, including display prefix, plan, active "+
					"status, and last-used time. Key material is never returned.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("keygate_quota",
			mcp.WithDescription(
				"Inspect a credential's current rate-limit window: requests used, "+
					"the plan limit, and seconds until the window resets. Inspection "+
					"never consumes quota.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("key_id",
				mcp.Required(),
				mcp.Description("ID of the credential to inspect"),
			),
		),
		s.handleQuota,
	)

	srv.AddTool(
		mcp.NewTool("keygate_entitlement",
			mcp.WithDescription(
				"Describe a credential's entitlements: its plan, effective "+
					"per-minute limit, and derived workspace ID.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("key_id",
				mcp.Required(),
				mcp.Description("ID of the credential to describe"),
			),
		),
		s.handleEntitlement,
	)

	// ----- Mutation tools -----

	srv.AddTool(
		mcp.NewTool("keygate_create_key",
			mcp.WithDescription(
				"Create a new API credential on a plan. Returns the plaintext key "+
					"exactly once; only its SHA-256 hash is stored. Use "+
					"keygate_list_plans to discover valid plan names.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("plan",
				mcp.Required(),
				mcp.Description("Plan name (e.g. \"free\", \"pro\", \"team\", \"enterprise\")"),
			),
			mcp.WithNumber("rate_limit_override",
				mcp.Description("Optional per-minute limit overriding the plan default"),
			),
		),
		s.handleCreateKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_revoke_key",
			mcp.WithDescription(
				"Revoke an API credential by ID. Revoked keys are rejected on the "+
					"next request. Revoking an already-revoked key succeeds without effect.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("key_id",
				mcp.Required(),
				mcp.Description("ID of the credential to revoke"),
			),
		),
		s.handleRevokeKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_rotate_key",
			mcp.WithDescription(
				"Rotate an API credential: atomically issue a fresh key carrying "+
					"the old key's plan and settings, and revoke the old key. "+
					"Returns the new plaintext key exactly once.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("key_id",
				mcp.Required(),
				mcp.Description("ID of the credential to rotate"),
			),
		),
		s.handleRotateKey,
	)
}

// =========================================================================
// Tool handlers
// =========================================================================

// handleListPlans returns the plan catalog.
func (s *MCPServer) handleListPlans(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {
	return successJSON(s.catalog)
}

// handleListKeys returns all credentials without key material.
func (s *MCPServer) handleListKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	creds, err := s.keys.List(ctx)
	if err != nil {
		return toolError("Failed to list keys: %v", err)
	}

	type keyInfo struct {
		ID        int64      `json:"id"`
		KeyPrefix string     `json:"key_prefix"`
		Plan      string     `json:"plan"`
		Limit     int        `json:"limit_per_min"`
		IsActive  bool       `json:"is_active"`
		LastUsed  *time.Time `json:"last_used,omitempty"`
	}

	items := make([]keyInfo, len(creds))
	for i := range creds {
		items[i] = keyInfo{
			ID:        creds[i].ID,
			KeyPrefix: creds[i].KeyPrefix,
			Plan:      creds[i].Plan,
			Limit:     creds[i].EffectiveLimit(),
			IsActive:  creds[i].IsActive,
			LastUsed:  creds[i].LastUsed,
		}
	}

	return successJSON(items)
}

// handleQuota reports a credential's current window without consuming quota.
func (s *MCPServer) handleQuota(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireInt64(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	snap, err := s.engine.Peek(ctx, keyID, time.Now())
	if err != nil {
		return toolError("Failed to inspect quota for key %d: %v", keyID, err)
	}

	return successJSON(model.QuotaResponse{
		Plan:        snap.Plan.String(),
		Used:        snap.Used,
		LimitPerMin: snap.Limit,
		ResetInSec:  int(time.Until(snap.ResetAt).Round(time.Second).Seconds()),
	})
}

// handleEntitlement describes a credential's plan, limit, and workspace.
func (s *MCPServer) handleEntitlement(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireInt64(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	ent, err := s.entitle.Describe(ctx, keyID)
	if err != nil {
		return toolError("Failed to describe key %d: %v", keyID, err)
	}

	return successJSON(ent)
}

// handleCreateKey creates a credential and returns the plaintext key once.
func (s *MCPServer) handleCreateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	plan, err := requireString(request, "plan")
	if err != nil {
		return toolError("%v. Use keygate_list_plans to see valid plans.", err)
	}

	var override *int
	if v := optionalInt(request, "rate_limit_override", 0); v > 0 {
		override = &v
	}

	cred, rawKey, err := s.keys.Create(ctx, plan, override, nil)
	if err != nil {
		return toolError("Failed to create key: %v", err)
	}

	return successJSON(map[string]interface{}{
		"id":         cred.ID,
		"api_key":    rawKey,
		"key_prefix": cred.KeyPrefix,
		"plan":       cred.Plan,
	})
}

// handleRevokeKey revokes a credential by ID.
func (s *MCPServer) handleRevokeKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireInt64(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	if err := s.keys.Revoke(ctx, keyID); err != nil {
		return toolError("Failed to revoke key %d: %v", keyID, err)
	}

	return successJSON(map[string]interface{}{
		"revoked": true,
		"key_id":  keyID,
	})
}

// handleRotateKey rotates a credential and returns the new plaintext key once.
func (s *MCPServer) handleRotateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireInt64(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	cred, rawKey, err := s.keys.Rotate(ctx, keyID)
	if err != nil {
		return toolError("Failed to rotate key %d: %v", keyID, err)
	}

	return successJSON(map[string]interface{}{
		"id":           cred.ID,
		"api_key":      rawKey,
		"key_prefix":   cred.KeyPrefix,
		"plan":         cred.Plan,
		"rotated_from": keyID,
	})
}
