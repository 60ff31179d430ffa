package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// keygate://plans — the plan catalog
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			"keygate://plans",
			"Subscription Plans",
			mcp.WithResourceDescription(
				"The subscription plans Keygate enforces, with each plan's "+
					"per-minute request limit.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handlePlansResource,
	)

	// -------------------------------------------------------------------
	// keygate://keys — credential inventory (no key material)
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			"keygate://keys",
			"API Credentials",
			mcp.WithResourceDescription(
				"All API credentials with display prefix, plan, and active "+
					"status. Key material is never included.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleKeysResource,
	)
}

// handlePlansResource returns the plan catalog as JSON.
func (s *MCPServer) handlePlansResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	b, err := json.MarshalIndent(s.catalog, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plans: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "keygate://plans",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

// handleKeysResource returns the credential inventory as JSON.
func (s *MCPServer) handleKeysResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	creds, err := s.keys.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	type keyInfo struct {
		ID        int64  `json:"id"`
		KeyPrefix string `json:"key_prefix"`
		Plan      string `json:"plan"`
		IsActive  bool   `json:"is_active"`
	}
	items := make([]keyInfo, len(creds))
	for i := range creds {
		items[i] = keyInfo{
			ID:        creds[i].ID,
			KeyPrefix: creds[i].KeyPrefix,
			Plan:      creds[i].Plan,
			IsActive:  creds[i].IsActive,
		}
	}

	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keys: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "keygate://keys",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
