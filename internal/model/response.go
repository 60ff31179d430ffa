package model

// ListResponse is the standard envelope for list endpoints, wrapping results
// in a "resource" array with optional metadata.
type ListResponse struct {
	Resource []map[string]interface{} `json:"resource"`
	Meta     *ResponseMeta            `json:"meta,omitempty"`
}

// ResponseMeta contains count and timing information for list responses.
type ResponseMeta struct {
	Count  int     `json:"count"`
	TookMs float64 `json:"took_ms,omitempty"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// QuotaResponse is returned by the quota inspection endpoint. Reading it
// never consumes quota.
type QuotaResponse struct {
	Plan        string `json:"plan"`
	Used        int    `json:"used"`
	LimitPerMin int    `json:"limit_per_min"`
	ResetInSec  int    `json:"resets_in_sec"`
}

// IdentityResponse is returned by the identity endpoint.
type IdentityResponse struct {
	Plan        string `json:"plan"`
	LimitPerMin int    `json:"limit_per_min"`
	Workspace   string `json:"workspace"`
}

// EntitlementResponse is the EntitlementPort boundary payload consumed by
// the alerts and dashboard collaborators.
type EntitlementResponse struct {
	Plan        string `json:"plan"`
	WorkspaceID string `json:"workspace_id"`
	LimitPerMin int    `json:"limit_per_min"`
}
