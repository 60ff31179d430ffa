package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/usage"
)

// SystemHandler manages Keygate's own configuration: credentials, admins,
// provisioning grants, and usage reports.
type SystemHandler struct {
	store       *config.Store
	authSvc     *service.AuthService
	keys        *service.KeyStore
	provisioner *service.Provisioner
	entitle     *service.Entitlements
	recorder    *usage.Recorder
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(store *config.Store, authSvc *service.AuthService, keys *service.KeyStore, provisioner *service.Provisioner, entitle *service.Entitlements, recorder *usage.Recorder) *SystemHandler {
	return &SystemHandler{
		store:       store,
		authSvc:     authSvc,
		keys:        keys,
		provisioner: provisioner,
		entitle:     entitle,
		recorder:    recorder,
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
	AdminID   int64  `json:"admin_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
}

// Login authenticates an admin user and returns a JWT session token.
// POST /api/v1/system/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	admin, err := h.store.GetAdminByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "Authentication error: "+err.Error())
		return
	}

	if !admin.IsActive {
		writeError(w, http.StatusUnauthorized, "Account is disabled")
		return
	}

	if config.HashKey(req.Password) != admin.PasswordHash {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	ttl := 24 * time.Hour
	token, err := h.authSvc.IssueJWT(r.Context(), admin.ID, admin.Email, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token: "+err.Error())
		return
	}

	_ = h.store.UpdateAdminLastLogin(r.Context(), admin.ID)

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(ttl.Seconds()),
		AdminID:   admin.ID,
		Email:     admin.Email,
		Name:      admin.Name,
	})
}

// Logout invalidates the current session. Since JWTs are stateless, this is
// a no-op on the server side. Clients should discard their token.
// DELETE /api/v1/system/admin/session
func (h *SystemHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session invalidated",
	})
}

// ---------------------------------------------------------------------------
// Credential management
// ---------------------------------------------------------------------------

// ListKeys returns all credentials (without exposing key material).
// GET /api/v1/system/key
func (h *SystemHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := h.keys.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list keys: "+err.Error())
		return
	}

	resources := make([]map[string]interface{}, 0, len(creds))
	for i := range creds {
		resources = append(resources, credentialToMap(&creds[i]))
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta: &model.ResponseMeta{
			Count: len(resources),
		},
	})
}

// createKeyRequest is the expected payload for CreateKey.
type createKeyRequest struct {
	Plan              string            `json:"plan"`
	RateLimitOverride *int              `json:"rate_limit_override,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// createKeyResponse includes the plaintext key (shown once only).
type createKeyResponse struct {
	ID        int64     `json:"id"`
	Key       string    `json:"api_key"` // Plaintext, shown ONCE.
	KeyPrefix string    `json:"key_prefix"`
	Plan      string    `json:"plan"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateKey generates a new credential, hashes it, stores the hash, and
// returns the plaintext key exactly once.
// POST /api/v1/system/key
func (h *SystemHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.Plan == "" {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}
	if req.RateLimitOverride != nil && *req.RateLimitOverride <= 0 {
		writeError(w, http.StatusBadRequest, "rate_limit_override must be positive")
		return
	}

	cred, rawKey, err := h.keys.Create(r.Context(), req.Plan, req.RateLimitOverride, req.Metadata)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPlan) {
			writeError(w, http.StatusBadRequest, "Unknown plan: "+req.Plan)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create key: "+err.Error())
		return
	}

	// Return the plaintext key. This is the ONLY time it will be visible.
	writeJSON(w, http.StatusCreated, createKeyResponse{
		ID:        cred.ID,
		Key:       rawKey,
		KeyPrefix: cred.KeyPrefix,
		Plan:      cred.Plan,
		IsActive:  cred.IsActive,
		CreatedAt: cred.CreatedAt,
	})
}

// GetKey returns a single credential by ID.
// GET /api/v1/system/key/{keyId}
func (h *SystemHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "keyId")
	id, ok := pathInt64(idStr)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid key ID: "+idStr)
		return
	}

	cred, err := h.store.GetCredential(r.Context(), id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Key not found: "+idStr)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, credentialToMap(cred))
}

// RevokeKey deactivates a credential by ID. Revoking an already-revoked
// credential succeeds without effect.
// DELETE /api/v1/system/key/{keyId}
func (h *SystemHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "keyId")
	id, ok := pathInt64(idStr)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid key ID: "+idStr)
		return
	}

	if err := h.keys.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Key not found: "+idStr)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to revoke key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Key revoked",
	})
}

// RotateKey atomically issues a fresh credential carrying the old one's plan
// and settings, and revokes the old one. Returns the new plaintext key once.
// POST /api/v1/system/key/{keyId}/rotate
func (h *SystemHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "keyId")
	id, ok := pathInt64(idStr)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid key ID: "+idStr)
		return
	}

	cred, rawKey, err := h.keys.Rotate(r.Context(), id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Active key not found: "+idStr)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to rotate key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createKeyResponse{
		ID:        cred.ID,
		Key:       rawKey,
		KeyPrefix: cred.KeyPrefix,
		Plan:      cred.Plan,
		IsActive:  cred.IsActive,
		CreatedAt: cred.CreatedAt,
	})
}

// ---------------------------------------------------------------------------
// Provisioning
// ---------------------------------------------------------------------------

// provisionRequest is the expected payload for Provision. EventID is the
// caller's idempotency token, typically a billing event or subscription ID.
type provisionRequest struct {
	EventID           string            `json:"event_id"`
	Plan              string            `json:"plan"`
	RateLimitOverride *int              `json:"rate_limit_override,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// provisionResponse reports the grant outcome. Key is populated only when
// the grant actually created a credential; replays return the original
// credential's metadata with no key material.
type provisionResponse struct {
	ID        int64  `json:"id"`
	Key       string `json:"api_key,omitempty"`
	KeyPrefix string `json:"key_prefix"`
	Plan      string `json:"plan"`
	Created   bool   `json:"created"`
}

// Provision grants a credential for an external event, exactly once per
// event ID. Replaying the same event returns the original grant.
// POST /api/v1/system/provision
func (h *SystemHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.EventID == "" {
		writeError(w, http.StatusBadRequest, "event_id is required")
		return
	}
	if req.Plan == "" {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}

	result, err := h.provisioner.Grant(r.Context(), req.EventID, req.Plan, req.RateLimitOverride, req.Metadata)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPlan) {
			writeError(w, http.StatusBadRequest, "Unknown plan: "+req.Plan)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to provision: "+err.Error())
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, provisionResponse{
		ID:        result.Credential.ID,
		Key:       result.RawKey,
		KeyPrefix: result.Credential.KeyPrefix,
		Plan:      result.Credential.Plan,
		Created:   result.Created,
	})
}

// ---------------------------------------------------------------------------
// Entitlements
// ---------------------------------------------------------------------------

// Entitlement reports a credential's plan, effective limit, and workspace.
// GET /api/v1/system/entitlement/{keyId}
func (h *SystemHandler) Entitlement(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "keyId")
	id, ok := pathInt64(idStr)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid key ID: "+idStr)
		return
	}

	ent, err := h.entitle.Describe(r.Context(), id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Key not found: "+idStr)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to describe entitlement: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ent)
}

// ---------------------------------------------------------------------------
// Usage reporting
// ---------------------------------------------------------------------------

// Usage returns aggregated per-key usage for a UTC day.
// GET /api/v1/system/usage?day=<epoch-day>
func (h *SystemHandler) Usage(w http.ResponseWriter, r *http.Request) {
	day := int64(queryInt(r, "day", int(time.Now().UTC().Unix()/86400)))

	summaries, err := h.recorder.Summarize(r.Context(), day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to summarize usage: "+err.Error())
		return
	}

	resources := make([]map[string]interface{}, 0, len(summaries))
	for i := range summaries {
		resources = append(resources, map[string]interface{}{
			"key_hash": summaries[i].KeyHash,
			"plan":     summaries[i].Plan,
			"endpoint": summaries[i].Endpoint,
			"total":    summaries[i].Total,
		})
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta: &model.ResponseMeta{
			Count: len(resources),
		},
	})
}

// ---------------------------------------------------------------------------
// Admin management
// ---------------------------------------------------------------------------

// ListAdmins returns all admin accounts.
// GET /api/v1/system/admin
func (h *SystemHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.store.ListAdmins(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list admins: "+err.Error())
		return
	}

	resources := make([]map[string]interface{}, 0, len(admins))
	for i := range admins {
		resources = append(resources, adminToMap(&admins[i]))
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta: &model.ResponseMeta{
			Count: len(resources),
		},
	})
}

// CreateAdmin creates a new admin account.
// POST /api/v1/system/admin
func (h *SystemHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if body.Email == "" {
		writeError(w, http.StatusBadRequest, "Email is required")
		return
	}
	if body.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}
	if len(body.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	if existing, err := h.store.GetAdminByEmail(r.Context(), body.Email); err == nil && existing != nil {
		writeError(w, http.StatusConflict, "Admin with this email already exists")
		return
	}

	admin := &model.Admin{
		Email:        body.Email,
		PasswordHash: config.HashKey(body.Password),
		Name:         body.Name,
		IsActive:     true,
	}

	if err := h.store.CreateAdmin(r.Context(), admin); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create admin: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, adminToMap(admin))
}

// ---------------------------------------------------------------------------
// Serialization helpers (never expose key hashes or password hashes)
// ---------------------------------------------------------------------------

func credentialToMap(cred *model.Credential) map[string]interface{} {
	m := map[string]interface{}{
		"id":            cred.ID,
		"key_prefix":    cred.KeyPrefix,
		"plan":          cred.Plan,
		"limit_per_min": cred.EffectiveLimit(),
		"is_active":     cred.IsActive,
		"created_at":    cred.CreatedAt,
	}
	if cred.RateLimitOverride != nil {
		m["rate_limit_override"] = *cred.RateLimitOverride
	}
	if cred.RevokedAt != nil {
		m["revoked_at"] = cred.RevokedAt
	}
	if cred.RotatedFrom != nil {
		m["rotated_from"] = *cred.RotatedFrom
	}
	if cred.LastUsed != nil {
		m["last_used"] = cred.LastUsed
	}
	return m
}

func adminToMap(admin *model.Admin) map[string]interface{} {
	m := map[string]interface{}{
		"id":         admin.ID,
		"email":      admin.Email,
		"name":       admin.Name,
		"is_active":  admin.IsActive,
		"created_at": admin.CreatedAt,
		"updated_at": admin.UpdatedAt,
	}
	if admin.LastLoginAt != nil {
		m["last_login_at"] = admin.LastLoginAt
	}
	return m
}
