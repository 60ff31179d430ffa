package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/proxy"
	"github.com/keygatehq/keygate/internal/quota"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/usage"
	"github.com/keygatehq/keygate/internal/workspace"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testPassword  = "supersecretpassword"
	testAdminName = "Test Admin"
)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server   *Server
	store    *config.Store
	keys     *service.KeyStore
	authSvc  *service.AuthService
	upstream *httptest.Server
}

// newTestEnv creates a fresh test environment: an in-memory credential store,
// a stub upstream data API, and a fully wired Server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	keys := service.NewKeyStore(store)
	authSvc := service.NewAuthService(store, testJWTSecret)
	provisioner := service.NewProvisioner(store)

	resolver, err := workspace.Load(context.Background(), "integration-salt", store)
	if err != nil {
		t.Fatalf("workspace.Load: %v", err)
	}
	entitle := service.NewEntitlements(keys, resolver)
	engine := quota.New(keys, time.Minute, logger)

	forwarder, err := proxy.New(proxy.Config{
		BaseURL:     upstream.URL,
		StripHeader: "X-API-Key",
	}, logger)
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}

	recorder := usage.NewRecorder(store, logger)
	recorder.Start()
	t.Cleanup(recorder.Shutdown)

	cfg := DefaultConfig()
	srv := New(cfg, Deps{
		Store:       store,
		Keys:        keys,
		AuthSvc:     authSvc,
		Provisioner: provisioner,
		Entitle:     entitle,
		Engine:      engine,
		Forwarder:   forwarder,
		Resolver:    resolver,
		Recorder:    recorder,
		Catalog:     config.DefaultYAMLConfig().PlanCatalog(),
	}, logger)

	return &testEnv{
		server:   srv,
		store:    store,
		keys:     keys,
		authSvc:  authSvc,
		upstream: upstream,
	}
}

// seedAdmin creates a default admin account and returns it.
func (e *testEnv) seedAdmin(t *testing.T) *model.Admin {
	t.Helper()
	admin := &model.Admin{
		Email:        "admin@example.com",
		PasswordHash: config.HashKey(testPassword),
		Name:         testAdminName,
		IsActive:     true,
	}
	if err := e.store.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	return admin
}

// adminToken logs in as the default admin and returns the JWT token string.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := e.do(t, "POST", "/api/v1/system/admin/session", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token string `json:"session_token"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("adminToken: got empty token from login")
	}
	return resp.Token
}

// issueKey creates a credential directly through the service layer and
// returns its id and raw key.
func (e *testEnv) issueKey(t *testing.T, plan string, override *int) (int64, string) {
	t.Helper()
	cred, raw, err := e.keys.Create(context.Background(), plan, override, nil)
	if err != nil {
		t.Fatalf("issueKey: %v", err)
	}
	return cred.ID, raw
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes an authenticated HTTP request using the admin JWT.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// doAPIKey executes an HTTP request authenticated with an API key.
func (e *testEnv) doAPIKey(t *testing.T, method, path string, body io.Reader, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"X-API-Key": apiKey,
	})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func assertContentType(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	got := rr.Header().Get("Content-Type")
	if got != want {
		t.Errorf("Content-Type = %q, want %q", got, want)
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Health check tests
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	assertContentType(t, rr, "application/json")

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
	checks, ok := resp["checks"].(map[string]interface{})
	if !ok {
		t.Fatal("expected checks to be a map")
	}
	if checks["store"] != "ok" || checks["upstream"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
}

func TestReadyzUpstreamDown(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.Close()

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)

	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["status"] != "degraded" {
		t.Errorf("status = %q, want degraded", resp["status"])
	}
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var doc map[string]interface{}
	decodeJSON(t, rr, &doc)
	if doc["openapi"] != "3.1.0" {
		t.Errorf("openapi version = %v", doc["openapi"])
	}
}

// ---------------------------------------------------------------------------
// Public catalog
// ---------------------------------------------------------------------------

func TestPlansIsPublic(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/v1/plans", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Plans []model.PlanCatalogEntry `json:"plans"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Plans) != 4 {
		t.Fatalf("plan count = %d, want 4", len(resp.Plans))
	}
	byName := make(map[string]int)
	for _, p := range resp.Plans {
		byName[p.Name] = p.LimitPerMin
	}
	if byName["free"] != 60 || byName["enterprise"] != 10000 {
		t.Errorf("catalog limits = %v", byName)
	}
}

// ---------------------------------------------------------------------------
// Gateway authentication
// ---------------------------------------------------------------------------

func TestGatewayRejectsMissingKey(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/v1/quota", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestGatewayRejectsUnknownKey(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doAPIKey(t, "GET", "/api/v1/data/prices/latest", nil, "kg_not_a_real_key")
	assertStatus(t, rr, http.StatusUnauthorized)
}

// ---------------------------------------------------------------------------
// Quota and identity inspection
// ---------------------------------------------------------------------------

func TestQuotaAndWhoamiNeverConsume(t *testing.T) {
	env := newTestEnv(t)
	_, raw := env.issueKey(t, "pro", nil)

	for i := 0; i < 3; i++ {
		rr := env.doAPIKey(t, "GET", "/api/v1/quota", nil, raw)
		assertStatus(t, rr, http.StatusOK)

		var q model.QuotaResponse
		decodeJSON(t, rr, &q)
		if q.Used != 0 {
			t.Fatalf("inspection consumed quota: used = %d", q.Used)
		}
		if q.Plan != "pro" || q.LimitPerMin != 600 {
			t.Errorf("quota = %+v", q)
		}
		if q.ResetInSec < 1 || q.ResetInSec > 60 {
			t.Errorf("resets_in_sec = %d, want within (0, 60]", q.ResetInSec)
		}
	}

	rr := env.doAPIKey(t, "GET", "/api/v1/whoami", nil, raw)
	assertStatus(t, rr, http.StatusOK)

	var id model.IdentityResponse
	decodeJSON(t, rr, &id)
	if id.Plan != "pro" || id.LimitPerMin != 600 {
		t.Errorf("identity = %+v", id)
	}
	if len(id.Workspace) != 16 {
		t.Errorf("workspace = %q, want 16 hex chars", id.Workspace)
	}
}

// ---------------------------------------------------------------------------
// Proxy and rate limiting
// ---------------------------------------------------------------------------

func TestProxyForwardsWithinLimit(t *testing.T) {
	env := newTestEnv(t)
	_, raw := env.issueKey(t, "pro", nil)

	rr := env.doAPIKey(t, "GET", "/api/v1/data/prices/latest", nil, raw)
	assertStatus(t, rr, http.StatusOK)

	var body map[string]string
	decodeJSON(t, rr, &body)
	if body["path"] != "/prices/latest" {
		t.Errorf("upstream saw path %q, want /prices/latest", body["path"])
	}
}

func TestMetricsCountLiveTraffic(t *testing.T) {
	env := newTestEnv(t)
	_, proKey := env.issueKey(t, "pro", nil)
	_, freeKey := env.issueKey(t, "free", nil)

	for i := 0; i < 2; i++ {
		rr := env.doAPIKey(t, "GET", "/api/v1/data/prices/latest", nil, proKey)
		assertStatus(t, rr, http.StatusOK)
	}
	rr := env.doAPIKey(t, "GET", "/api/v1/data/prices/latest", nil, freeKey)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	assertContentType(t, rr, "application/json")

	var m struct {
		Total   uint64            `json:"requests_total"`
		PerPlan map[string]uint64 `json:"requests_per_plan"`
		Uptime  int               `json:"uptime_sec"`
	}
	decodeJSON(t, rr, &m)
	if m.Total != 3 {
		t.Errorf("requests_total = %d, want 3", m.Total)
	}
	if m.PerPlan["pro"] != 2 || m.PerPlan["free"] != 1 {
		t.Errorf("requests_per_plan = %v, want pro=2 free=1", m.PerPlan)
	}
}

func TestProxyEnforcesLimit(t *testing.T) {
	env := newTestEnv(t)
	limit := 3
	_, raw := env.issueKey(t, "pro", &limit)

	for i := 1; i <= limit; i++ {
		rr := env.doAPIKey(t, "GET", "/api/v1/data/prices/latest", nil, raw)
		assertStatus(t, rr, http.StatusOK)
	}

	rr := env.doAPIKey(t, "GET", "/api/v1/data/prices/latest", nil, raw)
	assertStatus(t, rr, http.StatusTooManyRequests)

	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}

	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != http.StatusTooManyRequests {
		t.Errorf("error code = %d", resp.Error.Code)
	}
	if resp.Error.Context["limit_per_min"] != float64(limit) {
		t.Errorf("limit_per_min = %v, want %d", resp.Error.Context["limit_per_min"], limit)
	}

	// Quota inspection still works after exhaustion and shows the usage.
	qr := env.doAPIKey(t, "GET", "/api/v1/quota", nil, raw)
	assertStatus(t, qr, http.StatusOK)
	var q model.QuotaResponse
	decodeJSON(t, qr, &q)
	if q.Used != limit {
		t.Errorf("used = %d, want %d", q.Used, limit)
	}
}

func TestProxyCredentialsIsolated(t *testing.T) {
	env := newTestEnv(t)
	limit := 1
	_, rawA := env.issueKey(t, "free", &limit)
	_, rawB := env.issueKey(t, "free", &limit)

	assertStatus(t, env.doAPIKey(t, "GET", "/api/v1/data/x", nil, rawA), http.StatusOK)
	assertStatus(t, env.doAPIKey(t, "GET", "/api/v1/data/x", nil, rawA), http.StatusTooManyRequests)

	// A different credential is unaffected by A's exhaustion.
	assertStatus(t, env.doAPIKey(t, "GET", "/api/v1/data/x", nil, rawB), http.StatusOK)
}

// ---------------------------------------------------------------------------
// Admin session
// ---------------------------------------------------------------------------

func TestLoginLogout(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	token := env.adminToken(t)
	if token == "" {
		t.Fatal("empty token")
	}

	rr := env.do(t, "DELETE", "/api/v1/system/admin/session", nil, nil)
	assertStatus(t, rr, http.StatusOK)
}

func TestLoginBadPassword(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": "wrong",
	})
	rr := env.do(t, "POST", "/api/v1/system/admin/session", body, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestSystemRequiresAdminAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, route := range []struct{ method, path string }{
		{"GET", "/api/v1/system/key"},
		{"POST", "/api/v1/system/key"},
		{"POST", "/api/v1/system/provision"},
		{"GET", "/api/v1/system/usage"},
		{"GET", "/api/v1/system/admin"},
	} {
		rr := env.do(t, route.method, route.path, nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", route.method, route.path, rr.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Credential management over HTTP
// ---------------------------------------------------------------------------

func TestKeyLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	// Create
	rr := env.doAuth(t, "POST", "/api/v1/system/key", jsonBody(t, map[string]interface{}{
		"plan": "team",
	}), token)
	assertStatus(t, rr, http.StatusCreated)

	var created struct {
		ID  int64  `json:"id"`
		Key string `json:"api_key"`
	}
	decodeJSON(t, rr, &created)
	if created.Key == "" {
		t.Fatal("expected plaintext key in create response")
	}

	// The new key authenticates immediately.
	assertStatus(t, env.doAPIKey(t, "GET", "/api/v1/quota", nil, created.Key), http.StatusOK)

	// Get never returns key material.
	rr = env.doAuth(t, "GET", fmt.Sprintf("/api/v1/system/key/%d", created.ID), nil, token)
	assertStatus(t, rr, http.StatusOK)
	var detail map[string]interface{}
	decodeJSON(t, rr, &detail)
	if _, leaked := detail["key_hash"]; leaked {
		t.Error("key_hash leaked in detail response")
	}
	if _, leaked := detail["api_key"]; leaked {
		t.Error("api_key leaked in detail response")
	}

	// Rotate: old key dies, the replacement works.
	rr = env.doAuth(t, "POST", fmt.Sprintf("/api/v1/system/key/%d/rotate", created.ID), nil, token)
	assertStatus(t, rr, http.StatusCreated)
	var rotated struct {
		ID  int64  `json:"id"`
		Key string `json:"api_key"`
	}
	decodeJSON(t, rr, &rotated)
	if rotated.Key == "" || rotated.Key == created.Key {
		t.Fatal("rotation must mint a fresh key")
	}
	assertStatus(t, env.doAPIKey(t, "GET", "/api/v1/quota", nil, created.Key), http.StatusUnauthorized)
	assertStatus(t, env.doAPIKey(t, "GET", "/api/v1/quota", nil, rotated.Key), http.StatusOK)

	// Revoke the replacement.
	rr = env.doAuth(t, "DELETE", fmt.Sprintf("/api/v1/system/key/%d", rotated.ID), nil, token)
	assertStatus(t, rr, http.StatusOK)
	assertStatus(t, env.doAPIKey(t, "GET", "/api/v1/quota", nil, rotated.Key), http.StatusUnauthorized)
}

func TestCreateKeyInvalidPlan(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	rr := env.doAuth(t, "POST", "/api/v1/system/key", jsonBody(t, map[string]string{
		"plan": "diamond",
	}), token)
	assertStatus(t, rr, http.StatusBadRequest)
}

// ---------------------------------------------------------------------------
// Provisioning and entitlements over HTTP
// ---------------------------------------------------------------------------

func TestProvisionIdempotentOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	body := map[string]string{"event_id": "evt_http_1", "plan": "pro"}

	rr := env.doAuth(t, "POST", "/api/v1/system/provision", jsonBody(t, body), token)
	assertStatus(t, rr, http.StatusCreated)
	var first struct {
		ID      int64  `json:"id"`
		Key     string `json:"api_key"`
		Created bool   `json:"created"`
	}
	decodeJSON(t, rr, &first)
	if !first.Created || first.Key == "" {
		t.Fatalf("first provision = %+v", first)
	}

	rr = env.doAuth(t, "POST", "/api/v1/system/provision", jsonBody(t, body), token)
	assertStatus(t, rr, http.StatusOK)
	var replay struct {
		ID      int64  `json:"id"`
		Key     string `json:"api_key"`
		Created bool   `json:"created"`
	}
	decodeJSON(t, rr, &replay)
	if replay.Created || replay.Key != "" || replay.ID != first.ID {
		t.Errorf("replay = %+v, want same id without key material", replay)
	}

	// Entitlement read for the provisioned credential.
	rr = env.doAuth(t, "GET", fmt.Sprintf("/api/v1/system/entitlement/%d", first.ID), nil, token)
	assertStatus(t, rr, http.StatusOK)
	var ent model.EntitlementResponse
	decodeJSON(t, rr, &ent)
	if ent.Plan != "pro" || ent.LimitPerMin != 600 || len(ent.WorkspaceID) != 16 {
		t.Errorf("entitlement = %+v", ent)
	}
}

func TestEntitlementUnknownCredential(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	rr := env.doAuth(t, "GET", "/api/v1/system/entitlement/999999", nil, token)
	assertStatus(t, rr, http.StatusNotFound)
}
