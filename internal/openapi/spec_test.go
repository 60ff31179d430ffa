package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateDocumentShape(t *testing.T) {
	doc := Generate("http://localhost:8010")

	if doc.OpenAPI != "3.1.0" {
		t.Errorf("OpenAPI version = %q", doc.OpenAPI)
	}
	if doc.Info == nil || doc.Info.Title == "" {
		t.Fatal("expected a titled Info block")
	}
	if len(doc.Servers) == 0 || doc.Servers[0].URL != "http://localhost:8010" {
		t.Error("expected the base URL as server entry")
	}
}

func TestGenerateCoversGatewayPaths(t *testing.T) {
	doc := Generate("")

	for _, path := range []string{
		"/healthz",
		"/readyz",
		"/metrics",
		"/api/v1/plans",
		"/api/v1/quota",
		"/api/v1/whoami",
		"/api/v1/data/{path}",
		"/api/v1/system/admin/session",
		"/api/v1/system/key",
		"/api/v1/system/key/{keyId}",
		"/api/v1/system/key/{keyId}/rotate",
		"/api/v1/system/provision",
		"/api/v1/system/entitlement/{keyId}",
		"/api/v1/system/usage",
	} {
		if doc.Paths.Find(path) == nil {
			t.Errorf("path %q missing from document", path)
		}
	}
}

func TestGenerateProxyResponses(t *testing.T) {
	doc := Generate("")

	item := doc.Paths.Find("/api/v1/data/{path}")
	if item == nil || item.Get == nil {
		t.Fatal("expected GET on the data proxy path")
	}
	for _, status := range []string{"200", "401", "429", "502", "503", "504"} {
		if item.Get.Responses.Value(status) == nil {
			t.Errorf("proxy GET missing %s response", status)
		}
	}
}

func TestGenerateSecuritySchemes(t *testing.T) {
	doc := Generate("")

	for _, name := range []string{"apiKey", "bearerAuth"} {
		if _, ok := doc.Components.SecuritySchemes[name]; !ok {
			t.Errorf("security scheme %q missing", name)
		}
	}
	if _, ok := doc.Components.Schemas["ErrorResponse"]; !ok {
		t.Error("ErrorResponse schema missing")
	}
}

func TestServeSpec(t *testing.T) {
	h := NewHandler()

	rr := httptest.NewRecorder()
	h.ServeSpec(rr, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if out["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v", out["openapi"])
	}

	// Serving twice reuses the cached document.
	rr2 := httptest.NewRecorder()
	h.ServeSpec(rr2, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	if rr2.Code != http.StatusOK {
		t.Errorf("second serve status = %d", rr2.Code)
	}
}
