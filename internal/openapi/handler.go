package openapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// Handler serves the gateway's OpenAPI document. The document is static, so
// it is generated once on first request and cached.
type Handler struct {
	once sync.Once
	doc  *openapi3.T
}

// NewHandler creates a new Handler.
func NewHandler() *Handler {
	return &Handler{}
}

// ServeSpec returns the OpenAPI document as JSON.
// GET /openapi.json
func (h *Handler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		h.doc = Generate("")
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.doc); err != nil {
		// Headers already sent; nothing useful left to do.
		return
	}
}
