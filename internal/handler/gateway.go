package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/proxy"
	"github.com/keygatehq/keygate/internal/quota"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/usage"
	"github.com/keygatehq/keygate/internal/workspace"
)

// GatewayHandler serves the credentialed gateway surface: quota inspection,
// identity, the plan catalog, and the streaming data proxy.
type GatewayHandler struct {
	engine    *quota.Engine
	forwarder *proxy.Forwarder
	resolver  *workspace.Resolver
	recorder  *usage.Recorder
	counters  *Counters
	catalog   []model.PlanCatalogEntry
}

// NewGatewayHandler creates a GatewayHandler. recorder may be nil to disable
// usage accounting; counters may be nil to disable live metrics.
func NewGatewayHandler(engine *quota.Engine, forwarder *proxy.Forwarder, resolver *workspace.Resolver, recorder *usage.Recorder, counters *Counters, catalog []model.PlanCatalogEntry) *GatewayHandler {
	return &GatewayHandler{
		engine:    engine,
		forwarder: forwarder,
		resolver:  resolver,
		recorder:  recorder,
		counters:  counters,
		catalog:   catalog,
	}
}

// Quota reports the caller's current window without consuming from it.
// GET /api/v1/quota
func (h *GatewayHandler) Quota(w http.ResponseWriter, r *http.Request) {
	cred := middleware.GetCredential(r.Context())
	if cred == nil {
		writeError(w, http.StatusUnauthorized, "Credential required")
		return
	}

	snap, err := h.engine.Peek(r.Context(), cred.ID, time.Now())
	if err != nil {
		writeQuotaError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, model.QuotaResponse{
		Plan:        snap.Plan.String(),
		Used:        snap.Used,
		LimitPerMin: snap.Limit,
		ResetInSec:  ceilSeconds(time.Until(snap.ResetAt)),
	})
}

// Whoami reports the caller's plan, limit, and derived workspace. Never
// consumes quota.
// GET /api/v1/whoami
func (h *GatewayHandler) Whoami(w http.ResponseWriter, r *http.Request) {
	cred := middleware.GetCredential(r.Context())
	if cred == nil {
		writeError(w, http.StatusUnauthorized, "Credential required")
		return
	}

	writeJSON(w, http.StatusOK, model.IdentityResponse{
		Plan:        cred.Plan,
		LimitPerMin: cred.EffectiveLimit(),
		Workspace:   h.resolver.Resolve(cred.KeyHash),
	})
}

// Plans serves the static plan catalog. No credential required.
// GET /api/v1/plans
func (h *GatewayHandler) Plans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": h.catalog})
}

// Proxy authorizes the request against the caller's quota and forwards it
// upstream, streaming the response back.
// ANY /api/v1/data/*
func (h *GatewayHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	cred := middleware.GetCredential(r.Context())
	if cred == nil {
		writeError(w, http.StatusUnauthorized, "Credential required")
		return
	}

	if h.counters != nil {
		h.counters.Observe(cred.PlanValue())
	}

	decision, err := h.engine.TryConsume(r.Context(), cred.ID, time.Now())
	if err != nil {
		writeQuotaError(w, err)
		return
	}
	if !decision.Allowed {
		retryAfter := ceilSeconds(decision.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests,
			"Rate limit exceeded for plan '"+decision.Plan.String()+"'",
			map[string]interface{}{"retry_after_sec": retryAfter, "limit_per_min": decision.Limit})
		return
	}

	upstreamPath := chi.URLParam(r, "*")
	if h.recorder != nil {
		h.recorder.Record(cred.KeyHash, cred.Plan, "/"+upstreamPath)
	}

	h.forwarder.Forward(w, r, "/"+upstreamPath, cred.KeyPrefix)
}

// writeQuotaError maps quota engine failures: accounting infrastructure
// failures deny authenticated traffic (fail closed for paid plans), and a
// vanished credential surfaces as 401 like any other invalid key.
func writeQuotaError(w http.ResponseWriter, err error) {
	if errors.Is(err, quota.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "Quota accounting unavailable")
		return
	}
	writeError(w, http.StatusUnauthorized, "Invalid API key")
}
