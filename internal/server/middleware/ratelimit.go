package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// PublicRateLimit returns an HTTP middleware that caps unauthenticated
// endpoints (plan catalog, health) per client IP. Credentialed traffic is
// governed by the quota engine instead; this only shields the open surface
// from abuse.
func PublicRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}
