package handler

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keygatehq/keygate/internal/model"
)

// Counters tracks in-process gateway traffic since startup. The usage
// recorder keeps the durable per-minute accounting; these are the cheap live
// numbers a dashboard polls without touching the database.
type Counters struct {
	started time.Time
	total   atomic.Uint64
	mu      sync.Mutex
	perPlan map[string]uint64
}

// NewCounters creates a zeroed Counters anchored at the current time.
func NewCounters() *Counters {
	return &Counters{started: time.Now(), perPlan: make(map[string]uint64)}
}

// Observe records one authenticated gateway request for the given plan.
func (c *Counters) Observe(plan model.Plan) {
	c.total.Add(1)
	c.mu.Lock()
	c.perPlan[plan.String()]++
	c.mu.Unlock()
}

// Metrics serves the live counters.
// GET /metrics
func (c *Counters) Metrics(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	perPlan := make(map[string]uint64, len(c.perPlan))
	for plan, n := range c.perPlan {
		perPlan[plan] = n
	}
	c.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests_total":    c.total.Load(),
		"requests_per_plan": perPlan,
		"uptime_sec":        int(time.Since(c.started).Seconds()),
	})
}
