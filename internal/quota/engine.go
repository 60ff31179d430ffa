// Package quota enforces per-credential request-rate ceilings using fixed,
// wall-clock-aligned windows.
//
// Counters live in mutex-striped in-memory shards owned exclusively by the
// engine; the compare-and-increment for one credential happens entirely
// under its shard lock, so concurrent consumers can never both slip past the
// limit. Windows are not sliding: a burst straddling a window boundary can
// admit up to twice the nominal limit across the two windows. That is a
// documented approximation, not a bug.
package quota

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/model"
)

// ErrUnavailable signals an infrastructure failure in quota accounting
// (the plan lookup store is unreachable). The caller decides whether to
// fail open or closed.
var ErrUnavailable = errors.New("quota accounting unavailable")

// shardCount partitions counters by credential id so unrelated credentials
// never contend on one lock.
const shardCount = 32

// PlanLookup resolves a credential's plan and effective limit. Satisfied by
// the KeyStore service.
type PlanLookup interface {
	GetPlan(ctx context.Context, credID int64) (model.PlanInfo, error)
}

// Decision is the outcome of a TryConsume call.
type Decision struct {
	Allowed    bool
	Plan       model.Plan
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Snapshot is a non-consuming view of a credential's current window.
type Snapshot struct {
	Plan    model.Plan
	Used    int
	Limit   int
	ResetAt time.Time
}

type windowKey struct {
	credID int64
	start  int64 // Unix seconds, truncated to the window
}

type shard struct {
	mu       sync.Mutex
	counters map[windowKey]int
}

// Engine is the quota engine. Create with New, then Start to run window
// garbage collection in the background.
type Engine struct {
	lookup PlanLookup
	window time.Duration
	logger *slog.Logger
	shards [shardCount]*shard

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine with the given window size (zero means one minute).
func New(lookup PlanLookup, window time.Duration, logger *slog.Logger) *Engine {
	if window <= 0 {
		window = time.Minute
	}
	e := &Engine{
		lookup: lookup,
		window: window,
		logger: logger,
	}
	for i := range e.shards {
		e.shards[i] = &shard{counters: make(map[windowKey]int)}
	}
	return e
}

// Window returns the engine's fixed window size.
func (e *Engine) Window() time.Duration {
	return e.window
}

// TryConsume admits or denies one request for the credential at the given
// instant. The L-th request in a window is allowed with remaining 0; the
// (L+1)-th is denied with the seconds until the window resets.
func (e *Engine) TryConsume(ctx context.Context, credID int64, now time.Time) (Decision, error) {
	info, err := e.planFor(ctx, credID)
	if err != nil {
		return Decision{}, err
	}

	key := e.keyFor(credID, now)
	sh := e.shardFor(credID)

	sh.mu.Lock()
	count := sh.counters[key]
	if count >= info.Limit {
		sh.mu.Unlock()
		return Decision{
			Allowed:    false,
			Plan:       info.Plan,
			Limit:      info.Limit,
			RetryAfter: e.resetIn(now),
		}, nil
	}
	sh.counters[key] = count + 1
	sh.mu.Unlock()

	return Decision{
		Allowed:   true,
		Plan:      info.Plan,
		Limit:     info.Limit,
		Remaining: info.Limit - count - 1,
	}, nil
}

// Peek reads the current window without consuming quota. A Peek never
// changes the value a subsequent TryConsume computes.
func (e *Engine) Peek(ctx context.Context, credID int64, now time.Time) (Snapshot, error) {
	info, err := e.planFor(ctx, credID)
	if err != nil {
		return Snapshot{}, err
	}

	key := e.keyFor(credID, now)
	sh := e.shardFor(credID)

	sh.mu.Lock()
	count := sh.counters[key]
	sh.mu.Unlock()

	return Snapshot{
		Plan:    info.Plan,
		Used:    count,
		Limit:   info.Limit,
		ResetAt: now.Add(e.resetIn(now)),
	}, nil
}

// Reset clears all counters for a credential (admin operation).
func (e *Engine) Reset(credID int64) {
	sh := e.shardFor(credID)
	sh.mu.Lock()
	for key := range sh.counters {
		if key.credID == credID {
			delete(sh.counters, key)
		}
	}
	sh.mu.Unlock()
}

// Start launches the background loop that garbage-collects windows strictly
// in the past. Non-blocking.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.window)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.gc(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the garbage collection loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// gc drops counters whose window ended before now.
func (e *Engine) gc(now time.Time) {
	current := now.Truncate(e.window).Unix()
	removed := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key := range sh.counters {
			if key.start < current {
				delete(sh.counters, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 && e.logger != nil {
		e.logger.Debug("quota windows collected", "removed", removed)
	}
}

func (e *Engine) planFor(ctx context.Context, credID int64) (model.PlanInfo, error) {
	info, err := e.lookup.GetPlan(ctx, credID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return model.PlanInfo{}, err
		}
		// The registry is the counting store's source of limits; if it is
		// unreachable the engine cannot account correctly.
		return model.PlanInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return info, nil
}

func (e *Engine) keyFor(credID int64, now time.Time) windowKey {
	return windowKey{credID: credID, start: now.Truncate(e.window).Unix()}
}

// resetIn returns the time remaining until the current window rolls over,
// rounded up to whole seconds. Clients sleep for exactly the advertised
// duration, so rounding down would land them inside the same denied window.
func (e *Engine) resetIn(now time.Time) time.Duration {
	next := now.Truncate(e.window).Add(e.window)
	d := next.Sub(now)
	r := d.Truncate(time.Second)
	if r < d {
		r += time.Second
	}
	if r < time.Second {
		return time.Second
	}
	return r
}

func (e *Engine) shardFor(credID int64) *shard {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(credID >> (8 * i))
	}
	h.Write(buf[:])
	return e.shards[h.Sum32()%shardCount]
}
