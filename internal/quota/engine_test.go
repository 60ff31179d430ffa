package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
)

type fakeLookup struct {
	limits map[int64]int
	err    error
	calls  atomic.Int64
}

func (f *fakeLookup) GetPlan(ctx context.Context, credID int64) (model.PlanInfo, error) {
	f.calls.Add(1)
	if f.err != nil {
		return model.PlanInfo{}, f.err
	}
	limit, ok := f.limits[credID]
	if !ok {
		return model.PlanInfo{}, config.ErrNotFound
	}
	return model.PlanInfo{Plan: model.PlanPro, Limit: limit}, nil
}

func TestTryConsumeExhaustsWindow(t *testing.T) {
	lookup := &fakeLookup{limits: map[int64]int{1: 3}}
	engine := New(lookup, time.Minute, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 5, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		dec, err := engine.TryConsume(ctx, 1, now)
		if err != nil {
			t.Fatalf("TryConsume %d: %v", i, err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if dec.Remaining != 3-i {
			t.Errorf("request %d remaining: got %d, want %d", i, dec.Remaining, 3-i)
		}
	}

	dec, err := engine.TryConsume(ctx, 1, now)
	if err != nil {
		t.Fatalf("TryConsume over limit: %v", err)
	}
	if dec.Allowed {
		t.Fatal("request over the limit should be denied")
	}
	if dec.RetryAfter != 55*time.Second {
		t.Errorf("RetryAfter: got %v, want 55s", dec.RetryAfter)
	}
	if dec.Limit != 3 {
		t.Errorf("denied decision limit: got %d, want 3", dec.Limit)
	}
}

func TestRetryAfterCoversFullRemainder(t *testing.T) {
	lookup := &fakeLookup{limits: map[int64]int{1: 1}}
	engine := New(lookup, time.Minute, nil)
	ctx := context.Background()

	// Deny mid-second: 29.4s remain until the window rolls over, so the
	// advertised wait must round up to 30s, not down to 29s.
	now := time.Date(2026, 8, 1, 12, 0, 30, 600_000_000, time.UTC)
	if dec, err := engine.TryConsume(ctx, 1, now); err != nil || !dec.Allowed {
		t.Fatalf("first request: allowed=%v err=%v", dec.Allowed, err)
	}

	dec, err := engine.TryConsume(ctx, 1, now)
	if err != nil {
		t.Fatalf("TryConsume over limit: %v", err)
	}
	if dec.Allowed {
		t.Fatal("request over the limit should be denied")
	}
	if dec.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter: got %v, want 30s", dec.RetryAfter)
	}

	// A client that sleeps exactly RetryAfter must land in the next window.
	retry := now.Add(dec.RetryAfter)
	dec, err = engine.TryConsume(ctx, 1, retry)
	if err != nil {
		t.Fatalf("TryConsume after waiting: %v", err)
	}
	if !dec.Allowed {
		t.Errorf("request at now+RetryAfter (%v) should be allowed", retry)
	}
}

func TestWindowRollover(t *testing.T) {
	lookup := &fakeLookup{limits: map[int64]int{1: 1}}
	engine := New(lookup, time.Minute, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 59, 0, time.UTC)

	if dec, _ := engine.TryConsume(ctx, 1, now); !dec.Allowed {
		t.Fatal("first request should be allowed")
	}
	if dec, _ := engine.TryConsume(ctx, 1, now); dec.Allowed {
		t.Fatal("second request in the same window should be denied")
	}

	// One second later the wall clock crosses into a fresh window.
	if dec, _ := engine.TryConsume(ctx, 1, now.Add(time.Second)); !dec.Allowed {
		t.Fatal("request in the next window should be allowed")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	lookup := &fakeLookup{limits: map[int64]int{1: 2}}
	engine := New(lookup, time.Minute, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if _, err := engine.TryConsume(ctx, 1, now); err != nil {
		t.Fatalf("TryConsume: %v", err)
	}

	for i := 0; i < 5; i++ {
		snap, err := engine.Peek(ctx, 1, now)
		if err != nil {
			t.Fatalf("Peek: %v", err)
		}
		if snap.Used != 1 {
			t.Fatalf("Peek %d used: got %d, want 1", i, snap.Used)
		}
	}

	dec, err := engine.TryConsume(ctx, 1, now)
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if !dec.Allowed || dec.Remaining != 0 {
		t.Errorf("after peeks: allowed=%v remaining=%d, want allowed with remaining 0", dec.Allowed, dec.Remaining)
	}
}

func TestPeekResetAt(t *testing.T) {
	lookup := &fakeLookup{limits: map[int64]int{1: 10}}
	engine := New(lookup, time.Minute, nil)
	now := time.Date(2026, 8, 1, 12, 0, 20, 0, time.UTC)

	snap, err := engine.Peek(context.Background(), 1, now)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	want := time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC)
	if !snap.ResetAt.Equal(want) {
		t.Errorf("ResetAt: got %v, want %v", snap.ResetAt, want)
	}
}

func TestCredentialsCountedIndependently(t *testing.T) {
	lookup := &fakeLookup{limits: map[int64]int{1: 1, 2: 1}}
	engine := New(lookup, time.Minute, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if dec, _ := engine.TryConsume(ctx, 1, now); !dec.Allowed {
		t.Fatal("credential 1 first request should be allowed")
	}
	if dec, _ := engine.TryConsume(ctx, 1, now); dec.Allowed {
		t.Fatal("credential 1 second request should be denied")
	}
	if dec, _ := engine.TryConsume(ctx, 2, now); !dec.Allowed {
		t.Fatal("credential 2 must not share credential 1's counter")
	}
}

func TestReset(t *testing.T) {
	lookup := &fakeLookup{limits: map[int64]int{1: 1}}
	engine := New(lookup, time.Minute, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	engine.TryConsume(ctx, 1, now)
	if dec, _ := engine.TryConsume(ctx, 1, now); dec.Allowed {
		t.Fatal("should be exhausted before reset")
	}

	engine.Reset(1)

	if dec, _ := engine.TryConsume(ctx, 1, now); !dec.Allowed {
		t.Fatal("should be allowed after reset")
	}
}

func TestConcurrentConsumeNeverOvershoots(t *testing.T) {
	const limit = 100
	const workers = 8
	const perWorker = 50

	lookup := &fakeLookup{limits: map[int64]int{1: limit}}
	engine := New(lookup, time.Minute, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				dec, err := engine.TryConsume(ctx, 1, now)
				if err != nil {
					t.Errorf("TryConsume: %v", err)
					return
				}
				if dec.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("allowed under contention: got %d, want exactly %d", got, limit)
	}
}

func TestLookupFailureIsUnavailable(t *testing.T) {
	lookup := &fakeLookup{err: fmt.Errorf("connection refused")}
	engine := New(lookup, time.Minute, nil)
	ctx := context.Background()
	now := time.Now()

	if _, err := engine.TryConsume(ctx, 1, now); !errors.Is(err, ErrUnavailable) {
		t.Errorf("TryConsume: got %v, want ErrUnavailable", err)
	}
	if _, err := engine.Peek(ctx, 1, now); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Peek: got %v, want ErrUnavailable", err)
	}
}

func TestUnknownCredentialIsNotFound(t *testing.T) {
	lookup := &fakeLookup{limits: map[int64]int{}}
	engine := New(lookup, time.Minute, nil)

	_, err := engine.TryConsume(context.Background(), 99, time.Now())
	if !errors.Is(err, config.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("a missing credential is not an infrastructure failure")
	}
}

func TestProCredentialEndToEnd(t *testing.T) {
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	keys := service.NewKeyStore(store)

	override := 5
	cred, _, err := keys.Create(context.Background(), "pro", &override, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	engine := New(keys, time.Minute, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 10, 0, time.UTC)

	for want := 4; want >= 0; want-- {
		dec, err := engine.TryConsume(ctx, cred.ID, now)
		if err != nil {
			t.Fatalf("TryConsume: %v", err)
		}
		if !dec.Allowed || dec.Remaining != want {
			t.Fatalf("decision = %+v, want allowed with remaining %d", dec, want)
		}
	}

	dec, err := engine.TryConsume(ctx, cred.ID, now)
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if dec.Allowed {
		t.Fatal("sixth request in the window must be denied")
	}
	if dec.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", dec.RetryAfter)
	}
}

func TestGCDropsExpiredWindows(t *testing.T) {
	lookup := &fakeLookup{limits: map[int64]int{1: 5}}
	engine := New(lookup, time.Minute, nil)
	ctx := context.Background()

	past := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engine.TryConsume(ctx, 1, past)

	engine.gc(past.Add(2 * time.Minute))

	total := 0
	for _, sh := range engine.shards {
		sh.mu.Lock()
		total += len(sh.counters)
		sh.mu.Unlock()
	}
	if total != 0 {
		t.Errorf("counters after gc: got %d, want 0", total)
	}
}
