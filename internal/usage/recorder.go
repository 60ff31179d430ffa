// Package usage accounts for gateway traffic per credential and endpoint.
//
// Recording is asynchronous: handlers enqueue events on a buffered channel
// and a background goroutine batches them into per-minute counters in the
// store. A full buffer drops events rather than stalling request handling;
// usage accounting is observability, not quota enforcement.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/model"
)

const (
	bufferSize    = 1024
	flushInterval = 5 * time.Second
)

type event struct {
	keyHash  string
	plan     string
	endpoint string
	ts       int64
}

// Recorder accumulates usage events and flushes them to the store.
type Recorder struct {
	store  *config.Store
	logger *slog.Logger
	events chan event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store *config.Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		events: make(chan event, bufferSize),
	}
}

// Record enqueues one usage event. Never blocks: if the buffer is full the
// event is dropped and counted in the log.
func (r *Recorder) Record(keyHash, plan, endpoint string) {
	select {
	case r.events <- event{keyHash: keyHash, plan: plan, endpoint: endpoint, ts: time.Now().Unix()}:
	default:
		r.logger.Warn("usage buffer full, event dropped", "endpoint", endpoint)
	}
}

// Start begins the background flush loop. Non-blocking.
func (r *Recorder) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		pending := make(map[event]int64)
		for {
			select {
			case ev := <-r.events:
				// Coalesce on the minute window so one row is written per
				// (credential, endpoint, minute) regardless of volume.
				ev.ts = (ev.ts / 60) * 60
				pending[ev]++
			case <-ticker.C:
				r.flush(pending)
				pending = make(map[event]int64)
			case <-ctx.Done():
				r.drain(pending)
				r.flush(pending)
				return
			}
		}
	}()
}

// Shutdown stops the loop after flushing whatever is buffered.
func (r *Recorder) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Summarize aggregates one epoch day of usage.
func (r *Recorder) Summarize(ctx context.Context, epochDay int64) ([]model.UsageSummary, error) {
	return r.store.SummarizeUsage(ctx, epochDay)
}

func (r *Recorder) drain(pending map[event]int64) {
	for {
		select {
		case ev := <-r.events:
			ev.ts = (ev.ts / 60) * 60
			pending[ev]++
		default:
			return
		}
	}
}

func (r *Recorder) flush(pending map[event]int64) {
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for ev, count := range pending {
		if err := r.store.RecordUsage(ctx, ev.keyHash, ev.plan, ev.endpoint, ev.ts, count); err != nil {
			r.logger.Warn("usage flush failed", "endpoint", ev.endpoint, "error", err)
		}
	}
}
