package usage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/keygatehq/keygate/internal/config"
)

func newTestRecorder(t *testing.T) (*Recorder, *config.Store) {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRecorder(store, logger), store
}

func TestRecordFlushesOnShutdown(t *testing.T) {
	rec, _ := newTestRecorder(t)
	rec.Start()

	for i := 0; i < 5; i++ {
		rec.Record("hash-a", "pro", "/prices/latest")
	}
	rec.Record("hash-a", "pro", "/ohlcv")
	rec.Record("hash-b", "free", "/prices/latest")

	// Shutdown drains the channel and flushes without waiting for a tick.
	rec.Shutdown()

	today := time.Now().UTC().Unix() / 86400
	rows, err := rec.Summarize(context.Background(), today)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	totals := make(map[string]int64)
	for _, row := range rows {
		totals[row.KeyHash+" "+row.Endpoint] = row.Total
	}
	if totals["hash-a /prices/latest"] != 5 {
		t.Errorf("hash-a /prices/latest: got %d, want 5", totals["hash-a /prices/latest"])
	}
	if totals["hash-a /ohlcv"] != 1 {
		t.Errorf("hash-a /ohlcv: got %d, want 1", totals["hash-a /ohlcv"])
	}
	if totals["hash-b /prices/latest"] != 1 {
		t.Errorf("hash-b /prices/latest: got %d, want 1", totals["hash-b /prices/latest"])
	}
}

func TestSummarizeDescendingOrder(t *testing.T) {
	rec, _ := newTestRecorder(t)
	rec.Start()

	for i := 0; i < 10; i++ {
		rec.Record("hash-busy", "team", "/prices/latest")
	}
	rec.Record("hash-idle", "free", "/ohlcv")
	rec.Shutdown()

	today := time.Now().UTC().Unix() / 86400
	rows, err := rec.Summarize(context.Background(), today)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: got %d, want 2", len(rows))
	}
	if rows[0].KeyHash != "hash-busy" || rows[0].Total != 10 {
		t.Errorf("first row should be the busiest: %+v", rows[0])
	}
}

func TestRecordNeverBlocksWhenStopped(t *testing.T) {
	rec, _ := newTestRecorder(t)
	// No Start: the channel has no consumer. Recording must still return,
	// dropping events once the buffer fills.
	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize*2; i++ {
			rec.Record("hash-x", "free", "/prices/latest")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked with a full buffer")
	}
}
