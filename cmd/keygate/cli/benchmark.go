package cli

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

func newBenchmarkCmd() *cobra.Command {
	var (
		url         string
		apiKey      string
		path        string
		duration    time.Duration
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Benchmark gateway throughput",
		Long: `Run a load test against a running Keygate server to measure request throughput,
latency, and rate-limit behavior. Executes concurrent GET requests against the
given endpoint for the given duration and reports how many were allowed,
rejected with 429, or failed.`,
		Example: `  keygate benchmark --url http://localhost:8010 --api-key kg_... --duration 30s --concurrency 50
  keygate benchmark --url http://localhost:8010 --api-key kg_... --path /api/v1/data/prices`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(url, apiKey, path, duration, concurrency)
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8010", "Base URL of the Keygate server")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key to authenticate with (required)")
	cmd.Flags().StringVar(&path, "path", "/api/v1/quota", "Endpoint path to request")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "Number of concurrent workers")
	cmd.MarkFlagRequired("api-key")

	return cmd
}

// printBenchBanner prints the banner and benchmark configuration.
func printBenchBanner(url, path string, duration time.Duration, concurrency int) {
	fmt.Print(banner)
	fmt.Println("Keygate Benchmark Suite")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Target: %s%s\n", url, path)
	fmt.Printf("Duration: %s | Concurrency: %d\n", duration, concurrency)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// memStats captures a snapshot of memory statistics for reporting.
type memStats struct {
	HeapAlloc uint64
	Sys       uint64
}

func captureMemStats() memStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memStats{HeapAlloc: m.HeapAlloc, Sys: m.Sys}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func runBenchmark(url, apiKey, path string, duration time.Duration, concurrency int) error {
	printBenchBanner(url, path, duration, concurrency)

	memBefore := captureMemStats()

	client := &http.Client{Timeout: 10 * time.Second}

	// Probe once before starting so misconfiguration fails fast.
	fmt.Print("Probing... ")
	probe, err := http.NewRequest(http.MethodGet, url+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	probe.Header.Set("X-API-Key", apiKey)
	resp, err := client.Do(probe)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("probe rejected with 401: check --api-key")
	}
	fmt.Printf("ok (%d)\n", resp.StatusCode)
	fmt.Println()
	fmt.Println("Running benchmark...")
	fmt.Println()

	var (
		totalOK      atomic.Int64
		totalLimited atomic.Int64
		totalErrors  atomic.Int64
		latencies    = make([]time.Duration, 0, 100000)
		latencyMu    sync.Mutex
	)

	deadline := time.Now().Add(duration)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				req, err := http.NewRequest(http.MethodGet, url+path, nil)
				if err != nil {
					totalErrors.Add(1)
					continue
				}
				req.Header.Set("X-API-Key", apiKey)

				start := time.Now()
				resp, err := client.Do(req)
				elapsed := time.Since(start)

				if err != nil {
					totalErrors.Add(1)
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				switch {
				case resp.StatusCode == http.StatusTooManyRequests:
					totalLimited.Add(1)
				case resp.StatusCode >= 500:
					totalErrors.Add(1)
				default:
					totalOK.Add(1)
				}

				latencyMu.Lock()
				latencies = append(latencies, elapsed)
				latencyMu.Unlock()
			}
		}()
	}

	wg.Wait()

	memAfter := captureMemStats()

	// Calculate results
	ok := totalOK.Load()
	limited := totalLimited.Load()
	errors := totalErrors.Load()
	total := ok + limited + errors
	rps := float64(total) / duration.Seconds()

	fmt.Println("Results")
	fmt.Println("-------")
	fmt.Printf("  Total requests: %d\n", total)
	fmt.Printf("  Allowed:        %d\n", ok)
	fmt.Printf("  Rate limited:   %d\n", limited)
	fmt.Printf("  Errors:         %d\n", errors)
	fmt.Printf("  RPS:            %.1f\n", rps)

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})
		fmt.Printf("  Latency p50:    %s\n", latencies[len(latencies)*50/100])
		fmt.Printf("  Latency p95:    %s\n", latencies[len(latencies)*95/100])
		fmt.Printf("  Latency p99:    %s\n", latencies[len(latencies)*99/100])
		fmt.Printf("  Latency max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("Memory")
	fmt.Println("------")
	fmt.Printf("  Heap before:    %s\n", formatBytes(memBefore.HeapAlloc))
	fmt.Printf("  Heap after:     %s\n", formatBytes(memAfter.HeapAlloc))
	fmt.Printf("  RSS (sys) before: %s\n", formatBytes(memBefore.Sys))
	fmt.Printf("  RSS (sys) after:  %s\n", formatBytes(memAfter.Sys))

	return nil
}
