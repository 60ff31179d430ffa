package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newUsageCmd() *cobra.Command {
	var (
		day        string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show aggregated API usage",
		Long:  "Show per-key request totals aggregated by endpoint for one UTC day.",
		Example: `  keygate usage
  keygate usage --day 2026-08-28
  keygate usage --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(day, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&day, "day", "", "UTC day to report (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUsage(day string, jsonOutput bool) error {
	ts := time.Now().UTC()
	if day != "" {
		parsed, err := time.Parse("2006-01-02", day)
		if err != nil {
			return fmt.Errorf("invalid --day %q (want YYYY-MM-DD)", day)
		}
		ts = parsed
	}
	epochDay := ts.Unix() / 86400

	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer store.Close()

	summaries, err := store.SummarizeUsage(context.Background(), epochDay)
	if err != nil {
		return fmt.Errorf("summarize usage: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	if len(summaries) == 0 {
		fmt.Printf("No usage recorded for %s.\n", ts.Format("2006-01-02"))
		return nil
	}

	fmt.Printf("Usage for %s\n\n", ts.Format("2006-01-02"))
	fmt.Printf("%-20s %-12s %-32s %-10s\n", "KEY", "PLAN", "ENDPOINT", "REQUESTS")
	fmt.Printf("%-20s %-12s %-32s %-10s\n", "---", "----", "--------", "--------")
	for _, s := range summaries {
		key := s.KeyHash
		if len(key) > 16 {
			key = key[:16] + "…"
		}
		fmt.Printf("%-20s %-12s %-32s %-10d\n", key, s.Plan, s.Endpoint, s.Total)
	}

	return nil
}
