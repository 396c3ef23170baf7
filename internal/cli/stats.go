package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/evidraft/internal/metrics"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/service"
)

var (
	statsJSON        bool
	archiveOlderThan time.Duration
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and runtime statistics",
	Long: `Show queue depth per status, failure rates, the generation circuit
breaker and in-memory operation timings of the server.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive finished jobs",
	Long: `Move completed, failed and cancelled jobs that finished more than
--older-than ago to archived.

Examples:
  evidraft archive --older-than 720h`,
	Args: cobra.NoArgs,
	RunE: runArchive,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print the raw stats JSON")
	archiveCmd.Flags().DurationVar(&archiveOlderThan, "older-than", 30*24*time.Hour, "minimum age since the job finished")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(archiveCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := apiClient.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	if statsJSON {
		return printJSON(stats)
	}
	printStats(stats)
	return nil
}

// printStats displays the admin summary.
func printStats(stats *service.AdminStats) {
	fmt.Printf("Queue\n")
	fmt.Printf("═══════════════════════════════════════\n")
	if q := stats.Queue; q != nil {
		for _, status := range models.AllJobStatuses {
			fmt.Printf("  %-10s %d\n", status, q.Depth[status])
		}
		if q.OldestPendingAge > 0 {
			fmt.Printf("  Oldest pending: %s\n", q.OldestPendingAge.Round(time.Second))
		}
		fmt.Printf("  Failure rate: %.1f%%\n", q.FailureRate*100)
		if len(q.FailuresByClass) > 0 {
			classes := make([]string, 0, len(q.FailuresByClass))
			for class := range q.FailuresByClass {
				classes = append(classes, string(class))
			}
			sort.Strings(classes)
			for _, class := range classes {
				fmt.Printf("    %-20s %d\n", class, q.FailuresByClass[models.ErrorClass(class)])
			}
		}
	}

	if b := stats.Breaker; b != nil {
		fmt.Printf("\nGeneration circuit: %s\n", b.State)
		fmt.Printf("  Failures: %d (consecutive %d)\n", b.FailureCount, b.ConsecutiveFailures)
		if b.RetryAfter > 0 {
			fmt.Printf("  Retry after: %s\n", b.RetryAfter.Round(time.Second))
		}
	}

	if rt := stats.Runtime; rt != nil {
		fmt.Printf("\nServer Statistics (in-memory, since restart)\n")
		fmt.Printf("Uptime: %.1f seconds\n", rt.UptimeSeconds)
		for _, op := range []string{metrics.OpJobProcess, metrics.OpEvidenceSearch, metrics.OpEmbedding, metrics.OpLLMGenerate} {
			if s, ok := rt.Operations[op]; ok {
				fmt.Printf("\n%s:\n", op)
				printOpStats(s)
			}
		}
	}
}

// printOpStats displays timing and token statistics for an operation.
func printOpStats(op *metrics.OperationSnapshot) {
	fmt.Printf("  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
	fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n", op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	if op.TotalInputTokens == nil || op.TotalOutputTokens == nil {
		return
	}
	fmt.Printf("  Tokens In:  %d total", *op.TotalInputTokens)
	if op.AvgInputTokens != nil {
		fmt.Printf(", avg %.0f", *op.AvgInputTokens)
	}
	fmt.Println()
	fmt.Printf("  Tokens Out: %d total", *op.TotalOutputTokens)
	if op.AvgOutputTokens != nil {
		fmt.Printf(", avg %.0f", *op.AvgOutputTokens)
	}
	fmt.Println()
}

func runArchive(cmd *cobra.Command, args []string) error {
	n, err := apiClient.Archive(cmd.Context(), archiveOlderThan)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	fmt.Printf("Archived %d jobs\n", n)
	return nil
}
