package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/evidraft/internal/client"
	"github.com/raphaelgruber/evidraft/internal/models"
)

var (
	jobsStatus    string
	jobsCreatedBy string
	jobsLimit     int
	jobsWait      time.Duration
	jobsJSON      bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect generation jobs",
	Long: `List recent jobs or inspect a specific job by ID.

Examples:
  evidraft jobs                      # List recent jobs
  evidraft jobs --status failed      # Only failed jobs
  evidraft jobs abc123               # Show details for job abc123
  evidraft jobs abc123 --wait 30s    # Wait up to 30s for it to finish`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job, optionally waiting for it to finish",
	Long: `Show a job. With --wait the server holds the request until the job is
terminal or the wait (capped by the server) elapses.

Examples:
  evidraft status abc123 --wait 30s`,
	Args: cobra.ExactArgs(1),
	RunE: runJobs,
}

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunJobProgress(cmd.Context(), apiClient, args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Cancel a pending job, or ask the worker running it to stop at the next
section boundary. Sections already generated are kept as a partial result.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsCmd.Flags().StringVar(&jobsCreatedBy, "created-by", "", "filter by submitter")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum jobs to list")
	jobsCmd.Flags().DurationVar(&jobsWait, "wait", 0, "long-poll until the job is terminal (job-id only)")
	jobsCmd.Flags().BoolVar(&jobsJSON, "json", false, "print the raw job JSON")

	statusCmd.Flags().DurationVar(&jobsWait, "wait", 0, "long-poll until the job is terminal")
	statusCmd.Flags().BoolVar(&jobsJSON, "json", false, "print the raw job JSON")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		job, err := apiClient.GetJob(cmd.Context(), args[0], jobsWait)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if jobsJSON {
			return printJSON(job)
		}
		showJob(job)
		return nil
	}

	jobs, err := apiClient.ListJobs(cmd.Context(), client.ListOptions{
		Status:    models.JobStatus(jobsStatus),
		CreatedBy: jobsCreatedBy,
		Limit:     jobsLimit,
	})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if jobsJSON {
		return printJSON(jobs)
	}
	listJobs(jobs)
	return nil
}

func listJobs(jobs []models.GenerationJob) {
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return
	}

	fmt.Printf("%-36s %-18s %-10s %-9s %-8s %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "ATTEMPT", "CREATED")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, job := range jobs {
		progress := fmt.Sprintf("%d/%d", job.Progress.SectionsDone, job.Progress.SectionsTotal)
		attempt := fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts)
		fmt.Printf("%-36s %-18s %-10s %-9s %-8s %s\n", job.ID, job.JobType, job.Status, progress, attempt,
			job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func showJob(job *models.GenerationJob) {
	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Type: %s\n", job.JobType)
	fmt.Printf("  Subject: %s  Template: %s\n", job.SubjectReference.SubjectID, job.SubjectReference.TemplateID)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Progress: %d/%d sections\n", job.Progress.SectionsDone, job.Progress.SectionsTotal)
	fmt.Printf("  Attempts: %d/%d\n", job.AttemptCount, job.MaxAttempts)
	fmt.Printf("  Created: %s by %s\n", job.CreatedAt.Format(time.RFC3339), job.CreatedBy)
	if job.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
		fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(job.CreatedAt).Round(time.Second))
	}
	if job.CancelRequested && !job.Status.Terminal() {
		fmt.Println("  Cancel requested")
	}
	if job.LastError != nil && *job.LastError != "" {
		fmt.Printf("  Error: %s (%s)\n", *job.LastError, job.ErrorClass)
	}

	if job.Result != nil {
		fmt.Println()
		fmt.Print(defaultTheme.finalView(job))
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	job, err := apiClient.CancelJob(cmd.Context(), args[0])
	if client.IsStatus(err, http.StatusConflict) {
		fmt.Fprintf(os.Stderr, "Job %s is already terminal\n", args[0])
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	if job.Status == models.JobStatusCancelled {
		fmt.Printf("Cancelled job %s\n", job.ID)
	} else {
		fmt.Printf("Cancellation requested for job %s; it stops at the next section\n", job.ID)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
