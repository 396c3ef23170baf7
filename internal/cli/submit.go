package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/service"
)

var (
	submitSection     string
	submitSections    []string
	submitPriority    int
	submitMaxAttempts int
	submitExternal    bool
	submitFollow      bool
	submitWait        time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <subject-id> <template-id>",
	Short: "Submit a generation job",
	Long: `Submit a job that generates the sections of a template for a subject.

By default every template section is generated. Use --sections to restrict
a full generation, or --section to regenerate a single section.

Examples:
  evidraft submit acme business-plan
  evidraft submit acme business-plan --sections goals,risks --priority 5
  evidraft submit acme business-plan --section goals --follow`,
	Args: cobra.ExactArgs(2),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitSection, "section", "", "generate only this section (section_generation job)")
	submitCmd.Flags().StringSliceVar(&submitSections, "sections", nil, "restrict full generation to these sections")
	submitCmd.Flags().IntVarP(&submitPriority, "priority", "p", 0, "higher runs first")
	submitCmd.Flags().IntVar(&submitMaxAttempts, "max-attempts", 0, "attempt limit (default from server)")
	submitCmd.Flags().BoolVar(&submitExternal, "external-grounding", false, "allow the model to use knowledge beyond the evidence")
	submitCmd.Flags().BoolVarP(&submitFollow, "follow", "f", false, "follow progress until the job finishes")
	submitCmd.Flags().DurationVar(&submitWait, "wait", 0, "wait up to this long for the job to finish")

	submitCmd.MarkFlagsMutuallyExclusive("section", "sections")
	submitCmd.MarkFlagsMutuallyExclusive("follow", "wait")
	rootCmd.AddCommand(submitCmd)
}

// buildSubmitRequest maps CLI arguments onto an API request.
func buildSubmitRequest(subjectID, templateID, section string, sections []string, priority, maxAttempts int, external bool) service.SubmitRequest {
	req := service.SubmitRequest{
		JobType:          models.JobTypeFullGeneration,
		SubjectReference: models.SubjectReference{SubjectID: subjectID, TemplateID: templateID},
		Priority:         priority,
		MaxAttempts:      maxAttempts,
	}
	req.Payload.UseExternalGrounding = external
	if section != "" {
		req.JobType = models.JobTypeSectionGeneration
		req.Payload.TargetSection = section
		return req
	}
	for _, s := range sections {
		if s = strings.TrimSpace(s); s != "" {
			req.Payload.Sections = append(req.Payload.Sections, s)
		}
	}
	return req
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req := buildSubmitRequest(args[0], args[1], submitSection, submitSections, submitPriority, submitMaxAttempts, submitExternal)

	resp, err := apiClient.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("Submitted job %s (%s)\n", resp.JobID, resp.Status)

	switch {
	case submitFollow:
		return RunJobProgress(ctx, apiClient, resp.JobID)
	case submitWait > 0:
		job, err := apiClient.GetJob(ctx, resp.JobID, submitWait)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		showJob(job)
	default:
		fmt.Printf("Use 'evidraft jobs %s' to check status.\n", resp.JobID)
	}
	return nil
}
