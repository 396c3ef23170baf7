package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/raphaelgruber/evidraft/internal/client"
	"github.com/raphaelgruber/evidraft/internal/models"
)

const barWidth = 30

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Warning    lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Warning:    lipgloss.Color("#FFAF00"), // amber
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

func (t Theme) bar(done, total int) string {
	filled := 0
	if total > 0 {
		filled = min(barWidth, done*barWidth/total)
	}
	return lipgloss.NewStyle().Foreground(t.Success).Render(strings.Repeat("█", filled)) +
		lipgloss.NewStyle().Foreground(t.ProgressBg).Render(strings.Repeat("░", barWidth-filled))
}

// progressLine renders one status update.
func (t Theme) progressLine(j *models.GenerationJob) string {
	status := t.statusStyle().Render(fmt.Sprintf("[%s]", j.Status))
	counts := fmt.Sprintf("%d/%d sections", j.Progress.SectionsDone, j.Progress.SectionsTotal)
	line := fmt.Sprintf("%s %s %s", status, t.bar(j.Progress.SectionsDone, j.Progress.SectionsTotal), counts)
	if j.AttemptCount > 1 {
		line += t.hintStyle().Render(fmt.Sprintf(" attempt %d/%d", j.AttemptCount, j.MaxAttempts))
	}
	if j.CancelRequested && !j.Status.Terminal() {
		line += t.warningStyle().Render(" cancelling")
	}
	return line
}

// finalView renders the outcome of a terminal job.
func (t Theme) finalView(j *models.GenerationJob) string {
	var b strings.Builder
	switch j.Status {
	case models.JobStatusCompleted:
		b.WriteString(t.completedStyle().Render("✓ Completed"))
	case models.JobStatusCancelled:
		b.WriteString(t.warningStyle().Render("■ Cancelled"))
	case models.JobStatusArchived:
		b.WriteString(t.hintStyle().Render("Archived"))
	default:
		msg := "job failed with unknown error"
		if j.LastError != nil {
			msg = *j.LastError
		}
		b.WriteString(t.errorStyle().Render(fmt.Sprintf("✗ Job %s: %s", j.Status, msg)))
		if j.ErrorClass != "" {
			b.WriteString(t.hintStyle().Render(fmt.Sprintf(" (%s)", j.ErrorClass)))
		}
	}
	b.WriteString("\n")

	if j.Result == nil {
		return b.String()
	}
	if j.Result.Partial {
		b.WriteString(t.hintStyle().Render("  partial result") + "\n")
	}
	b.WriteString("\n")
	for _, s := range j.Result.Sections {
		mark := t.completedStyle().Render("✓")
		if s.NeedsReview {
			mark = t.warningStyle().Render("!")
		}
		fmt.Fprintf(&b, "  %s %-24s confidence %.2f  evidence %d  copy risk %.2f\n",
			mark, s.SectionID, s.ConfidenceScore, s.EvidenceCount, s.Quality.CopyRisk)
	}
	m := j.Result.Metadata
	fmt.Fprintf(&b, "\n  Tokens: %d in, %d out", m.InputTokens, m.OutputTokens)
	if m.Model != "" {
		fmt.Fprintf(&b, " (%s)", m.Model)
	}
	b.WriteString("\n")
	if j.Result.NeedsReview {
		b.WriteString(t.warningStyle().Render("  Needs review before use") + "\n")
	}
	return b.String()
}

// RunJobProgress follows a job until it is terminal. On a terminal, the
// status line is redrawn in place; otherwise one line is printed per
// change. Interrupting leaves the job running and is not an error.
func RunJobProgress(ctx context.Context, c *client.Client, jobID string) error {
	return followJob(ctx, c, jobID, os.Stdout, term.IsTerminal(int(os.Stdout.Fd())), defaultTheme)
}

func followJob(ctx context.Context, c *client.Client, jobID string, out io.Writer, tty bool, theme Theme) error {
	var last *models.GenerationJob
	err := c.Watch(ctx, jobID, func(j *models.GenerationJob) error {
		last = j
		if j.Status.Terminal() {
			return nil
		}
		if tty {
			fmt.Fprintf(out, "\r\033[K%s", theme.progressLine(j))
		} else {
			fmt.Fprintln(out, theme.progressLine(j))
		}
		return nil
	})
	if tty {
		fmt.Fprintln(out)
	}

	if errors.Is(err, context.Canceled) {
		fmt.Fprint(out, theme.hintStyle().Render(fmt.Sprintf(
			"Job %s continues in background.\nUse 'evidraft jobs %s' to check status.\n", jobID, jobID)))
		return nil
	}
	if err != nil {
		return err
	}
	if last == nil || !last.Status.Terminal() {
		return fmt.Errorf("watch of %s ended before the job finished", jobID)
	}

	fmt.Fprint(out, theme.finalView(last))
	if last.Status == models.JobStatusFailed {
		return fmt.Errorf("job %s failed", jobID)
	}
	return nil
}
