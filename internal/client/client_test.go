package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/queue"
	"github.com/raphaelgruber/evidraft/internal/records"
	"github.com/raphaelgruber/evidraft/internal/server"
	"github.com/raphaelgruber/evidraft/internal/service"
)

func newTestClient(t *testing.T, user string) *Client {
	t.Helper()
	ctx := context.Background()

	store, err := queue.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec, err := records.NewStore(store.DB())
	require.NoError(t, err)
	require.NoError(t, rec.PutSubject(ctx, &models.Subject{ID: "acme", DisplayName: "Acme"}))
	require.NoError(t, rec.PutTemplate(ctx, &models.Template{
		ID:   "plan",
		Name: "Plan",
		Sections: []models.TemplateSection{
			{ID: "goals", Title: "Goals", Fields: []models.FieldSchema{{Name: "text", Required: true}}},
		},
	}))

	svc := service.NewJobService(store, rec, service.Options{})
	srv := server.New(svc, server.Config{LongPollMax: time.Second, PollEvery: 5 * time.Millisecond}, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return New(ts.URL+"/", user)
}

func request() service.SubmitRequest {
	return service.SubmitRequest{
		JobType:          models.JobTypeFullGeneration,
		SubjectReference: models.SubjectReference{SubjectID: "acme", TemplateID: "plan"},
	}
}

func TestClient_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "alice")

	require.NoError(t, c.Health(ctx))

	sub, err := c.Submit(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, sub.Status)
	assert.Equal(t, "/jobs/"+sub.JobID, sub.PollLocation)

	job, err := c.GetJob(ctx, sub.JobID, 0)
	require.NoError(t, err)
	assert.Equal(t, "alice", job.CreatedBy)
	assert.Equal(t, 1, job.Progress.SectionsTotal)

	job, err = c.GetJob(ctx, sub.JobID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	jobs, err := c.ListJobs(ctx, ListOptions{CreatedBy: "alice"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Nil(t, jobs[0].Result)

	job, err = c.CancelJob(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	_, err = c.CancelJob(ctx, sub.JobID)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusConflict))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.NotNil(t, apiErr.Job)
	assert.Equal(t, models.JobStatusCancelled, apiErr.Job.Status)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Queue.Depth[models.JobStatusCancelled])

	n, err := c.Archive(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		user     string
		call     func(c *Client) error
		wantCode int
	}{
		{
			name: "missing identity",
			call: func(c *Client) error {
				_, err := c.Submit(ctx, request())
				return err
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "unknown template",
			user: "alice",
			call: func(c *Client) error {
				req := request()
				req.SubjectReference.TemplateID = "ghost"
				_, err := c.Submit(ctx, req)
				return err
			},
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name: "unknown job",
			call: func(c *Client) error {
				_, err := c.GetJob(ctx, "missing", 0)
				return err
			},
			wantCode: http.StatusNotFound,
		},
		{
			name: "watch unknown job",
			call: func(c *Client) error {
				return c.Watch(ctx, "missing", func(*models.GenerationJob) error { return nil })
			},
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.user)
			err := tt.call(c)
			require.Error(t, err)
			assert.True(t, IsStatus(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestClient_Watch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := newTestClient(t, "alice")

	sub, err := c.Submit(ctx, request())
	require.NoError(t, err)

	var seen []models.JobStatus
	err = c.Watch(ctx, sub.JobID, func(j *models.GenerationJob) error {
		seen = append(seen, j.Status)
		if j.Status == models.JobStatusPending {
			_, err := c.CancelJob(ctx, j.ID)
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []models.JobStatus{models.JobStatusPending, models.JobStatusCancelled}, seen)
}
