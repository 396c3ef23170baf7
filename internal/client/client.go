// Package client is an HTTP client for the evidraft job API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/service"
)

// UserHeader carries the caller identity. The API trusts it as set by the
// upstream auth layer.
const UserHeader = "X-Authenticated-User"

// Client talks to the job API.
type Client struct {
	endpoint   string
	user       string
	httpClient *http.Client
}

// New creates a client.
// If endpoint is empty, uses EVIDRAFT_SERVER_URL or defaults to localhost:8080.
// Timeout can be configured via EVIDRAFT_CLIENT_TIMEOUT (default 2m, above the
// server's long-poll cap).
func New(endpoint, user string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("EVIDRAFT_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8080"
	}

	timeout := 2 * time.Minute
	if t := os.Getenv("EVIDRAFT_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		user:       user,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string

	// Job is set when the server returned the job alongside the error,
	// as it does for cancelling a terminal job.
	Job *models.GenerationJob
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// do sends a request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set(UserHeader, c.user)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Error string                `json:"error"`
			Job   *models.GenerationJob `json:"job"`
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Job = payload.Job
		}
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID        string           `json:"job_id"`
	Status       models.JobStatus `json:"status"`
	PollLocation string           `json:"poll_location"`
}

// Submit enqueues a generation job.
func (c *Client) Submit(ctx context.Context, req service.SubmitRequest) (*SubmitResponse, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob fetches a job. A positive wait long-polls until the job is terminal
// or the wait (capped by the server) elapses.
func (c *Client) GetJob(ctx context.Context, id string, wait time.Duration) (*models.GenerationJob, error) {
	path := "/jobs/" + url.PathEscape(id)
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	var job models.GenerationJob
	if err := c.do(ctx, http.MethodGet, path, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListOptions filters ListJobs.
type ListOptions struct {
	Status    models.JobStatus
	CreatedBy string
	Limit     int
}

// ListJobs returns recent jobs without their results.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]models.GenerationJob, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.CreatedBy != "" {
		q.Set("created_by", opts.CreatedBy)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Jobs []models.GenerationJob `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// CancelJob requests cancellation. Cancelling a terminal job returns an
// APIError with status 409 carrying the job.
func (c *Client) CancelJob(ctx context.Context, id string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Stats returns the admin queue summary.
func (c *Client) Stats(ctx context.Context) (*service.AdminStats, error) {
	var out service.AdminStats
	if err := c.do(ctx, http.MethodGet, "/admin/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Archive archives terminal jobs finished more than olderThan ago.
func (c *Client) Archive(ctx context.Context, olderThan time.Duration) (int64, error) {
	var out struct {
		Archived int64 `json:"archived"`
	}
	body := map[string]string{"older_than": olderThan.String()}
	if err := c.do(ctx, http.MethodPost, "/admin/archive", body, &out); err != nil {
		return 0, err
	}
	return out.Archived, nil
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Watch streams job snapshots over a websocket. fn is called for every
// status or progress change; the stream ends when the job is terminal.
// Return an error from fn to abort.
func (c *Client) Watch(ctx context.Context, id string, fn func(*models.GenerationJob) error) error {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/jobs/" + url.PathEscape(id) + "/watch")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if c.user != "" {
		header.Set(UserHeader, c.user)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var job models.GenerationJob
		if err := conn.ReadJSON(&job); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if err := fn(&job); err != nil {
			return err
		}
	}
}
