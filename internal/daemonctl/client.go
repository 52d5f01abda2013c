// Package daemonctl provides the HTTP client the CLI uses to control a
// running daemon, plus helpers for launching the daemon process.
package daemonctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"visionforge/internal/config"
	"visionforge/internal/daemon"
	"visionforge/internal/gallery"
	"visionforge/internal/queue"
	"visionforge/internal/services/ollama"
)

// Client talks to the daemon API over HTTP.
type Client struct {
	base       string
	token      string
	httpClient *http.Client
}

// NewClient constructs a client for the configured bind address.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		base:       "http://" + cfg.Paths.APIBind,
		token:      cfg.Paths.APIToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientForAddr constructs a client for an explicit address.
func NewClientForAddr(addr, token string) *Client {
	return &Client{
		base:       "http://" + addr,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is it running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon: unexpected status %d for %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Status fetches daemon runtime information.
func (c *Client) Status(ctx context.Context) (daemon.Status, error) {
	var status daemon.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &status)
	return status, err
}

// RunPipeline executes a refinement run and blocks until it finishes.
func (c *Client) RunPipeline(ctx context.Context, req daemon.PipelineRunRequest) (daemon.PipelineRunResponse, error) {
	var resp daemon.PipelineRunResponse
	err := c.do(ctx, http.MethodPost, "/api/pipeline/run", req, &resp)
	return resp, err
}

// CancelPipeline stops the active run, if any.
func (c *Client) CancelPipeline(ctx context.Context) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/api/pipeline/cancel", nil, &resp)
	return resp.Cancelled, err
}

// Enqueue adds a generation job.
func (c *Client) Enqueue(ctx context.Context, req daemon.EnqueueRequest) (*queue.Job, error) {
	var job queue.Job
	if err := c.do(ctx, http.MethodPost, "/api/queue", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all jobs in execution order.
func (c *Client) ListJobs(ctx context.Context) ([]*queue.Job, error) {
	var resp struct {
		Jobs []*queue.Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, "/api/queue", nil, &resp)
	return resp.Jobs, err
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	var job queue.Job
	if err := c.do(ctx, http.MethodGet, "/api/queue/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob terminates a job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/queue/"+id+"/cancel", nil, nil)
}

// ReorderJob moves a pending job to a new priority tier.
func (c *Client) ReorderJob(ctx context.Context, id string, priority queue.Priority) error {
	return c.do(ctx, http.MethodPost, "/api/queue/"+id+"/priority",
		daemon.ReorderRequest{Priority: priority.String()}, nil)
}

// Pause stops the executor from claiming new jobs.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/queue/pause", nil, nil)
}

// Resume allows the executor to claim jobs again.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/queue/resume", nil, nil)
}

// Events long-polls the daemon's event buffer.
func (c *Client) Events(ctx context.Context, since uint64, limit int, wait bool) (daemon.EventsResponse, error) {
	var resp daemon.EventsResponse
	path := "/api/events?since=" + strconv.FormatUint(since, 10)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	if wait {
		path += "&wait=1"
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// ListArtifacts returns gallery entries, newest first.
func (c *Client) ListArtifacts(ctx context.Context, limit int) ([]*gallery.Artifact, error) {
	var resp struct {
		Artifacts []*gallery.Artifact `json:"artifacts"`
	}
	path := "/api/gallery"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Artifacts, err
}

// ListModels returns the models available on the daemon's model server.
func (c *Client) ListModels(ctx context.Context) ([]ollama.Model, error) {
	var resp struct {
		Models []ollama.Model `json:"models"`
	}
	err := c.do(ctx, http.MethodGet, "/api/models", nil, &resp)
	return resp.Models, err
}

// WarmModel asks the daemon to preload a model on the model server.
func (c *Client) WarmModel(ctx context.Context, model string) error {
	return c.do(ctx, http.MethodPost, "/api/models/warm",
		daemon.WarmModelRequest{Model: model}, nil)
}

// Doctor fetches the daemon's view of its backing services.
func (c *Client) Doctor(ctx context.Context) (daemon.DoctorReport, error) {
	var report daemon.DoctorReport
	err := c.do(ctx, http.MethodGet, "/api/doctor", nil, &report)
	return report, err
}

// FreeBackendMemory asks the generation backend to unload models and
// release VRAM.
func (c *Client) FreeBackendMemory(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/backend/free", nil, nil)
}

// TestNotification asks the daemon to send a test notification.
func (c *Client) TestNotification(ctx context.Context) (bool, string, error) {
	var resp struct {
		Sent    bool   `json:"sent"`
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "/api/notify/test", nil, &resp)
	return resp.Sent, resp.Message, err
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/shutdown", nil, nil)
}

// Launch starts a detached daemon process.
func Launch(executablePath, configPath string) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}
	var args []string
	if cfg := strings.TrimSpace(configPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	proc := exec.Command(executablePath, args...)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForDaemon polls the status endpoint until the daemon answers or the
// timeout elapses.
func (c *Client) WaitForDaemon(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := c.Status(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return fmt.Errorf("daemon failed to start: %w", lastErr)
}
