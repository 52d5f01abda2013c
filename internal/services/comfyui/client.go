// Package comfyui talks to a ComfyUI instance: workflow submission, progress
// tracking over websocket with an HTTP poll fallback, and artifact retrieval.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"visionforge/internal/services"
)

const (
	defaultSubmitTimeout     = 30 * time.Second
	defaultPollInterval      = 2 * time.Second
	defaultGenerationTimeout = 600 * time.Second
	healthTimeout            = 5 * time.Second
)

// Config captures the runtime settings for the image backend.
type Config struct {
	Endpoint                 string
	SubmitTimeoutSeconds     int
	PollIntervalSeconds      int
	GenerationTimeoutSeconds int
}

// Client wraps the ComfyUI HTTP and websocket APIs. Each client carries a
// stable client ID so the websocket stream only reports its own prompts.
type Client struct {
	endpoint          string
	clientID          string
	httpClient        *http.Client
	pollInterval      time.Duration
	generationTimeout time.Duration
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithClientID fixes the websocket client ID instead of generating one.
func WithClientID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.clientID = id
		}
	}
}

// NewClient constructs a backend client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	submitTimeout := defaultSubmitTimeout
	if cfg.SubmitTimeoutSeconds > 0 {
		submitTimeout = time.Duration(cfg.SubmitTimeoutSeconds) * time.Second
	}
	client := &Client{
		endpoint:          strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		clientID:          uuid.NewString(),
		httpClient:        &http.Client{Timeout: submitTimeout},
		pollInterval:      defaultPollInterval,
		generationTimeout: defaultGenerationTimeout,
	}
	if cfg.PollIntervalSeconds > 0 {
		client.pollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second
	}
	if cfg.GenerationTimeoutSeconds > 0 {
		client.generationTimeout = time.Duration(cfg.GenerationTimeoutSeconds) * time.Second
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.endpoint == "" {
		client.endpoint = "http://localhost:8188"
	}
	return client
}

// Endpoint reports the configured base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// ClientID reports the websocket client ID attached to submissions.
func (c *Client) ClientID() string { return c.clientID }

// ImageRef locates one generated image on the backend.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Health verifies the backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/system_stats", nil)
	if err != nil {
		return fmt.Errorf("comfyui health: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Unreachable("comfyui", c.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("comfyui health: %s returned status %d", c.endpoint, resp.StatusCode)
	}
	return nil
}

// SubmitWorkflow queues a workflow graph and returns the backend prompt ID.
// Node validation errors reported by the backend surface as a single error.
func (c *Client) SubmitWorkflow(ctx context.Context, workflow Workflow) (string, error) {
	body := map[string]any{
		"prompt":    workflow,
		"client_id": c.clientID,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("comfyui submit: encode workflow: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/prompt", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("comfyui submit: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", services.Unreachable("comfyui", c.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("comfyui submit: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("comfyui submit: status %d: %s", resp.StatusCode, services.Snippet(string(raw)))
	}

	var parsed struct {
		PromptID   string                     `json:"prompt_id"`
		NodeErrors map[string]json.RawMessage `json:"node_errors"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", services.Malformed("comfyui", "/prompt", len(raw), err)
	}
	if len(parsed.NodeErrors) > 0 {
		nodes := make([]string, 0, len(parsed.NodeErrors))
		for node := range parsed.NodeErrors {
			nodes = append(nodes, node)
		}
		return "", fmt.Errorf("comfyui submit: workflow rejected, node errors on %s", strings.Join(nodes, ", "))
	}
	if parsed.PromptID == "" {
		return "", fmt.Errorf("comfyui submit: response missing prompt_id")
	}
	return parsed.PromptID, nil
}

// History returns the image references produced by a finished prompt, or
// (nil, false, nil) when the prompt has no history entry yet.
func (c *Client) History(ctx context.Context, promptID string) ([]ImageRef, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, false, fmt.Errorf("comfyui history: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, err
		}
		return nil, false, services.Unreachable("comfyui", c.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("comfyui history: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, false, fmt.Errorf("comfyui history: status %d: %s", resp.StatusCode, services.Snippet(string(raw)))
	}

	var parsed map[string]struct {
		Outputs map[string]struct {
			Images []ImageRef `json:"images"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, services.Malformed("comfyui", "/history", len(raw), err)
	}
	entry, ok := parsed[promptID]
	if !ok {
		return nil, false, nil
	}
	var refs []ImageRef
	for _, output := range entry.Outputs {
		refs = append(refs, output.Images...)
	}
	return refs, true, nil
}

// FetchArtifact downloads the bytes of one generated image.
func (c *Client) FetchArtifact(ctx context.Context, ref ImageRef) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	query.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("comfyui fetch artifact: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, services.Unreachable("comfyui", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("comfyui fetch artifact: status %d for %s", resp.StatusCode, ref.Filename)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("comfyui fetch artifact: read body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("comfyui fetch artifact: empty response for %s", ref.Filename)
	}
	return data, nil
}

// QueueInfo reports the backend's own internal queue depth.
type QueueInfo struct {
	Running int `json:"running"`
	Pending int `json:"pending"`
}

// QueueStatus reads how much work the backend already holds.
func (c *Client) QueueStatus(ctx context.Context) (QueueInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/queue", nil)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("comfyui queue status: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return QueueInfo{}, err
		}
		return QueueInfo{}, services.Unreachable("comfyui", c.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("comfyui queue status: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return QueueInfo{}, fmt.Errorf("comfyui queue status: status %d", resp.StatusCode)
	}
	var parsed struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return QueueInfo{}, services.Malformed("comfyui", "/queue", len(raw), err)
	}
	return QueueInfo{Running: len(parsed.Running), Pending: len(parsed.Pending)}, nil
}

// Interrupt stops whatever the backend is currently executing.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.postEmpty(ctx, "/interrupt", nil)
}

// FreeMemory asks the backend to unload models and release VRAM.
func (c *Client) FreeMemory(ctx context.Context) error {
	return c.postEmpty(ctx, "/free", map[string]any{
		"unload_models": true,
		"free_memory":   true,
	})
}

func (c *Client) postEmpty(ctx context.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("comfyui %s: encode body: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("comfyui %s: new request: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return services.Unreachable("comfyui", c.endpoint, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("comfyui %s: status %d", path, resp.StatusCode)
	}
	return nil
}
