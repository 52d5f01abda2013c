package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"visionforge/internal/services"
)

const (
	defaultHTTPTimeout = 300 * time.Second
	healthTimeout      = 5 * time.Second
	listTimeout        = 10 * time.Second
	unloadTimeout      = 10 * time.Second

	// keepAlive keeps stage models resident between calls within a run.
	keepAlive = "30m"
)

// Config captures the runtime settings required to talk to the model server.
type Config struct {
	Endpoint       string
	TimeoutSeconds int
}

// Client wraps the Ollama chat API.
type Client struct {
	endpoint   string
	httpClient *http.Client
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

// NewClient constructs a model client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		endpoint:   strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.endpoint == "" {
		client.endpoint = "http://localhost:11434"
	}
	return client
}

// Endpoint reports the configured base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the assembled model reply plus token accounting when available.
type Response struct {
	Content    string
	DurationNS int64
	TokensIn   int64
	TokensOut  int64
}

// Options tunes sampling for a single request.
type Options struct {
	NumPredict    int
	RepeatPenalty float64
	RepeatLastN   int
}

// StageOptions returns the sampling defaults used by pipeline stages: a
// num_predict cap against runaway generation plus mild repetition penalties.
func StageOptions(numPredict int) Options {
	return Options{
		NumPredict:    numPredict,
		RepeatPenalty: 1.2,
		RepeatLastN:   128,
	}
}

// Model describes one entry from the models-list endpoint.
type Model struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// Health verifies the model server is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("ollama health: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Unreachable("ollama", c.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("ollama health: %s returned status %d", c.endpoint, resp.StatusCode)
	}
	return nil
}

// ListModels returns the models available on the server.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama list models: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Unreachable("ollama", c.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama list models: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("ollama list models: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Models []Model `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, services.Malformed("ollama", "/api/tags", len(body), err)
	}
	return parsed.Models, nil
}

type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive"`
	Format    string         `json:"format,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	TotalDuration   int64  `json:"total_duration"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
}

func buildChatRequest(model string, messages []Message, formatJSON, stream bool, opts Options) chatRequest {
	req := chatRequest{
		Model:     model,
		Messages:  messages,
		Stream:    stream,
		KeepAlive: keepAlive,
	}
	if formatJSON {
		req.Format = "json"
	}
	options := map[string]any{}
	if opts.NumPredict > 0 {
		options["num_predict"] = opts.NumPredict
	}
	if opts.RepeatPenalty > 0 {
		options["repeat_penalty"] = opts.RepeatPenalty
	}
	if opts.RepeatLastN > 0 {
		options["repeat_last_n"] = opts.RepeatLastN
	}
	if len(options) > 0 {
		req.Options = options
	}
	return req
}

// Chat issues a single blocking chat request.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, formatJSON bool, opts Options) (Response, error) {
	var empty Response
	payload := buildChatRequest(model, messages, formatJSON, false, opts)
	resp, err := c.post(ctx, "/api/chat", payload)
	if err != nil {
		return empty, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, fmt.Errorf("ollama chat: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return empty, fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var chunk chatChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return empty, services.Malformed("ollama", "/api/chat", len(raw), err)
	}
	if chunk.Error != "" {
		return empty, fmt.Errorf("ollama chat: server error: %s", chunk.Error)
	}
	return Response{
		Content:    chunk.Message.Content,
		DurationNS: chunk.TotalDuration,
		TokensIn:   chunk.PromptEvalCount,
		TokensOut:  chunk.EvalCount,
	}, nil
}

// ChatStream issues a streaming chat request, invoking onToken for every
// non-empty content chunk. It returns the assembled response. The call is
// cancellable through ctx even while blocked reading the stream.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, formatJSON bool, opts Options, onToken func(string)) (Response, error) {
	var empty Response
	payload := buildChatRequest(model, messages, formatJSON, true, opts)
	resp, err := c.post(ctx, "/api/chat", payload)
	if err != nil {
		return empty, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(resp.Body)
		return empty, fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var (
		content strings.Builder
		out     Response
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return empty, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return empty, services.Malformed("ollama", "/api/chat stream", len(line), err)
		}
		if chunk.Error != "" {
			return empty, fmt.Errorf("ollama chat: server error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if onToken != nil {
				onToken(chunk.Message.Content)
			}
		}
		if chunk.Done {
			out.DurationNS = chunk.TotalDuration
			out.TokensIn = chunk.PromptEvalCount
			out.TokensOut = chunk.EvalCount
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return empty, ctxErr
		}
		return empty, fmt.Errorf("ollama chat: read stream from %s: %w", c.endpoint, err)
	}

	out.Content = content.String()
	return out, nil
}

// Unload asks the server to evict a model from VRAM by issuing a zero
// keep_alive generate call. Best effort: callers ignore the error.
func (c *Client) Unload(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, unloadTimeout)
	defer cancel()

	payload := map[string]any{
		"model":      model,
		"prompt":     "",
		"keep_alive": 0,
	}
	resp, err := c.post(ctx, "/api/generate", payload)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("ollama request: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, services.Unreachable("ollama", c.endpoint, err)
	}
	return resp, nil
}
