// Package notifications pushes queue milestones to an ntfy topic when one is
// configured.
package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"visionforge/internal/config"
)

const userAgent = "VisionForge-Go/0.1.0"

// Service defines the notification surface exposed to the executor and
// pipeline components.
type Service interface {
	NotifyPipelineCompleted(ctx context.Context, idea string) error
	NotifyJobCompleted(ctx context.Context, jobID, positivePrompt string) error
	NotifyJobFailed(ctx context.Context, jobID, message string) error
	NotifyQueueDrained(ctx context.Context, completed, failed int) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyPipelineCompleted(ctx context.Context, idea string) error {
	return n.send(ctx, payload{
		title:   "VisionForge - Pipeline Complete",
		message: fmt.Sprintf("Prompts refined for: %s", strings.TrimSpace(idea)),
		tags:    []string{"visionforge", "pipeline", "completed"},
	})
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, jobID, positivePrompt string) error {
	prompt := strings.TrimSpace(positivePrompt)
	if len(prompt) > 80 {
		prompt = prompt[:80] + "..."
	}
	return n.send(ctx, payload{
		title:   "VisionForge - Image Ready",
		message: fmt.Sprintf("Job %s finished: %s", jobID, prompt),
		tags:    []string{"visionforge", "job", "completed"},
	})
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, jobID, message string) error {
	return n.send(ctx, payload{
		title:    "VisionForge - Job Failed",
		message:  fmt.Sprintf("Job %s failed: %s", jobID, strings.TrimSpace(message)),
		tags:     []string{"visionforge", "job", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyQueueDrained(ctx context.Context, completed, failed int) error {
	return n.send(ctx, payload{
		title:   "VisionForge - Queue Drained",
		message: fmt.Sprintf("All jobs processed: %d completed, %d failed", completed, failed),
		tags:    []string{"visionforge", "queue", "drained"},
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:   "VisionForge - Test",
		message: "Notifications are working.",
		tags:    []string{"visionforge", "test"},
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyPipelineCompleted(context.Context, string) error    { return nil }
func (noopService) NotifyJobCompleted(context.Context, string, string) error { return nil }
func (noopService) NotifyJobFailed(context.Context, string, string) error    { return nil }
func (noopService) NotifyQueueDrained(context.Context, int, int) error       { return nil }
func (noopService) TestNotification(context.Context) error                   { return nil }
