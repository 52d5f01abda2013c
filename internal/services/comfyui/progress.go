package comfyui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// ProgressFunc receives sampling progress: the current step and total steps.
type ProgressFunc func(current, total int)

type wsMessage struct {
	Type string `json:"type"`
	Data struct {
		Value    int     `json:"value"`
		Max      int     `json:"max"`
		Node     *string `json:"node"`
		PromptID string  `json:"prompt_id"`
	} `json:"data"`
}

// WaitForCompletion blocks until the given prompt finishes, reporting step
// progress through onProgress. It prefers the websocket stream and falls back
// to polling the history endpoint when the socket cannot be established. The
// wait is bounded by the configured generation timeout.
func (c *Client) WaitForCompletion(ctx context.Context, promptID string, onProgress ProgressFunc) error {
	ctx, cancel := context.WithTimeout(ctx, c.generationTimeout)
	defer cancel()

	if err := c.waitWebsocket(ctx, promptID, onProgress); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return c.waitError(ctx, promptID)
	}

	return c.waitPolling(ctx, promptID)
}

func (c *Client) websocketURL() string {
	wsBase := c.endpoint
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	return wsBase + "/ws?clientId=" + c.clientID
}

// waitWebsocket follows the push stream until the backend reports the prompt
// finished executing. Any connection or read failure returns an error so the
// caller can switch to polling.
func (c *Client) waitWebsocket(ctx context.Context, promptID string, onProgress ProgressFunc) error {
	conn, _, err := websocket.Dial(ctx, c.websocketURL(), nil)
	if err != nil {
		return fmt.Errorf("comfyui progress: dial websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("comfyui progress: read websocket: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "progress":
			if onProgress != nil && msg.Data.Max > 0 {
				onProgress(msg.Data.Value, msg.Data.Max)
			}
		case "executing":
			// A null node for our prompt means the graph finished.
			if msg.Data.Node == nil && msg.Data.PromptID == promptID {
				return nil
			}
		case "execution_error":
			if msg.Data.PromptID == promptID {
				return fmt.Errorf("comfyui progress: execution error for prompt %s", promptID)
			}
		}
	}
}

// waitPolling checks the history endpoint until the prompt appears.
func (c *Client) waitPolling(ctx context.Context, promptID string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		_, done, err := c.History(ctx, promptID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return c.waitError(ctx, promptID)
		case <-ticker.C:
		}
	}
}

func (c *Client) waitError(ctx context.Context, promptID string) error {
	if err := context.Cause(ctx); err == context.DeadlineExceeded {
		return fmt.Errorf("comfyui progress: prompt %s timed out after %s", promptID, c.generationTimeout)
	}
	return ctx.Err()
}
