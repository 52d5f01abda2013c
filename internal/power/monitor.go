// Package power gates generation work behind a Home Assistant power sensor.
// When the reported draw exceeds the configured ceiling the executor defers
// jobs instead of running them.
package power

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"visionforge/internal/config"
	"visionforge/internal/services"
)

// Monitor reads one Home Assistant sensor entity.
type Monitor struct {
	endpoint   string
	entityID   string
	token      string
	maxWatts   float64
	httpClient *http.Client
}

// NewMonitor constructs a monitor from the hardware configuration. Returns
// nil when power monitoring is disabled; callers treat a nil monitor as
// always-clear.
func NewMonitor(cfg config.Hardware) *Monitor {
	if !cfg.PowerMonitorEnabled {
		return nil
	}
	return &Monitor{
		endpoint:   strings.TrimRight(strings.TrimSpace(cfg.PowerEndpoint), "/"),
		entityID:   cfg.PowerEntityID,
		token:      cfg.PowerToken,
		maxWatts:   float64(cfg.PowerMaxWatts),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Draw reports the sensor's current reading in watts.
func (m *Monitor) Draw(ctx context.Context) (float64, error) {
	url := m.endpoint + "/api/states/" + m.entityID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("power draw: new request: %w", err)
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, services.Unreachable("power monitor", m.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("power draw: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("power draw: %s returned status %d", m.endpoint, resp.StatusCode)
	}

	var parsed struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, services.Malformed("power monitor", "/api/states", len(body), err)
	}
	watts, err := strconv.ParseFloat(strings.TrimSpace(parsed.State), 64)
	if err != nil {
		return 0, fmt.Errorf("power draw: entity %s reported non-numeric state %q", m.entityID, parsed.State)
	}
	return watts, nil
}

// ShouldDefer reports whether the current draw exceeds the ceiling. A nil
// monitor never defers. Read failures also report clear: a broken sensor
// must not wedge the queue.
func (m *Monitor) ShouldDefer(ctx context.Context) (bool, float64) {
	if m == nil {
		return false, 0
	}
	watts, err := m.Draw(ctx)
	if err != nil {
		return false, 0
	}
	return watts > m.maxWatts, watts
}
