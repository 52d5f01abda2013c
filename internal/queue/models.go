// Package queue persists generation jobs and exposes the ordered, pausable
// collection the executor drains. Ordering is priority tiers with FIFO
// placement inside each tier.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders jobs across tiers. Lower values run first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// String returns the canonical name used in the API and CLI.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a canonical name back to a Priority.
func ParsePriority(value string) (Priority, error) {
	switch value {
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", value)
	}
}

// MarshalJSON encodes the priority as its canonical name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a canonical priority name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus validates a stored status string.
func ParseStatus(value string) (Status, error) {
	switch Status(value) {
	case StatusPending, StatusGenerating, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(value), nil
	default:
		return "", fmt.Errorf("unknown status %q", value)
	}
}

// Terminal reports whether the status ends the job lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// GenerationSettings are the sampling parameters submitted with a job.
type GenerationSettings struct {
	Checkpoint string  `json:"checkpoint"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Steps      int     `json:"steps"`
	CFG        float64 `json:"cfg"`
	Sampler    string  `json:"sampler"`
	Scheduler  string  `json:"scheduler"`
	Seed       int64   `json:"seed"`
	BatchSize  int     `json:"batchSize"`
}

// Job is one persisted generation request.
type Job struct {
	ID             string             `json:"id"`
	Priority       Priority           `json:"priority"`
	Status         Status             `json:"status"`
	PositivePrompt string             `json:"positivePrompt"`
	NegativePrompt string             `json:"negativePrompt"`
	Settings       GenerationSettings `json:"settings"`

	// PipelineLog is the serialized pipeline run that produced the prompts,
	// kept as lineage. Empty for manually enqueued jobs.
	PipelineLog json.RawMessage `json:"pipelineLog,omitempty"`

	ErrorMessage     string `json:"errorMessage,omitempty"`
	ResultArtifactID string `json:"resultArtifactId,omitempty"`

	// TierSeq is the FIFO position within the priority tier. Reordering a
	// job refreshes it so the job lands after the tier's existing members.
	TierSeq int64 `json:"-"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
