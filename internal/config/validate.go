package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports configuration values that cannot work at runtime.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Ollama.Endpoint) == "" {
		problems = append(problems, "ollama.endpoint must be set")
	}
	if strings.TrimSpace(c.ComfyUI.Endpoint) == "" {
		problems = append(problems, "comfyui.endpoint must be set")
	}
	if strings.TrimSpace(c.Models.PromptEngineer) == "" {
		problems = append(problems, "models.prompt_engineer must be set (the stage cannot be disabled)")
	}
	if c.Pipeline.NumConcepts < 1 || c.Pipeline.NumConcepts > 10 {
		problems = append(problems, fmt.Sprintf("pipeline.num_concepts must be 1-10, got %d", c.Pipeline.NumConcepts))
	}
	if c.Hardware.CooldownSeconds < 0 {
		problems = append(problems, "hardware.cooldown_seconds must not be negative")
	}
	if c.Hardware.MaxConsecutiveGenerations < 0 {
		problems = append(problems, "hardware.max_consecutive_generations must not be negative")
	}
	if c.Hardware.PowerMonitorEnabled {
		if strings.TrimSpace(c.Hardware.PowerEndpoint) == "" {
			problems = append(problems, "hardware.power_endpoint must be set when power monitoring is enabled")
		}
		if strings.TrimSpace(c.Hardware.PowerEntityID) == "" {
			problems = append(problems, "hardware.power_entity_id must be set when power monitoring is enabled")
		}
		if c.Hardware.PowerMaxWatts <= 0 {
			problems = append(problems, "hardware.power_max_watts must be positive when power monitoring is enabled")
		}
	}
	if c.Generation.Width <= 0 || c.Generation.Height <= 0 {
		problems = append(problems, "generation.width and generation.height must be positive")
	}
	if c.Generation.Steps <= 0 {
		problems = append(problems, "generation.steps must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}
