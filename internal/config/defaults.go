package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultNegativePrompt is the fallback negative prompt used when the
// prompt-engineer stage is bypassed.
const DefaultNegativePrompt = "lowres, bad anatomy, bad hands, text, watermark, blurry"

// Default returns the baseline configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".visionforge")

	return Config{
		Paths: Paths{
			DataDir:   base,
			ImagesDir: filepath.Join(base, "images"),
			LogDir:    filepath.Join(base, "logs"),
			APIBind:   "127.0.0.1:7869",
		},
		Ollama: Ollama{
			Endpoint:       "http://localhost:11434",
			TimeoutSeconds: 300,
		},
		ComfyUI: ComfyUI{
			Endpoint:                 "http://localhost:8188",
			SubmitTimeoutSeconds:     30,
			PollIntervalSeconds:      2,
			GenerationTimeoutSeconds: 600,
		},
		Models: Models{
			Ideator:        "mistral:7b",
			Composer:       "llama3.1:8b",
			Judge:          "qwen2.5:7b",
			PromptEngineer: "mistral:7b",
			Reviewer:       "qwen2.5:7b",
		},
		Pipeline: Pipeline{
			EnableIdeator:        true,
			EnableComposer:       true,
			EnableJudge:          true,
			EnablePromptEngineer: true,
			EnableReviewer:       false,
			NumConcepts:          3,
			AutoApprove:          false,
		},
		Hardware: Hardware{
			CooldownSeconds:           30,
			MaxConsecutiveGenerations: 5,
			MinJobIntervalSeconds:     0,
			PowerMonitorEnabled:       false,
			PowerEntityID:             "sensor.gpu_power_draw",
			PowerMaxWatts:             180,
			PowerRecheckSeconds:       15,
		},
		Generation: Generation{
			Checkpoint: "dreamshaper_8.safetensors",
			Width:      512,
			Height:     768,
			Steps:      25,
			CFG:        7.5,
			Sampler:    "dpmpp_2m",
			Scheduler:  "karras",
			BatchSize:  1,
		},
		Workflow: Workflow{
			QueuePollInterval:  3,
			ErrorRetryInterval: 10,
		},
		Logging: Logging{
			Format: "text",
			Level:  "info",
		},
		Notifications: Notifications{
			RequestTimeout: 10,
		},
	}
}

func (c *Config) normalize() {
	c.Ollama.Endpoint = strings.TrimRight(strings.TrimSpace(c.Ollama.Endpoint), "/")
	c.ComfyUI.Endpoint = strings.TrimRight(strings.TrimSpace(c.ComfyUI.Endpoint), "/")
	c.Hardware.PowerEndpoint = strings.TrimRight(strings.TrimSpace(c.Hardware.PowerEndpoint), "/")
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)

	if c.Pipeline.NumConcepts <= 0 {
		c.Pipeline.NumConcepts = 3
	}
	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = 3
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = 10
	}
	if c.ComfyUI.PollIntervalSeconds <= 0 {
		c.ComfyUI.PollIntervalSeconds = 2
	}
	if c.ComfyUI.GenerationTimeoutSeconds <= 0 {
		c.ComfyUI.GenerationTimeoutSeconds = 600
	}
	if c.Hardware.PowerRecheckSeconds <= 0 {
		c.Hardware.PowerRecheckSeconds = 15
	}
	if c.Generation.BatchSize <= 0 {
		c.Generation.BatchSize = 1
	}
}
