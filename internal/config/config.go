package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	ImagesDir string `toml:"images_dir"`
	LogDir    string `toml:"log_dir"`
	APIBind   string `toml:"api_bind"`
	APIToken  string `toml:"api_token"`
}

// Ollama contains connection settings for the language-model backend.
type Ollama struct {
	Endpoint       string `toml:"endpoint"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ComfyUI contains connection settings for the image-generation backend.
type ComfyUI struct {
	Endpoint                 string `toml:"endpoint"`
	SubmitTimeoutSeconds     int    `toml:"submit_timeout_seconds"`
	PollIntervalSeconds      int    `toml:"poll_interval_seconds"`
	GenerationTimeoutSeconds int    `toml:"generation_timeout_seconds"`
}

// Models assigns a language model to each pipeline stage.
type Models struct {
	Ideator        string `toml:"ideator"`
	Composer       string `toml:"composer"`
	Judge          string `toml:"judge"`
	PromptEngineer string `toml:"prompt_engineer"`
	Reviewer       string `toml:"reviewer"`
}

// Pipeline contains per-stage enable flags and run defaults.
type Pipeline struct {
	EnableIdeator        bool `toml:"enable_ideator"`
	EnableComposer       bool `toml:"enable_composer"`
	EnableJudge          bool `toml:"enable_judge"`
	EnablePromptEngineer bool `toml:"enable_prompt_engineer"`
	EnableReviewer       bool `toml:"enable_reviewer"`
	NumConcepts          int  `toml:"num_concepts"`
	AutoApprove          bool `toml:"auto_approve"`
}

// Hardware contains cooldown and power-budget policy for the shared GPU.
type Hardware struct {
	CooldownSeconds           int `toml:"cooldown_seconds"`
	MaxConsecutiveGenerations int `toml:"max_consecutive_generations"`
	MinJobIntervalSeconds     int `toml:"min_job_interval_seconds"`

	PowerMonitorEnabled bool   `toml:"power_monitor_enabled"`
	PowerEndpoint       string `toml:"power_endpoint"`
	PowerEntityID       string `toml:"power_entity_id"`
	PowerToken          string `toml:"power_token"`
	PowerMaxWatts       int    `toml:"power_max_watts"`
	PowerRecheckSeconds int    `toml:"power_recheck_seconds"`
}

// Generation holds default generation settings applied to new jobs.
type Generation struct {
	Checkpoint string  `toml:"checkpoint"`
	Width      int     `toml:"width"`
	Height     int     `toml:"height"`
	Steps      int     `toml:"steps"`
	CFG        float64 `toml:"cfg"`
	Sampler    string  `toml:"sampler"`
	Scheduler  string  `toml:"scheduler"`
	BatchSize  int     `toml:"batch_size"`
}

// Workflow contains daemon timing and interval configuration.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Config is the root configuration document.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Ollama        Ollama        `toml:"ollama"`
	ComfyUI       ComfyUI       `toml:"comfyui"`
	Models        Models        `toml:"models"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Hardware      Hardware      `toml:"hardware"`
	Generation    Generation    `toml:"generation"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the standard config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "visionforge.toml"
	}
	return filepath.Join(home, ".config", "visionforge", "config.toml")
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist. It returns the config, the resolved path, and whether the
// file was found.
func Load(path string) (*Config, string, bool, error) {
	resolved := strings.TrimSpace(path)
	if resolved == "" {
		resolved = DefaultConfigPath()
	}

	cfg := Default()
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.normalize()
			return &cfg, resolved, false, nil
		}
		return nil, resolved, false, fmt.Errorf("read config %s: %w", resolved, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, resolved, true, fmt.Errorf("parse config %s: %w", resolved, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, resolved, true, err
	}
	return &cfg, resolved, true, nil
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the directories the daemon needs at runtime.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.ImagesDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// QueueDBPath returns the sqlite database location.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.DataDir, "visionforge.db")
}
