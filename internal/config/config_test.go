package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"visionforge/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Pipeline.NumConcepts != 3 {
		t.Fatalf("num_concepts = %d", cfg.Pipeline.NumConcepts)
	}
	if cfg.Hardware.CooldownSeconds != 30 {
		t.Fatalf("cooldown = %d", cfg.Hardware.CooldownSeconds)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "config.toml")
	cfg, resolved, loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded {
		t.Fatal("missing file must not report loaded")
	}
	if resolved != path {
		t.Fatalf("resolved = %q", resolved)
	}
	if cfg.Ollama.Endpoint == "" {
		t.Fatal("defaults not applied")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[ollama]
endpoint = "http://llmbox:11434"

[pipeline]
num_concepts = 5
enable_reviewer = true

[hardware]
max_consecutive_generations = 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded {
		t.Fatal("existing file must report loaded")
	}
	if cfg.Ollama.Endpoint != "http://llmbox:11434" {
		t.Fatalf("endpoint = %q", cfg.Ollama.Endpoint)
	}
	if cfg.Pipeline.NumConcepts != 5 || !cfg.Pipeline.EnableReviewer {
		t.Fatalf("pipeline overrides lost: %+v", cfg.Pipeline)
	}
	if cfg.Hardware.MaxConsecutiveGenerations != 2 {
		t.Fatalf("hardware override lost: %+v", cfg.Hardware)
	}
	// Untouched sections keep defaults.
	if cfg.ComfyUI.Endpoint != "http://localhost:8188" {
		t.Fatalf("comfyui default lost: %q", cfg.ComfyUI.Endpoint)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := config.Default()
	cfg.Ollama.Endpoint = ""
	cfg.Models.PromptEngineer = ""
	cfg.Pipeline.NumConcepts = 40

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	msg := err.Error()
	for _, want := range []string{"ollama", "prompt_engineer", "num_concepts"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("validation message missing %q: %s", want, msg)
		}
	}
}

func TestValidatePowerFieldsRequiredWhenEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Hardware.PowerMonitorEnabled = true
	cfg.Hardware.PowerEndpoint = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("power monitoring without endpoint must fail validation")
	}
}

func TestEnsureDirectoriesCreatesTree(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.ImagesDir = filepath.Join(base, "data", "images")
	cfg.Paths.LogDir = filepath.Join(base, "data", "logs")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.ImagesDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("directory %s missing: %v", dir, err)
		}
	}
}

func TestWriteSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.WriteSample(path); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	cfg, _, loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if !loaded {
		t.Fatal("sample must load")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sample must validate: %v", err)
	}
}
