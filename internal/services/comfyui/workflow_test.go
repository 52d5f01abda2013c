package comfyui

import (
	"encoding/json"
	"testing"
)

func testParams() GenerationParams {
	return GenerationParams{
		Checkpoint: "dreamshaper_8.safetensors",
		Positive:   "a lighthouse at dusk",
		Negative:   "lowres, blurry",
		Width:      512,
		Height:     768,
		Steps:      25,
		CFG:        7.5,
		Sampler:    "dpmpp_2m",
		Scheduler:  "karras",
		Seed:       42,
	}
}

func TestBuildTxt2ImgGraphShape(t *testing.T) {
	wf, seed := BuildTxt2Img(testParams())
	if len(wf) != 7 {
		t.Fatalf("graph has %d nodes, want 7", len(wf))
	}
	if seed != 42 {
		t.Fatalf("explicit seed must pass through unchanged, got %d", seed)
	}

	sampler, ok := wf[NodeSampler]
	if !ok {
		t.Fatal("sampler node missing")
	}
	if sampler.ClassType != "KSampler" {
		t.Fatalf("sampler class = %q", sampler.ClassType)
	}
	if sampler.Inputs["seed"] != int64(42) {
		t.Fatalf("seed = %v", sampler.Inputs["seed"])
	}
	if sampler.Inputs["steps"] != 25 {
		t.Fatalf("steps = %v", sampler.Inputs["steps"])
	}

	save := wf[NodeSave]
	if save.ClassType != "SaveImage" {
		t.Fatalf("save class = %q", save.ClassType)
	}
	if save.Inputs["filename_prefix"] != savePrefix {
		t.Fatalf("filename_prefix = %v", save.Inputs["filename_prefix"])
	}

	if wf[nodePositive].Inputs["text"] != "a lighthouse at dusk" {
		t.Fatalf("positive text = %v", wf[nodePositive].Inputs["text"])
	}
	if wf[nodeNegative].Inputs["text"] != "lowres, blurry" {
		t.Fatalf("negative text = %v", wf[nodeNegative].Inputs["text"])
	}
}

func TestBuildTxt2ImgRandomizesNegativeSeed(t *testing.T) {
	params := testParams()
	params.Seed = -1
	wf, resolved := BuildTxt2Img(params)
	seed, ok := wf[NodeSampler].Inputs["seed"].(int64)
	if !ok {
		t.Fatalf("seed has unexpected type %T", wf[NodeSampler].Inputs["seed"])
	}
	if seed < 0 {
		t.Fatalf("seed should be non-negative, got %d", seed)
	}
	if resolved != seed {
		t.Fatalf("returned seed %d differs from sampler input %d", resolved, seed)
	}
}

func TestBuildTxt2ImgDefaultsBatchSize(t *testing.T) {
	params := testParams()
	params.BatchSize = 0
	wf, _ := BuildTxt2Img(params)
	if wf[nodeLatent].Inputs["batch_size"] != 1 {
		t.Fatalf("batch_size = %v, want 1", wf[nodeLatent].Inputs["batch_size"])
	}
}

func TestWorkflowSerializes(t *testing.T) {
	wf, _ := BuildTxt2Img(testParams())
	data, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("marshal workflow: %v", err)
	}

	var decoded map[string]struct {
		ClassType string         `json:"class_type"`
		Inputs    map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if decoded[NodeSampler].ClassType != "KSampler" {
		t.Fatalf("decoded sampler class = %q", decoded[NodeSampler].ClassType)
	}
}
