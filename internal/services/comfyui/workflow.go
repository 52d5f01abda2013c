package comfyui

import (
	"math/rand"
)

// Workflow is a node graph in the API format the backend expects: node ID to
// class type plus wired inputs.
type Workflow map[string]Node

// Node is one graph node.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// GenerationParams are the sampling settings for a text-to-image run.
type GenerationParams struct {
	Checkpoint string
	Positive   string
	Negative   string
	Width      int
	Height     int
	Steps      int
	CFG        float64
	Sampler    string
	Scheduler  string
	Seed       int64
	BatchSize  int
}

// Node IDs of the text-to-image graph. The sampler and saver IDs are exported
// so progress tracking and output collection can reference them.
const (
	nodeCheckpoint = "1"
	nodePositive   = "2"
	nodeNegative   = "3"
	nodeLatent     = "4"
	NodeSampler    = "5"
	nodeDecode     = "6"
	NodeSave       = "7"
)

const savePrefix = "VisionForge"

// BuildTxt2Img assembles the standard text-to-image graph: checkpoint loader,
// paired text encoders, empty latent, sampler, VAE decode, and image save.
// A negative seed is replaced with a random one; the seed actually wired into
// the sampler is returned so callers can record it for reproduction.
func BuildTxt2Img(p GenerationParams) (Workflow, int64) {
	seed := p.Seed
	if seed < 0 {
		seed = rand.Int63()
	}
	batch := p.BatchSize
	if batch < 1 {
		batch = 1
	}

	workflow := Workflow{
		nodeCheckpoint: {
			ClassType: "CheckpointLoaderSimple",
			Inputs: map[string]any{
				"ckpt_name": p.Checkpoint,
			},
		},
		nodePositive: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]any{
				"text": p.Positive,
				"clip": []any{nodeCheckpoint, 1},
			},
		},
		nodeNegative: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]any{
				"text": p.Negative,
				"clip": []any{nodeCheckpoint, 1},
			},
		},
		nodeLatent: {
			ClassType: "EmptyLatentImage",
			Inputs: map[string]any{
				"width":      p.Width,
				"height":     p.Height,
				"batch_size": batch,
			},
		},
		NodeSampler: {
			ClassType: "KSampler",
			Inputs: map[string]any{
				"seed":         seed,
				"steps":        p.Steps,
				"cfg":          p.CFG,
				"sampler_name": p.Sampler,
				"scheduler":    p.Scheduler,
				"denoise":      1.0,
				"model":        []any{nodeCheckpoint, 0},
				"positive":     []any{nodePositive, 0},
				"negative":     []any{nodeNegative, 0},
				"latent_image": []any{nodeLatent, 0},
			},
		},
		nodeDecode: {
			ClassType: "VAEDecode",
			Inputs: map[string]any{
				"samples": []any{NodeSampler, 0},
				"vae":     []any{nodeCheckpoint, 2},
			},
		},
		NodeSave: {
			ClassType: "SaveImage",
			Inputs: map[string]any{
				"filename_prefix": savePrefix,
				"images":          []any{nodeDecode, 0},
			},
		},
	}
	return workflow, seed
}
