package pipeline

import (
	"fmt"
	"strings"
)

// CheckpointContext carries behavioral knowledge about the target checkpoint
// into the prompt-engineering stage. Zero fields fall back to generic SD 1.5
// guidance.
type CheckpointContext struct {
	CheckpointName   string `json:"checkpointName"`
	BaseModel        string `json:"baseModel"`
	Strengths        string `json:"strengths"`
	Weaknesses       string `json:"weaknesses"`
	CFGRangeLow      string `json:"cfgRangeLow"`
	CFGRangeHigh     string `json:"cfgRangeHigh"`
	PreferredSampler string `json:"preferredSampler"`
	CheckpointNotes  string `json:"checkpointNotes"`
	TermList         string `json:"termList"`
}

func defaultCheckpointContext() CheckpointContext {
	return CheckpointContext{
		CheckpointName:   "unknown",
		BaseModel:        "SD 1.5",
		Strengths:        "general purpose",
		Weaknesses:       "text rendering, hands",
		CFGRangeLow:      "6.0",
		CFGRangeHigh:     "9.0",
		PreferredSampler: "dpmpp_2m",
		CheckpointNotes:  "No specific notes available.",
		TermList:         "No specific term data available.",
	}
}

func (c CheckpointContext) withDefaults() CheckpointContext {
	def := defaultCheckpointContext()
	if c.CheckpointName == "" {
		c.CheckpointName = def.CheckpointName
	}
	if c.BaseModel == "" {
		c.BaseModel = def.BaseModel
	}
	if c.Strengths == "" {
		c.Strengths = def.Strengths
	}
	if c.Weaknesses == "" {
		c.Weaknesses = def.Weaknesses
	}
	if c.CFGRangeLow == "" {
		c.CFGRangeLow = def.CFGRangeLow
	}
	if c.CFGRangeHigh == "" {
		c.CFGRangeHigh = def.CFGRangeHigh
	}
	if c.PreferredSampler == "" {
		c.PreferredSampler = def.PreferredSampler
	}
	if c.CheckpointNotes == "" {
		c.CheckpointNotes = def.CheckpointNotes
	}
	if c.TermList == "" {
		c.TermList = def.TermList
	}
	return c
}

// Summary condenses the context into a one-line audit string stored with the
// stage result.
func (c CheckpointContext) Summary() string {
	filled := c.withDefaults()
	return fmt.Sprintf("Checkpoint: %s, Base: %s, Strengths: %s, Weaknesses: %s",
		filled.CheckpointName, filled.BaseModel, filled.Strengths, filled.Weaknesses)
}

func ideatorPrompt(idea string, numConcepts int) (string, string) {
	system := fmt.Sprintf("You are a creative director brainstorming visual concepts. Given a simple idea, "+
		"generate %d distinctly different creative interpretations. Each should be a "+
		"unique visual direction, varying the style, mood, setting, or perspective.\n\n"+
		"Output as a numbered list. Each concept should be 2-3 sentences describing the "+
		"visual scene. Be specific and vivid. Think like a cinematographer.", numConcepts)
	user := "User's idea: " + idea
	return system, user
}

func composerPrompt(concept string) (string, string) {
	system := "You are a visual scene designer. Take this concept and enrich it with specific " +
		"visual details that would make it a stunning image.\n\n" +
		"Add: specific materials and textures, lighting direction and quality, color " +
		"palette (name specific colors), camera angle and lens characteristics, " +
		"atmospheric effects, small details that add realism or charm.\n\n" +
		"Do NOT write in prompt syntax. Write a rich paragraph of natural description."
	user := "Concept: " + concept
	return system, user
}

func judgePrompt(originalIdea string, concepts []string) (string, string) {
	system := "You are an art director evaluating visual concepts for image generation with " +
		"Stable Diffusion 1.5. Rank these concepts from best to worst.\n\n" +
		"Evaluate each on:\n" +
		"1. Visual clarity: can this be rendered as a single coherent image?\n" +
		"2. SD-friendliness: does it avoid things SD1.5 struggles with (hands, text, " +
		"multiple specific characters, complex spatial relationships)?\n" +
		"3. Composition: is there a clear focal point and visual hierarchy?\n" +
		"4. Faithfulness: does it honor the user's original idea?\n" +
		"5. Appeal: would this make someone go \"wow\"?\n\n" +
		"Return a JSON array ranked best-to-worst:\n" +
		"[{\"rank\": 1, \"concept_index\": <n>, \"score\": <0-100>, \"reasoning\": \"...\"}, ...]"

	numbered := make([]string, len(concepts))
	for i, c := range concepts {
		numbered[i] = fmt.Sprintf("%d. %s", i, c)
	}
	user := fmt.Sprintf("Original idea: %s\n\nConcepts:\n%s", originalIdea, strings.Join(numbered, "\n"))
	return system, user
}

func promptEngineerPrompt(description string, ctx CheckpointContext) (string, string) {
	filled := ctx.withDefaults()
	system := fmt.Sprintf("You are an expert Stable Diffusion prompt engineer. Convert this scene "+
		"description into optimized positive and negative prompts.\n\n"+
		"TARGET CHECKPOINT: %s\n"+
		"Base model: %s\n\n"+
		"CHECKPOINT BEHAVIORAL PROFILE:\n"+
		"Strengths: %s\n"+
		"Weaknesses: %s\n"+
		"Preferred CFG: %s-%s\n"+
		"Preferred sampler: %s\n"+
		"Notes: %s\n\n"+
		"KNOWN EFFECTIVE TERMS FOR THIS CHECKPOINT:\n"+
		"%s\n\n"+
		"Rules:\n"+
		"- Use comma-separated tags, not sentences\n"+
		"- Put the most important elements first\n"+
		"- Use (parentheses:weight) for emphasis, range 0.5-1.5\n"+
		"- Include quality boosters: masterpiece, best quality, highly detailed\n"+
		"- Negative prompt should cover common SD artifacts\n"+
		"- Keep total positive prompt under 75 tokens (CLIP limit for SD1.5)\n"+
		"- Match the style to the scene (photorealistic gets photo terms, illustration gets art terms)\n"+
		"- Prefer terms known to be effective on the target checkpoint\n"+
		"- Avoid terms known to be weak or broken on the target checkpoint\n\n"+
		"Respond in EXACTLY this JSON format:\n"+
		"{\"positive\": \"the positive prompt here\", \"negative\": \"the negative prompt here\"}",
		filled.CheckpointName, filled.BaseModel, filled.Strengths, filled.Weaknesses,
		filled.CFGRangeLow, filled.CFGRangeHigh, filled.PreferredSampler,
		filled.CheckpointNotes, filled.TermList)

	user := "Scene description:\n" + description
	return system, user
}

func reviewerPrompt(originalIdea, positive, negative string) (string, string) {
	system := "Compare this SD prompt against the user's original idea. Check for:\n" +
		"1. Prompt drift: did we lose the core of what they asked for?\n" +
		"2. Conflicting terms: anything contradictory?\n" +
		"3. Token bloat: is the prompt over-stuffed?\n" +
		"4. Missing elements: anything from the original idea that got dropped?\n\n" +
		"If the prompts are good, respond: {\"approved\": true}\n" +
		"If changes needed, respond: {\"approved\": false, \"issues\": [...], " +
		"\"suggested_positive\": \"...\", \"suggested_negative\": \"...\"}"

	user := fmt.Sprintf("Original idea: %s\nPositive prompt: %s\nNegative prompt: %s",
		originalIdea, positive, negative)
	return system, user
}
