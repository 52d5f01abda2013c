// Package pipeline runs the five-stage prompt refinement sequence: ideation,
// composition, judging, prompt engineering, and review. Each stage streams
// tokens to the event bus and records an immutable result in the run record.
package pipeline

// Stage identifies one step in the refinement sequence.
type Stage string

// Stage order is fixed; the names double as event payload values.
const (
	StageIdeator        Stage = "ideator"
	StageComposer       Stage = "composer"
	StageJudge          Stage = "judge"
	StagePromptEngineer Stage = "promptEngineer"
	StageReviewer       Stage = "reviewer"
)

// Stages lists all stages in execution order.
func Stages() []Stage {
	return []Stage{StageIdeator, StageComposer, StageJudge, StagePromptEngineer, StageReviewer}
}

// Phase is the lifecycle state of a run.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseCancelled Phase = "cancelled"
	PhaseError     Phase = "error"
)

// PromptPair is a positive/negative prompt ready for generation.
type PromptPair struct {
	Positive string `json:"positive"`
	Negative string `json:"negative"`
}

// Ranking is one judge verdict. Rank 1 is best.
type Ranking struct {
	Rank         int    `json:"rank"`
	ConceptIndex int    `json:"conceptIndex"`
	Score        int    `json:"score"`
	Reasoning    string `json:"reasoning"`
}

// ReviewVerdict is the reviewer's advisory assessment of the final pair.
type ReviewVerdict struct {
	Approved          bool     `json:"approved"`
	Issues            []string `json:"issues,omitempty"`
	SuggestedPositive string   `json:"suggestedPositive,omitempty"`
	SuggestedNegative string   `json:"suggestedNegative,omitempty"`
}

// StageResult records one executed stage. Immutable once stored in a run.
type StageResult struct {
	Stage      Stage  `json:"stage"`
	Input      string `json:"input"`
	Output     any    `json:"output"`
	Model      string `json:"model"`
	DurationMS int64  `json:"durationMs"`
	TokensIn   int64  `json:"tokensIn,omitempty"`
	TokensOut  int64  `json:"tokensOut,omitempty"`
}

// Run is the full record of one pipeline execution: configuration echo,
// per-stage results, and the final prompt pair. It serializes as the lineage
// attached to generation jobs.
type Run struct {
	OriginalIdea  string                `json:"originalIdea"`
	StagesEnabled map[Stage]bool        `json:"stagesEnabled"`
	Models        map[Stage]string      `json:"models"`
	Stages        map[Stage]StageResult `json:"stages"`
	Phase         Phase                 `json:"phase"`

	Concepts      []string   `json:"concepts,omitempty"`
	SelectedIndex int        `json:"selectedIndex"`
	FinalPrompts  PromptPair `json:"finalPrompts"`
	AutoApproved  bool       `json:"autoApproved"`
	Error         string     `json:"error,omitempty"`
}

// Result returns the stage result for s, if the stage ran.
func (r *Run) Result(s Stage) (StageResult, bool) {
	res, ok := r.Stages[s]
	return res, ok
}
