package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"visionforge/internal/events"
	"visionforge/internal/logging"
	"visionforge/internal/services"
	"visionforge/internal/services/ollama"
)

// ErrRunActive is returned when a run is requested while another is running.
var ErrRunActive = errors.New("pipeline run already active")

const stageNumPredict = 1024

// ModelClient is the slice of the language-model API the engine depends on.
type ModelClient interface {
	ChatStream(ctx context.Context, model string, messages []ollama.Message, formatJSON bool, opts ollama.Options, onToken func(string)) (ollama.Response, error)
	Unload(ctx context.Context, model string) error
}

// Settings selects which stages run and with which models. The prompt
// engineer stage always runs regardless of its enable flag.
type Settings struct {
	Enabled     map[Stage]bool
	Models      map[Stage]string
	NumConcepts int
}

// Request describes one pipeline invocation.
type Request struct {
	Idea        string
	NumConcepts int
	AutoApprove bool
	Checkpoint  *CheckpointContext

	// SelectConcept picks which ranked concept to carry forward. When nil
	// the judge's top pick is used.
	SelectConcept func(rankings []Ranking, descriptions []string) int
}

// Engine executes pipeline runs one at a time.
type Engine struct {
	client   ModelClient
	settings Settings
	bus      *events.Bus
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewEngine constructs an engine. A nil logger disables logging.
func NewEngine(client ModelClient, settings Settings, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	if settings.NumConcepts <= 0 {
		settings.NumConcepts = 3
	}
	return &Engine{client: client, settings: settings, bus: bus, logger: logger}
}

// Active reports whether a run is in progress.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// Cancel stops the active run, if any. Cancellation is honored mid-stage:
// the in-flight model call is interrupted, not merely checked between stages.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

func (e *Engine) acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil, nil, ErrRunActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	return runCtx, cancel, nil
}

func (e *Engine) release(cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancel = nil
	e.mu.Unlock()
	cancel()
}

// Run executes the refinement sequence for req. On stage failure the partial
// run is returned alongside the error; completed stage results are never
// discarded. Cancellation is not an error: the run comes back with phase
// cancelled and a nil error.
func (e *Engine) Run(ctx context.Context, req Request) (*Run, error) {
	runCtx, cancel, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.release(cancel)

	numConcepts := req.NumConcepts
	if numConcepts <= 0 {
		numConcepts = e.settings.NumConcepts
	}

	run := &Run{
		OriginalIdea:  req.Idea,
		StagesEnabled: e.effectiveEnabled(),
		Models:        e.modelsSnapshot(),
		Stages:        make(map[Stage]StageResult),
		Phase:         PhaseRunning,
		AutoApproved:  req.AutoApprove,
	}

	e.logger.Info("pipeline run started",
		logging.String("idea", req.Idea),
		logging.Int("num_concepts", numConcepts))

	lastModel := ""
	fail := func(stage Stage, err error) (*Run, error) {
		if runCtx.Err() != nil {
			run.Phase = PhaseCancelled
			e.logger.Info("pipeline run cancelled", logging.String(logging.FieldStage, string(stage)))
			return run, nil
		}
		run.Phase = PhaseError
		run.Error = err.Error()
		e.logger.Error("pipeline run failed",
			logging.String(logging.FieldStage, string(stage)),
			logging.Error(err))
		return run, err
	}

	// Ideator
	concepts := []string{req.Idea}
	if run.StagesEnabled[StageIdeator] {
		if runCtx.Err() != nil {
			return fail(StageIdeator, runCtx.Err())
		}
		system, user := ideatorPrompt(req.Idea, numConcepts)
		resp, dur, err := e.chat(runCtx, StageIdeator, system, user, false)
		if err != nil {
			return fail(StageIdeator, fmt.Errorf("ideator stage: %w", err))
		}
		parsed := parseNumberedList(resp.Content)
		if len(parsed) == 0 {
			return fail(StageIdeator, fmt.Errorf("ideator stage: no concepts in %q", services.Snippet(resp.Content)))
		}
		if len(parsed) > numConcepts {
			parsed = parsed[:numConcepts]
		}
		run.Stages[StageIdeator] = StageResult{
			Stage: StageIdeator, Input: req.Idea, Output: parsed,
			Model: run.Models[StageIdeator], DurationMS: dur,
			TokensIn: resp.TokensIn, TokensOut: resp.TokensOut,
		}
		concepts = parsed
	}
	run.Concepts = concepts

	// Composer
	descriptions := concepts
	var composerResults []StageResult
	if run.StagesEnabled[StageComposer] {
		if runCtx.Err() != nil {
			return fail(StageComposer, runCtx.Err())
		}
		model := run.Models[StageComposer]
		e.bus.Publish(events.TopicStageStart, events.StageStart{Stage: string(StageComposer), Model: model})
		start := time.Now()
		composed := make([]string, 0, len(concepts))
		for i, concept := range concepts {
			if runCtx.Err() != nil {
				return fail(StageComposer, runCtx.Err())
			}
			system, user := composerPrompt(concept)
			resp, dur, err := e.chatBare(runCtx, StageComposer, system, user, false)
			if err != nil {
				return fail(StageComposer, fmt.Errorf("composer stage, concept %d: %w", i, err))
			}
			output := strings.TrimSpace(resp.Content)
			if output == "" {
				return fail(StageComposer, fmt.Errorf("composer stage: empty output for concept %d", i))
			}
			composed = append(composed, output)
			composerResults = append(composerResults, StageResult{
				Stage: StageComposer, Input: concept, Output: output,
				Model: model, DurationMS: dur,
				TokensIn: resp.TokensIn, TokensOut: resp.TokensOut,
			})
		}
		e.bus.Publish(events.TopicStageComplete, events.StageComplete{
			Stage:      string(StageComposer),
			DurationMS: time.Since(start).Milliseconds(),
		})
		descriptions = composed
		lastModel = model
	}

	// Judge: implicitly skipped with a single candidate, there is nothing
	// to rank.
	var rankings []Ranking
	if run.StagesEnabled[StageJudge] && len(descriptions) > 1 {
		if runCtx.Err() != nil {
			return fail(StageJudge, runCtx.Err())
		}
		system, user := judgePrompt(req.Idea, descriptions)
		resp, dur, err := e.chat(runCtx, StageJudge, system, user, true)
		if err != nil {
			return fail(StageJudge, fmt.Errorf("judge stage: %w", err))
		}
		rankings, err = parseRankings(resp.Content, len(descriptions))
		if err != nil {
			return fail(StageJudge, fmt.Errorf("judge stage: %w", err))
		}
		run.Stages[StageJudge] = StageResult{
			Stage: StageJudge, Input: req.Idea, Output: rankings,
			Model: run.Models[StageJudge], DurationMS: dur,
			TokensIn: resp.TokensIn, TokensOut: resp.TokensOut,
		}
		lastModel = run.Models[StageJudge]
	}

	selected := 0
	if len(rankings) > 0 {
		if req.SelectConcept != nil {
			selected = req.SelectConcept(rankings, descriptions)
		} else {
			selected = rankings[0].ConceptIndex
		}
		if selected < 0 || selected >= len(descriptions) {
			selected = rankings[0].ConceptIndex
		}
	}
	run.SelectedIndex = selected
	if len(composerResults) > 0 {
		idx := selected
		if idx >= len(composerResults) {
			idx = 0
		}
		run.Stages[StageComposer] = composerResults[idx]
	}
	chosen := descriptions[selected]

	// Prompt engineer: mandatory. When disabled by configuration it still
	// runs, taking the raw idea instead of the refined description.
	peInput := chosen
	if !e.settings.Enabled[StagePromptEngineer] {
		peInput = req.Idea
	}
	if runCtx.Err() != nil {
		return fail(StagePromptEngineer, runCtx.Err())
	}
	checkpoint := CheckpointContext{}
	if req.Checkpoint != nil {
		checkpoint = *req.Checkpoint
	}
	system, user := promptEngineerPrompt(peInput, checkpoint)
	resp, dur, err := e.chat(runCtx, StagePromptEngineer, system, user, true)
	if err != nil {
		return fail(StagePromptEngineer, fmt.Errorf("prompt engineer stage: %w", err))
	}
	pair, err := parsePromptPair(resp.Content)
	if err != nil {
		return fail(StagePromptEngineer, fmt.Errorf("prompt engineer stage: %w", err))
	}
	run.Stages[StagePromptEngineer] = StageResult{
		Stage: StagePromptEngineer, Input: peInput, Output: pair,
		Model: run.Models[StagePromptEngineer], DurationMS: dur,
		TokensIn: resp.TokensIn, TokensOut: resp.TokensOut,
	}
	run.FinalPrompts = pair
	lastModel = run.Models[StagePromptEngineer]

	// Reviewer: advisory. A rejection rewrites the final pair when
	// suggestions are offered but never blocks the run.
	if run.StagesEnabled[StageReviewer] {
		if runCtx.Err() != nil {
			return fail(StageReviewer, runCtx.Err())
		}
		system, user := reviewerPrompt(req.Idea, pair.Positive, pair.Negative)
		resp, dur, err := e.chat(runCtx, StageReviewer, system, user, true)
		if err != nil {
			return fail(StageReviewer, fmt.Errorf("reviewer stage: %w", err))
		}
		verdict, err := parseReviewVerdict(resp.Content)
		if err != nil {
			return fail(StageReviewer, fmt.Errorf("reviewer stage: %w", err))
		}
		run.Stages[StageReviewer] = StageResult{
			Stage: StageReviewer, Input: pair.Positive, Output: verdict,
			Model: run.Models[StageReviewer], DurationMS: dur,
			TokensIn: resp.TokensIn, TokensOut: resp.TokensOut,
		}
		if !verdict.Approved {
			if verdict.SuggestedPositive != "" {
				run.FinalPrompts.Positive = verdict.SuggestedPositive
			}
			if verdict.SuggestedNegative != "" {
				run.FinalPrompts.Negative = verdict.SuggestedNegative
			}
		}
		lastModel = run.Models[StageReviewer]
	}

	// Free VRAM for the image backend before the run is handed off.
	if lastModel != "" {
		unloadCtx, unloadCancel := context.WithTimeout(context.WithoutCancel(runCtx), 10*time.Second)
		if err := e.client.Unload(unloadCtx, lastModel); err != nil {
			e.logger.Warn("model unload failed",
				logging.String("model", lastModel),
				logging.Error(err))
		}
		unloadCancel()
	}

	run.Phase = PhaseCompleted
	e.logger.Info("pipeline run completed",
		logging.Int("stages", len(run.Stages)),
		logging.String("positive", services.Snippet(run.FinalPrompts.Positive)))
	return run, nil
}

// chat runs one full stage conversation: stage_start, streamed tokens through
// the coalescer, stage_complete on success.
func (e *Engine) chat(ctx context.Context, stage Stage, system, user string, formatJSON bool) (ollama.Response, int64, error) {
	model := e.settings.Models[stage]
	e.bus.Publish(events.TopicStageStart, events.StageStart{Stage: string(stage), Model: model})
	resp, dur, err := e.chatBare(ctx, stage, system, user, formatJSON)
	if err != nil {
		return resp, dur, err
	}
	e.bus.Publish(events.TopicStageComplete, events.StageComplete{Stage: string(stage), DurationMS: dur})
	return resp, dur, nil
}

// chatBare issues the model call without stage_start/stage_complete framing.
func (e *Engine) chatBare(ctx context.Context, stage Stage, system, user string, formatJSON bool) (ollama.Response, int64, error) {
	model := e.settings.Models[stage]
	messages := []ollama.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	co := newCoalescer(e.bus, stage)
	start := time.Now()
	resp, err := e.client.ChatStream(ctx, model, messages, formatJSON, ollama.StageOptions(stageNumPredict), co.Append)
	co.Stop()
	dur := time.Since(start).Milliseconds()
	if err != nil {
		return resp, dur, err
	}
	e.logger.Debug("stage call finished",
		logging.String(logging.FieldStage, string(stage)),
		logging.String("model", model),
		logging.Int64("duration_ms", dur),
		logging.Int64("tokens_out", resp.TokensOut))
	return resp, dur, nil
}

func (e *Engine) effectiveEnabled() map[Stage]bool {
	enabled := make(map[Stage]bool, 5)
	for _, s := range Stages() {
		enabled[s] = e.settings.Enabled[s]
	}
	enabled[StagePromptEngineer] = true
	return enabled
}

func (e *Engine) modelsSnapshot() map[Stage]string {
	models := make(map[Stage]string, len(e.settings.Models))
	for s, m := range e.settings.Models {
		models[s] = m
	}
	return models
}
