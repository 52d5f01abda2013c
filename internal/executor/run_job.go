package executor

import (
	"context"
	"time"

	"visionforge/internal/events"
	"visionforge/internal/gallery"
	"visionforge/internal/logging"
	"visionforge/internal/queue"
	"visionforge/internal/services/comfyui"
)

// runJob claims and drives one job to a terminal state. Failures never
// propagate; they are recorded on the job and the loop moves on.
func (e *Executor) runJob(ctx context.Context, job *queue.Job) {
	claimed, err := e.queue.Store().Claim(ctx, job.ID, time.Now().UTC())
	if err != nil {
		e.logger.Error("claim failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		sleepCtx(ctx, e.retryInterval)
		return
	}
	if !claimed {
		// Cancelled between selection and claim.
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.setActive(job.ID, cancel)

	e.bus.Publish(events.TopicJobStarted, events.JobStarted{JobID: job.ID})
	e.logger.Info("job started",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("checkpoint", job.Settings.Checkpoint))

	artifactID, err := e.generate(jobCtx, job)
	interrupted := e.clearActive()

	switch {
	case interrupted:
		e.finalizeCancelled(ctx, job)
	case err != nil && ctx.Err() != nil:
		// Process shutdown mid-generation. The job stays in generating
		// status and is promoted to pending at startup.
		e.logger.Info("shutdown during generation, job will be requeued",
			logging.String(logging.FieldJobID, job.ID))
	case err != nil:
		e.finalizeFailed(ctx, job, err)
	default:
		e.finalizeCompleted(ctx, job, artifactID)
	}
}

// generate submits the job's workflow, tracks progress, and stores the
// resulting artifact. Returns the artifact ID.
func (e *Executor) generate(ctx context.Context, job *queue.Job) (string, error) {
	workflow, seed := comfyui.BuildTxt2Img(comfyui.GenerationParams{
		Checkpoint: job.Settings.Checkpoint,
		Positive:   job.PositivePrompt,
		Negative:   job.NegativePrompt,
		Width:      job.Settings.Width,
		Height:     job.Settings.Height,
		Steps:      job.Settings.Steps,
		CFG:        job.Settings.CFG,
		Sampler:    job.Settings.Sampler,
		Scheduler:  job.Settings.Scheduler,
		Seed:       job.Settings.Seed,
		BatchSize:  job.Settings.BatchSize,
	})
	if seed != job.Settings.Seed {
		// A randomized seed has to land on the job record before the run,
		// otherwise the result cannot be reproduced.
		job.Settings.Seed = seed
		if err := e.queue.Store().UpdateSettings(ctx, job.ID, job.Settings); err != nil {
			return "", err
		}
	}

	promptID, err := e.backend.SubmitWorkflow(ctx, workflow)
	if err != nil {
		return "", err
	}

	onProgress := func(current, total int) {
		progress := 0.0
		if total > 0 {
			progress = float64(current) / float64(total)
		}
		e.bus.Publish(events.TopicJobProgress, events.JobProgress{
			JobID:       job.ID,
			CurrentStep: current,
			TotalSteps:  total,
			Progress:    progress,
		})
	}
	if err := e.backend.WaitForCompletion(ctx, promptID, onProgress); err != nil {
		return "", err
	}

	refs, done, err := e.backend.History(ctx, promptID)
	if err != nil {
		return "", err
	}
	if !done || len(refs) == 0 {
		return "", errNoImages{promptID: promptID, endpoint: e.backend.Endpoint()}
	}

	data, err := e.backend.FetchArtifact(ctx, refs[0])
	if err != nil {
		return "", err
	}

	return e.artifacts.Save(ctx, gallery.Artifact{
		JobID:          job.ID,
		PositivePrompt: job.PositivePrompt,
		NegativePrompt: job.NegativePrompt,
		Checkpoint:     job.Settings.Checkpoint,
		Seed:           job.Settings.Seed,
		Width:          job.Settings.Width,
		Height:         job.Settings.Height,
	}, data)
}

type errNoImages struct {
	promptID string
	endpoint string
}

func (e errNoImages) Error() string {
	return "no images produced for prompt " + e.promptID + " at " + e.endpoint
}

func (e *Executor) finalizeCompleted(ctx context.Context, job *queue.Job, artifactID string) {
	changed, err := e.queue.Store().MarkCompleted(ctx, job.ID, artifactID, time.Now().UTC())
	if err != nil {
		e.logger.Error("mark completed failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		return
	}
	if !changed {
		// A concurrent cancel already finalized the job. Its terminal state
		// stands; the cancel path published the event.
		e.logger.Info("job finalized elsewhere, completion discarded",
			logging.String(logging.FieldJobID, job.ID))
		return
	}
	e.bus.Publish(events.TopicJobCompleted, events.JobCompleted{JobID: job.ID, ArtifactID: artifactID})
	e.logger.Info("job completed",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("artifact_id", artifactID))

	e.mu.Lock()
	e.consecutive++
	e.completedCount++
	e.wasBusy = true
	e.mu.Unlock()

	if err := e.notifier.NotifyJobCompleted(ctx, job.ID, job.PositivePrompt); err != nil {
		e.logger.Warn("completion notification failed", logging.Error(err))
	}
}

func (e *Executor) finalizeFailed(ctx context.Context, job *queue.Job, cause error) {
	message := cause.Error()
	changed, err := e.queue.Store().MarkFailed(ctx, job.ID, message, time.Now().UTC())
	if err != nil {
		e.logger.Error("mark failed failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		return
	}
	if !changed {
		e.logger.Info("job finalized elsewhere, failure discarded",
			logging.String(logging.FieldJobID, job.ID))
		return
	}
	e.bus.Publish(events.TopicJobFailed, events.JobFailed{JobID: job.ID, Error: message})
	e.logger.Error("job failed",
		logging.String(logging.FieldJobID, job.ID),
		logging.Error(cause))

	e.mu.Lock()
	e.consecutive++
	e.failedCount++
	e.wasBusy = true
	e.mu.Unlock()

	if err := e.notifier.NotifyJobFailed(ctx, job.ID, message); err != nil {
		e.logger.Warn("failure notification failed", logging.Error(err))
	}
}

func (e *Executor) finalizeCancelled(ctx context.Context, job *queue.Job) {
	if _, err := e.queue.Store().MarkCancelled(ctx, job.ID, time.Now().UTC()); err != nil {
		e.logger.Error("mark cancelled failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
	e.bus.Publish(events.TopicJobCancelled, events.JobCancelled{JobID: job.ID})
	e.logger.Info("job cancelled", logging.String(logging.FieldJobID, job.ID))

	e.mu.Lock()
	e.wasBusy = true
	e.mu.Unlock()
}
