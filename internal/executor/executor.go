// Package executor runs the single worker loop that drains the job queue:
// one generation at a time on the shared GPU, with cooldown, throttle, and
// power-gate policies between jobs.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"visionforge/internal/config"
	"visionforge/internal/events"
	"visionforge/internal/gallery"
	"visionforge/internal/logging"
	"visionforge/internal/notifications"
	"visionforge/internal/power"
	"visionforge/internal/queue"
	"visionforge/internal/services/comfyui"
)

// Backend is the slice of the image backend API the executor drives.
type Backend interface {
	SubmitWorkflow(ctx context.Context, workflow comfyui.Workflow) (string, error)
	WaitForCompletion(ctx context.Context, promptID string, onProgress comfyui.ProgressFunc) error
	History(ctx context.Context, promptID string) ([]comfyui.ImageRef, bool, error)
	FetchArtifact(ctx context.Context, ref comfyui.ImageRef) ([]byte, error)
	Interrupt(ctx context.Context) error
	Endpoint() string
}

// ArtifactStore persists finished images.
type ArtifactStore interface {
	Save(ctx context.Context, meta gallery.Artifact, data []byte) (string, error)
}

// Executor owns the worker loop. Exactly one job is ever in generating
// status while it runs.
type Executor struct {
	queue     *queue.Queue
	backend   Backend
	artifacts ArtifactStore
	bus       *events.Bus
	notifier  notifications.Service
	monitor   *power.Monitor
	logger    *slog.Logger

	pollInterval  time.Duration
	retryInterval time.Duration
	cooldown      time.Duration
	maxConsec     int
	powerRecheck  time.Duration
	limiter       *rate.Limiter

	mu           sync.Mutex
	activeJobID  string
	activeCancel context.CancelFunc
	interrupted  bool

	consecutive    int
	completedCount int
	failedCount    int
	wasBusy        bool
}

// New constructs an executor and registers it as the queue's interrupter.
func New(cfg *config.Config, q *queue.Queue, backend Backend, artifacts ArtifactStore, bus *events.Bus, notifier notifications.Service, monitor *power.Monitor, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	e := &Executor{
		queue:         q,
		backend:       backend,
		artifacts:     artifacts,
		bus:           bus,
		notifier:      notifier,
		monitor:       monitor,
		logger:        logger,
		pollInterval:  secondsOrDefault(cfg.Workflow.QueuePollInterval, 3*time.Second),
		retryInterval: secondsOrDefault(cfg.Workflow.ErrorRetryInterval, 10*time.Second),
		cooldown:      secondsOrDefault(cfg.Hardware.CooldownSeconds, 30*time.Second),
		maxConsec:     cfg.Hardware.MaxConsecutiveGenerations,
		powerRecheck:  secondsOrDefault(cfg.Hardware.PowerRecheckSeconds, 15*time.Second),
	}
	if cfg.Hardware.MinJobIntervalSeconds > 0 {
		interval := time.Duration(cfg.Hardware.MinJobIntervalSeconds) * time.Second
		e.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	q.SetInterrupter(e)
	return e
}

func secondsOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Run drives the worker loop until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	e.logger.Info("executor started",
		logging.Duration("poll_interval", e.pollInterval),
		logging.Int("max_consecutive", e.maxConsec))

	for {
		if ctx.Err() != nil {
			e.logger.Info("executor stopped")
			return
		}

		if e.queue.IsPaused() {
			e.idle(ctx)
			continue
		}

		if e.maxConsec > 0 && e.consecutiveCount() >= e.maxConsec {
			e.logger.Info("cooldown between generation bursts",
				logging.Duration("cooldown", e.cooldown))
			if !sleepCtx(ctx, e.cooldown) {
				return
			}
			e.resetConsecutive()
			continue
		}

		job, err := e.queue.NextRunnable(ctx)
		if err != nil {
			e.logger.Error("next runnable failed", logging.Error(err))
			if !sleepCtx(ctx, e.retryInterval) {
				return
			}
			continue
		}
		if job == nil {
			e.notifyDrainedIfNeeded(ctx)
			e.idle(ctx)
			continue
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if !e.waitForPowerBudget(ctx) {
			return
		}

		e.runJob(ctx, job)
	}
}

// idle blocks until the queue signals new work or the poll interval elapses.
func (e *Executor) idle(ctx context.Context) {
	timer := time.NewTimer(e.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-e.queue.Wake():
	case <-timer.C:
	}
}

// waitForPowerBudget defers while the monitored draw exceeds the ceiling.
// Returns false only when ctx ends.
func (e *Executor) waitForPowerBudget(ctx context.Context) bool {
	for {
		overBudget, watts := e.monitor.ShouldDefer(ctx)
		if !overBudget {
			return true
		}
		e.logger.Info("power draw above ceiling, deferring job",
			logging.Float64("watts", watts),
			logging.Duration("recheck", e.powerRecheck))
		if !sleepCtx(ctx, e.powerRecheck) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Executor) consecutiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutive
}

func (e *Executor) resetConsecutive() {
	e.mu.Lock()
	e.consecutive = 0
	e.mu.Unlock()
}

func (e *Executor) notifyDrainedIfNeeded(ctx context.Context) {
	e.mu.Lock()
	busy := e.wasBusy
	completed, failed := e.completedCount, e.failedCount
	e.wasBusy = false
	e.completedCount, e.failedCount = 0, 0
	e.mu.Unlock()

	if busy {
		if err := e.notifier.NotifyQueueDrained(ctx, completed, failed); err != nil {
			e.logger.Warn("queue drained notification failed", logging.Error(err))
		}
	}
}

// InterruptActive aborts the named job's in-flight backend call. The
// interrupt is issued to the backend before this returns; the worker loop
// then records the cancelled state.
func (e *Executor) InterruptActive(ctx context.Context, jobID string) (bool, error) {
	e.mu.Lock()
	if e.activeJobID != jobID || e.activeCancel == nil {
		e.mu.Unlock()
		return false, nil
	}
	e.interrupted = true
	cancel := e.activeCancel
	e.mu.Unlock()

	// Interrupt the backend first so the GPU stops, then unblock the wait.
	err := e.backend.Interrupt(ctx)
	cancel()
	if err != nil {
		return true, fmt.Errorf("backend interrupt: %w", err)
	}
	return true, nil
}

func (e *Executor) setActive(jobID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.activeJobID = jobID
	e.activeCancel = cancel
	e.interrupted = false
	e.mu.Unlock()
}

func (e *Executor) clearActive() bool {
	e.mu.Lock()
	interrupted := e.interrupted
	e.activeJobID = ""
	e.activeCancel = nil
	e.interrupted = false
	e.mu.Unlock()
	return interrupted
}
