package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"visionforge/internal/config"
	"visionforge/internal/events"
	"visionforge/internal/executor"
	"visionforge/internal/gallery"
	"visionforge/internal/logging"
	"visionforge/internal/notifications"
	"visionforge/internal/pipeline"
	"visionforge/internal/power"
	"visionforge/internal/queue"
	"visionforge/internal/services/comfyui"
	"visionforge/internal/services/ollama"
)

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      *events.Bus
	store    *queue.Store
	queue    *queue.Queue
	engine   *pipeline.Engine
	executor *executor.Executor
	gallery  *gallery.Store
	notifier notifications.Service
	ollama   *ollama.Client
	comfy    *comfyui.Client

	api      *apiServer
	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctlMu   sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running        bool           `json:"running"`
	Paused         bool           `json:"paused"`
	PipelineActive bool           `json:"pipelineActive"`
	QueueCounts    map[string]int `json:"queueCounts"`
	QueueDBPath    string         `json:"queueDbPath"`
	LockFilePath   string         `json:"lockFilePath"`
}

// New constructs a daemon with all dependencies wired. The caller owns the
// config; directories must already exist.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	galleryStore, err := gallery.Open(cfg, logging.NewComponentLogger(logger, "gallery"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open gallery store: %w", err)
	}

	bus := events.NewBus(0)
	notifier := notifications.NewService(cfg)
	monitor := power.NewMonitor(cfg.Hardware)

	ollamaClient := ollama.NewClient(ollama.Config{
		Endpoint:       cfg.Ollama.Endpoint,
		TimeoutSeconds: cfg.Ollama.TimeoutSeconds,
	})
	comfyClient := comfyui.NewClient(comfyui.Config{
		Endpoint:                 cfg.ComfyUI.Endpoint,
		SubmitTimeoutSeconds:     cfg.ComfyUI.SubmitTimeoutSeconds,
		PollIntervalSeconds:      cfg.ComfyUI.PollIntervalSeconds,
		GenerationTimeoutSeconds: cfg.ComfyUI.GenerationTimeoutSeconds,
	})

	q := queue.NewQueue(store, bus, logging.NewComponentLogger(logger, "queue"))
	exec := executor.New(cfg, q, comfyClient, galleryStore, bus, notifier, monitor,
		logging.NewComponentLogger(logger, "executor"))
	engine := pipeline.NewEngine(ollamaClient, engineSettings(cfg), bus,
		logging.NewComponentLogger(logger, "pipeline"))

	lockPath := filepath.Join(cfg.Paths.DataDir, "visionforged.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		store:    store,
		queue:    q,
		engine:   engine,
		executor: exec,
		gallery:  galleryStore,
		notifier: notifier,
		ollama:   ollamaClient,
		comfy:    comfyClient,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logging.NewComponentLogger(logger, "api-server"))
	return d, nil
}

func engineSettings(cfg *config.Config) pipeline.Settings {
	return pipeline.Settings{
		Enabled: map[pipeline.Stage]bool{
			pipeline.StageIdeator:        cfg.Pipeline.EnableIdeator,
			pipeline.StageComposer:       cfg.Pipeline.EnableComposer,
			pipeline.StageJudge:          cfg.Pipeline.EnableJudge,
			pipeline.StagePromptEngineer: cfg.Pipeline.EnablePromptEngineer,
			pipeline.StageReviewer:       cfg.Pipeline.EnableReviewer,
		},
		Models: map[pipeline.Stage]string{
			pipeline.StageIdeator:        cfg.Models.Ideator,
			pipeline.StageComposer:       cfg.Models.Composer,
			pipeline.StageJudge:          cfg.Models.Judge,
			pipeline.StagePromptEngineer: cfg.Models.PromptEngineer,
			pipeline.StageReviewer:       cfg.Models.Reviewer,
		},
		NumConcepts: cfg.Pipeline.NumConcepts,
	}
}

// Start acquires the daemon lock, requeues jobs interrupted by a previous
// shutdown, and launches the executor loop and API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another visionforge daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.ctlMu.Lock()
	d.runCtx = runCtx
	d.cancel = cancel
	d.ctlMu.Unlock()

	requeued, err := d.store.RequeueInterrupted(runCtx)
	if err != nil {
		_ = d.lock.Unlock()
		d.clearCancel()
		return fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	if requeued > 0 {
		d.logger.Info("requeued jobs interrupted by previous shutdown",
			logging.Int("count", requeued))
	}

	if err := d.api.start(runCtx); err != nil {
		_ = d.lock.Unlock()
		d.clearCancel()
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.executor.Run(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("visionforge daemon started",
		logging.String("lock", d.lockPath),
		logging.String("bind", d.cfg.Paths.APIBind))
	return nil
}

// Stop halts background processing and releases the daemon lock. The active
// generation job, if any, is left in generating status so the next start
// promotes it back to pending.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.clearCancel()
	d.engine.Cancel()
	d.wg.Wait()
	d.api.stop()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("visionforge daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if d.gallery != nil {
		errs = append(errs, d.gallery.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}

func (d *Daemon) clearCancel() {
	d.ctlMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.ctlMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RequestShutdown asks a running daemon to stop. It returns immediately; the
// daemon's owner observes Done and completes the teardown.
func (d *Daemon) RequestShutdown() {
	d.ctlMu.Lock()
	cancel := d.cancel
	d.ctlMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the daemon begins shutting down. It returns nil before
// the first Start.
func (d *Daemon) Done() <-chan struct{} {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	if d.runCtx == nil {
		return nil
	}
	return d.runCtx.Done()
}

// Queue exposes the job queue.
func (d *Daemon) Queue() *queue.Queue { return d.queue }

// Engine exposes the pipeline engine.
func (d *Daemon) Engine() *pipeline.Engine { return d.engine }

// Gallery exposes the artifact store.
func (d *Daemon) Gallery() *gallery.Store { return d.gallery }

// Bus exposes the event bus.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Addr returns the bound API address, or empty before Start.
func (d *Daemon) Addr() string { return d.api.addr() }

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}
	return Status{
		Running:        d.running.Load(),
		Paused:         d.queue.IsPaused(),
		PipelineActive: d.engine.Active(),
		QueueCounts:    byName,
		QueueDBPath:    d.cfg.QueueDBPath(),
		LockFilePath:   d.lockPath,
	}, nil
}

// ListModels returns the models available on the model server.
func (d *Daemon) ListModels(ctx context.Context) ([]ollama.Model, error) {
	return d.ollama.ListModels(ctx)
}

// WarmModel preloads a model on the model server with a minimal chat turn,
// so the next pipeline run skips the load delay.
func (d *Daemon) WarmModel(ctx context.Context, model string) error {
	if strings.TrimSpace(model) == "" {
		return errors.New("model name is required")
	}
	_, err := d.ollama.Chat(ctx, model, []ollama.Message{
		{Role: "user", Content: "Reply with the word ready."},
	}, false, ollama.StageOptions(8))
	return err
}

// FreeBackendMemory asks the generation backend to unload models and
// release VRAM.
func (d *Daemon) FreeBackendMemory(ctx context.Context) error {
	return d.comfy.FreeMemory(ctx)
}

// ServiceCheck reports reachability of one backing service.
type ServiceCheck struct {
	Endpoint  string `json:"endpoint"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// DoctorReport summarizes the health of the daemon's backing services.
type DoctorReport struct {
	Ollama       ServiceCheck       `json:"ollama"`
	Models       []ollama.Model     `json:"models,omitempty"`
	ComfyUI      ServiceCheck       `json:"comfyui"`
	BackendQueue *comfyui.QueueInfo `json:"backendQueue,omitempty"`
}

// Doctor checks the model server and the generation backend. Unreachable
// services are reported, never returned as errors.
func (d *Daemon) Doctor(ctx context.Context) DoctorReport {
	report := DoctorReport{
		Ollama:  ServiceCheck{Endpoint: d.ollama.Endpoint(), Reachable: true},
		ComfyUI: ServiceCheck{Endpoint: d.comfy.Endpoint(), Reachable: true},
	}

	if err := d.ollama.Health(ctx); err != nil {
		report.Ollama.Reachable = false
		report.Ollama.Error = err.Error()
	} else if models, err := d.ollama.ListModels(ctx); err == nil {
		report.Models = models
	}

	if err := d.comfy.Health(ctx); err != nil {
		report.ComfyUI.Reachable = false
		report.ComfyUI.Error = err.Error()
	} else if info, err := d.comfy.QueueStatus(ctx); err == nil {
		report.BackendQueue = &info
	}
	return report
}

// TestNotification sends a test message through the configured notifier.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if d.cfg.Notifications.NtfyTopic == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// DefaultSettings returns the generation settings applied to jobs that do not
// override them.
func (d *Daemon) DefaultSettings() queue.GenerationSettings {
	gen := d.cfg.Generation
	return queue.GenerationSettings{
		Checkpoint: gen.Checkpoint,
		Width:      gen.Width,
		Height:     gen.Height,
		Steps:      gen.Steps,
		CFG:        gen.CFG,
		Sampler:    gen.Sampler,
		Scheduler:  gen.Scheduler,
		Seed:       -1,
		BatchSize:  gen.BatchSize,
	}
}
