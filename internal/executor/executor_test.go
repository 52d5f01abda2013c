package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"visionforge/internal/config"
	"visionforge/internal/events"
	"visionforge/internal/gallery"
	"visionforge/internal/queue"
	"visionforge/internal/services"
	"visionforge/internal/services/comfyui"
	"visionforge/internal/testsupport"
)

type fakeBackend struct {
	mu         sync.Mutex
	submitErr  error
	waitErr    error
	waitBlocks bool
	progress   [][2]int
	refs       []comfyui.ImageRef
	artifact   []byte
	interrupts int
	active     int
	maxActive  int
}

func (f *fakeBackend) SubmitWorkflow(ctx context.Context, wf comfyui.Workflow) (string, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	err := f.submitErr
	f.mu.Unlock()
	if err != nil {
		f.done()
		return "", err
	}
	return "prompt-1", nil
}

func (f *fakeBackend) WaitForCompletion(ctx context.Context, promptID string, onProgress comfyui.ProgressFunc) error {
	f.mu.Lock()
	blocks := f.waitBlocks
	progress := f.progress
	err := f.waitErr
	f.mu.Unlock()

	if blocks {
		<-ctx.Done()
		f.done()
		return ctx.Err()
	}
	for _, p := range progress {
		if onProgress != nil {
			onProgress(p[0], p[1])
		}
	}
	if err != nil {
		f.done()
		return err
	}
	return nil
}

func (f *fakeBackend) History(ctx context.Context, promptID string) ([]comfyui.ImageRef, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.refs) == 0 {
		return nil, true, nil
	}
	return f.refs, true, nil
}

func (f *fakeBackend) FetchArtifact(ctx context.Context, ref comfyui.ImageRef) ([]byte, error) {
	defer f.done()
	return f.artifact, nil
}

func (f *fakeBackend) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Endpoint() string { return "http://comfy.test:8188" }

func (f *fakeBackend) done() {
	f.mu.Lock()
	if f.active > 0 {
		f.active--
	}
	f.mu.Unlock()
}

type fakeArtifacts struct {
	mu    sync.Mutex
	saved []gallery.Artifact
}

func (f *fakeArtifacts) Save(ctx context.Context, meta gallery.Artifact, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, meta)
	return fmt.Sprintf("artifact-%d", len(f.saved)), nil
}

func testJob(prompt string, priority queue.Priority) *queue.Job {
	return &queue.Job{
		Priority:       priority,
		PositivePrompt: prompt,
		NegativePrompt: "lowres",
		Settings: queue.GenerationSettings{
			Checkpoint: "dreamshaper_8.safetensors",
			Width:      512, Height: 768, Steps: 25, CFG: 7.5,
			Sampler: "dpmpp_2m", Scheduler: "karras", Seed: 7, BatchSize: 1,
		},
	}
}

type harness struct {
	cfg       *config.Config
	queue     *queue.Queue
	bus       *events.Bus
	backend   *fakeBackend
	artifacts *fakeArtifacts
	executor  *Executor
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.QueuePollInterval = 1
	if mutate != nil {
		mutate(cfg)
	}
	store := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus(256)
	q := queue.NewQueue(store, bus, nil)
	backend := &fakeBackend{
		progress: [][2]int{{5, 25}, {25, 25}},
		refs:     []comfyui.ImageRef{{Filename: "out.png", Type: "output"}},
		artifact: []byte{0x89, 'P', 'N', 'G'},
	}
	artifacts := &fakeArtifacts{}
	exec := New(cfg, q, backend, artifacts, bus, nil, nil, nil)
	return &harness{cfg: cfg, queue: q, bus: bus, backend: backend, artifacts: artifacts, executor: exec}
}

func waitForStatus(t *testing.T, q *queue.Queue, id string, want queue.Status) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := q.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s, still %s", id, want, job.Status)
	return nil
}

func TestExecutorCompletesJobWithOrderedEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.executor.Run(ctx)

	id, err := h.queue.Enqueue(ctx, testJob("a castle", queue.PriorityNormal))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForStatus(t, h.queue, id, queue.StatusCompleted)
	if job.ResultArtifactID != "artifact-1" {
		t.Fatalf("artifact id = %q", job.ResultArtifactID)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatalf("timestamps missing: %+v", job)
	}
	if len(h.artifacts.saved) != 1 || h.artifacts.saved[0].JobID != id {
		t.Fatalf("artifact not saved for job: %+v", h.artifacts.saved)
	}

	evts, _, err := h.bus.Fetch(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatalf("fetch events: %v", err)
	}
	var sequence []events.Topic
	for _, evt := range evts {
		switch evt.Topic {
		case events.TopicJobStarted, events.TopicJobProgress, events.TopicJobCompleted:
			sequence = append(sequence, evt.Topic)
		}
	}
	if len(sequence) < 3 {
		t.Fatalf("expected started/progress/completed, got %v", sequence)
	}
	if sequence[0] != events.TopicJobStarted {
		t.Fatalf("first event = %s", sequence[0])
	}
	if sequence[len(sequence)-1] != events.TopicJobCompleted {
		t.Fatalf("last event = %s", sequence[len(sequence)-1])
	}
	for _, topic := range sequence[1 : len(sequence)-1] {
		if topic != events.TopicJobProgress {
			t.Fatalf("interior event = %s, want progress", topic)
		}
	}
}

func TestExecutorUnreachableBackendFailsJobWithEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.submitErr = services.Unreachable("comfyui", h.backend.Endpoint(), errors.New("connection refused"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.executor.Run(ctx)

	id, err := h.queue.Enqueue(ctx, testJob("doomed", queue.PriorityNormal))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForStatus(t, h.queue, id, queue.StatusFailed)
	if !strings.Contains(job.ErrorMessage, "http://comfy.test:8188") {
		t.Fatalf("failure message must name the endpoint: %q", job.ErrorMessage)
	}

	evts, _, _ := h.bus.Fetch(context.Background(), 0, 0, false)
	found := false
	for _, evt := range evts {
		if evt.Topic == events.TopicJobFailed {
			payload := evt.Payload.(events.JobFailed)
			if payload.JobID == id && strings.Contains(payload.Error, "8188") {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("job_failed event with endpoint not published")
	}
}

func TestExecutorCancelGeneratingInterruptsBackend(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.waitBlocks = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.executor.Run(ctx)

	id, err := h.queue.Enqueue(ctx, testJob("long running", queue.PriorityNormal))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitForStatus(t, h.queue, id, queue.StatusGenerating)

	if err := h.queue.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitForStatus(t, h.queue, id, queue.StatusCancelled)

	h.backend.mu.Lock()
	interrupts := h.backend.interrupts
	h.backend.mu.Unlock()
	if interrupts != 1 {
		t.Fatalf("backend interrupts = %d, want 1", interrupts)
	}

	evts, _, _ := h.bus.Fetch(context.Background(), 0, 0, false)
	found := false
	for _, evt := range evts {
		if evt.Topic == events.TopicJobCancelled && evt.Payload.(events.JobCancelled).JobID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("job_cancelled event not published")
	}
}

func TestExecutorRunsJobsOneAtATime(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.executor.Run(ctx)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := h.queue.Enqueue(ctx, testJob(fmt.Sprintf("job %d", i), queue.PriorityNormal))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, h.queue, id, queue.StatusCompleted)
	}

	h.backend.mu.Lock()
	maxActive := h.backend.maxActive
	h.backend.mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("max concurrent generations = %d, want 1", maxActive)
	}
}

func TestExecutorHonorsPriorityOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lowID, _ := h.queue.Enqueue(ctx, testJob("low", queue.PriorityLow))
	highID, _ := h.queue.Enqueue(ctx, testJob("high", queue.PriorityHigh))

	go h.executor.Run(ctx)
	h.queue.Resume()

	waitForStatus(t, h.queue, lowID, queue.StatusCompleted)
	waitForStatus(t, h.queue, highID, queue.StatusCompleted)

	high, _ := h.queue.Get(ctx, highID)
	low, _ := h.queue.Get(ctx, lowID)
	if !high.CompletedAt.Before(*low.CompletedAt) && !high.CompletedAt.Equal(*low.CompletedAt) {
		t.Fatalf("high job finished at %v, after low at %v", high.CompletedAt, low.CompletedAt)
	}
	if h.artifacts.saved[0].PositivePrompt != "high" {
		t.Fatalf("first generated prompt = %q, want high", h.artifacts.saved[0].PositivePrompt)
	}
}

func TestExecutorPausedQueueClaimsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.executor.Run(ctx)

	id, err := h.queue.Enqueue(ctx, testJob("held", queue.PriorityNormal))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	job, _ := h.queue.Get(ctx, id)
	if job.Status != queue.StatusPending {
		t.Fatalf("paused queue ran a job: %s", job.Status)
	}

	h.queue.Resume()
	waitForStatus(t, h.queue, id, queue.StatusCompleted)
}

func TestExecutorNoImagesFails(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.refs = nil

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.executor.Run(ctx)

	id, _ := h.queue.Enqueue(ctx, testJob("empty", queue.PriorityNormal))
	job := waitForStatus(t, h.queue, id, queue.StatusFailed)
	if !strings.Contains(job.ErrorMessage, "no images") {
		t.Fatalf("failure message = %q", job.ErrorMessage)
	}
}

func TestExecutorRecordsResolvedSeed(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.executor.Run(ctx)

	job := testJob("surprise me", queue.PriorityNormal)
	job.Settings.Seed = -1
	id, err := h.queue.Enqueue(ctx, job)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := waitForStatus(t, h.queue, id, queue.StatusCompleted)
	if done.Settings.Seed < 0 {
		t.Fatalf("job settings kept the placeholder seed %d", done.Settings.Seed)
	}

	h.artifacts.mu.Lock()
	saved := append([]gallery.Artifact(nil), h.artifacts.saved...)
	h.artifacts.mu.Unlock()
	if len(saved) != 1 {
		t.Fatalf("saved %d artifacts, want 1", len(saved))
	}
	if saved[0].Seed != done.Settings.Seed {
		t.Fatalf("artifact seed %d differs from job seed %d", saved[0].Seed, done.Settings.Seed)
	}
}

func TestExecutorCooldownBetweenBursts(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Hardware.MaxConsecutiveGenerations = 1
		cfg.Hardware.CooldownSeconds = 1
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.executor.Run(ctx)

	start := time.Now()
	first, _ := h.queue.Enqueue(ctx, testJob("first", queue.PriorityNormal))
	second, _ := h.queue.Enqueue(ctx, testJob("second", queue.PriorityNormal))

	waitForStatus(t, h.queue, first, queue.StatusCompleted)
	waitForStatus(t, h.queue, second, queue.StatusCompleted)

	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("second job ran without cooldown, elapsed %v", elapsed)
	}
}
