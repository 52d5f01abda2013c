package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"visionforge/internal/events"
	"visionforge/internal/logging"
)

// Interrupter aborts the in-flight backend call for the named job. The
// executor registers itself here so generating-job cancellation can reach
// the backend. Returns false when the job is not the active one.
type Interrupter interface {
	InterruptActive(ctx context.Context, jobID string) (bool, error)
}

// Queue is the process-wide job collection: persisted ordering plus the
// in-memory paused flag and executor wake signal.
type Queue struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	paused    bool
	interrupt Interrupter

	wake chan struct{}
}

// NewQueue wraps a store with queue semantics. A nil logger disables logging.
func NewQueue(store *Store, bus *events.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Queue{
		store:  store,
		bus:    bus,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Store exposes the underlying persistence layer.
func (q *Queue) Store() *Store { return q.store }

// SetInterrupter registers the executor's interrupt hook.
func (q *Queue) SetInterrupter(i Interrupter) {
	q.mu.Lock()
	q.interrupt = i
	q.mu.Unlock()
}

// Wake returns the channel the executor idles on. It receives a signal
// whenever queue state changes in a way that may produce runnable work.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue persists a new pending job and wakes the executor.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.PositivePrompt == "" {
		return "", fmt.Errorf("enqueue: positive prompt is required")
	}
	job.Status = StatusPending
	if err := q.store.Insert(ctx, job); err != nil {
		return "", err
	}
	q.logger.Info("job enqueued",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("priority", job.Priority.String()))
	q.notify()
	return job.ID, nil
}

// List returns all jobs in execution order.
func (q *Queue) List(ctx context.Context) ([]*Job, error) {
	return q.store.List(ctx)
}

// Get fetches one job.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.GetByID(ctx, id)
}

// Reorder moves a pending job to a new priority tier, placing it after the
// tier's existing members.
func (q *Queue) Reorder(ctx context.Context, id string, priority Priority) error {
	if err := q.store.Reorder(ctx, id, priority); err != nil {
		return err
	}
	q.logger.Info("job reordered",
		logging.String(logging.FieldJobID, id),
		logging.String("priority", priority.String()))
	q.notify()
	return nil
}

// Cancel terminates a job. Pending jobs transition immediately; generating
// jobs have their backend call interrupted first, and the executor records
// the terminal state once the interrupt lands.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	job, err := q.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	switch job.Status {
	case StatusPending:
		changed, err := q.store.MarkCancelled(ctx, id, time.Now().UTC())
		if err != nil {
			return err
		}
		if changed {
			q.bus.Publish(events.TopicJobCancelled, events.JobCancelled{JobID: id})
			q.logger.Info("job cancelled", logging.String(logging.FieldJobID, id))
		}
		q.notify()
		return nil
	case StatusGenerating:
		q.mu.Lock()
		interrupt := q.interrupt
		q.mu.Unlock()
		if interrupt != nil {
			handled, err := interrupt.InterruptActive(ctx, id)
			if err != nil {
				return fmt.Errorf("interrupt job %s: %w", id, err)
			}
			if handled {
				return nil
			}
		}
		// Not actually running anywhere (stale state): finalize directly.
		changed, err := q.store.MarkCancelled(ctx, id, time.Now().UTC())
		if err != nil {
			return err
		}
		if changed {
			q.bus.Publish(events.TopicJobCancelled, events.JobCancelled{JobID: id})
		}
		return nil
	default:
		return fmt.Errorf("cancel job %s: already %s", id, job.Status)
	}
}

// Pause stops the executor from claiming new jobs. The in-flight job, if
// any, is unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("queue paused")
}

// Resume allows the executor to claim jobs again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("queue resumed")
	q.notify()
}

// IsPaused reports the paused flag.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// NextRunnable returns the next job the executor should claim, or nil when
// the queue is paused or empty.
func (q *Queue) NextRunnable(ctx context.Context) (*Job, error) {
	if q.IsPaused() {
		return nil, nil
	}
	return q.store.NextRunnable(ctx)
}
