package events

import (
	"context"
	"sync"
	"time"
)

// Topic identifies an event stream.
type Topic string

// Topics published by the pipeline engine and the queue executor.
const (
	TopicStageStart    Topic = "pipeline:stage_start"
	TopicStageToken    Topic = "pipeline:stage_token"
	TopicStageComplete Topic = "pipeline:stage_complete"

	TopicJobStarted   Topic = "queue:job_started"
	TopicJobProgress  Topic = "queue:job_progress"
	TopicJobCompleted Topic = "queue:job_completed"
	TopicJobFailed    Topic = "queue:job_failed"
	TopicJobCancelled Topic = "queue:job_cancelled"
)

// Event is one published notification.
type Event struct {
	Sequence  uint64    `json:"seq"`
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload"`
}

// Subscription delivers matching events over a buffered channel. When the
// buffer is full the oldest undelivered event is dropped, never the publisher
// blocked.
type Subscription struct {
	bus    *Bus
	topics map[Topic]struct{}
	ch     chan Event
	once   sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

func (s *Subscription) wants(topic Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus is the process-wide publish mechanism. It keeps a bounded ring of
// recent events for long-poll consumers and fans out to channel subscribers.
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []Event
	nextSeq  uint64
	subs     map[*Subscription]struct{}
}

const defaultCapacity = 1024

// NewBus constructs a bus retaining up to capacity recent events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	b := &Bus{capacity: capacity, subs: make(map[*Subscription]struct{})}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends an event and wakes waiters. It never blocks on consumers.
func (b *Bus) Publish(topic Topic, payload any) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.nextSeq++
	evt := Event{
		Sequence:  b.nextSeq,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if len(b.buffer) == b.capacity {
		copy(b.buffer, b.buffer[1:])
		b.buffer = b.buffer[:b.capacity-1]
	}
	b.buffer = append(b.buffer, evt)

	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		for {
			select {
			case sub.ch <- evt:
			default:
				// Drop the oldest buffered event and retry once; token
				// events are high-frequency and coalesced upstream.
				select {
				case <-sub.ch:
					continue
				default:
				}
			}
			break
		}
	}

	b.cond.Broadcast()
	b.mu.Unlock()
}

// Subscribe registers a channel consumer for the given topics. An empty
// topic list subscribes to everything.
func (b *Bus) Subscribe(buffer int, topics ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{bus: b, ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Fetch returns buffered events with sequence greater than since. When wait
// is true and nothing is available, Fetch blocks until an event arrives or
// the context ends.
func (b *Bus) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]Event, uint64, error) {
	if b == nil {
		return nil, since, nil
	}
	if limit <= 0 || limit > b.capacity {
		limit = b.capacity
	}

	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.cond.Broadcast()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		events, next := b.snapshotLocked(since, limit)
		if len(events) > 0 || !wait {
			return events, next, contextError(ctx)
		}
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
		b.cond.Wait()
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
	}
}

func (b *Bus) snapshotLocked(since uint64, limit int) ([]Event, uint64) {
	if len(b.buffer) == 0 || b.buffer[len(b.buffer)-1].Sequence <= since {
		return nil, b.nextSeq
	}
	startIdx := len(b.buffer)
	for i, evt := range b.buffer {
		if evt.Sequence > since {
			startIdx = i
			break
		}
	}
	end := startIdx + limit
	if end > len(b.buffer) {
		end = len(b.buffer)
	}
	out := make([]Event, end-startIdx)
	copy(out, b.buffer[startIdx:end])
	return out, b.nextSeq
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
