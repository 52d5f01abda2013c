package pipeline

import (
	"strings"
	"sync"
	"time"

	"visionforge/internal/events"
)

const flushInterval = 120 * time.Millisecond

// coalescer batches streamed tokens into periodic stage_token events so the
// bus is never flooded by per-token publishes. Appends and flushes may run
// concurrently; the accumulator is read-and-cleared under the lock.
type coalescer struct {
	bus   *events.Bus
	stage Stage

	mu  sync.Mutex
	buf strings.Builder

	stop chan struct{}
	done chan struct{}
}

func newCoalescer(bus *events.Bus, stage Stage) *coalescer {
	c := &coalescer{
		bus:   bus,
		stage: stage,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *coalescer) loop() {
	defer close(c.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stop:
			return
		}
	}
}

// Append buffers one streamed token.
func (c *coalescer) Append(token string) {
	c.mu.Lock()
	c.buf.WriteString(token)
	c.mu.Unlock()
}

func (c *coalescer) flush() {
	c.mu.Lock()
	chunk := c.buf.String()
	c.buf.Reset()
	c.mu.Unlock()
	if chunk == "" {
		return
	}
	c.bus.Publish(events.TopicStageToken, events.StageToken{
		Stage: string(c.stage),
		Token: chunk,
	})
}

// Stop ends the flush loop and drains any buffered tokens. Callers invoke it
// before publishing stage_complete so no token is lost or duplicated.
func (c *coalescer) Stop() {
	close(c.stop)
	<-c.done
	c.flush()
}
