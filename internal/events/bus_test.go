package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishAssignsIncreasingSequences(t *testing.T) {
	bus := NewBus(16)
	bus.Publish(TopicJobStarted, JobStarted{JobID: "a"})
	bus.Publish(TopicJobProgress, JobProgress{JobID: "a", CurrentStep: 1, TotalSteps: 10})

	evts, next, err := bus.Fetch(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("got %d events", len(evts))
	}
	if evts[0].Sequence != 1 || evts[1].Sequence != 2 {
		t.Fatalf("sequences = %d, %d", evts[0].Sequence, evts[1].Sequence)
	}
	if next != 2 {
		t.Fatalf("next = %d", next)
	}
}

func TestFetchSinceSkipsDelivered(t *testing.T) {
	bus := NewBus(16)
	for i := 0; i < 5; i++ {
		bus.Publish(TopicJobStarted, JobStarted{JobID: "x"})
	}
	evts, _, err := bus.Fetch(context.Background(), 3, 0, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(evts) != 2 || evts[0].Sequence != 4 {
		t.Fatalf("unexpected events: %+v", evts)
	}
}

func TestFetchWaitWakesOnPublish(t *testing.T) {
	bus := NewBus(16)

	var wg sync.WaitGroup
	wg.Add(1)
	var got []Event
	go func() {
		defer wg.Done()
		evts, _, err := bus.Fetch(context.Background(), 0, 0, true)
		if err != nil {
			t.Errorf("fetch: %v", err)
		}
		got = evts
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(TopicJobCompleted, JobCompleted{JobID: "j", ArtifactID: "a"})
	wg.Wait()

	if len(got) != 1 || got[0].Topic != TopicJobCompleted {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestFetchWaitHonorsContext(t *testing.T) {
	bus := NewBus(16)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := bus.Fetch(ctx, 0, 0, true)
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestRingDropsOldest(t *testing.T) {
	bus := NewBus(4)
	for i := 0; i < 10; i++ {
		bus.Publish(TopicStageToken, StageToken{Stage: "ideator"})
	}
	evts, _, err := bus.Fetch(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(evts) != 4 {
		t.Fatalf("buffer holds %d, want 4", len(evts))
	}
	if evts[0].Sequence != 7 || evts[3].Sequence != 10 {
		t.Fatalf("expected newest four, got %d..%d", evts[0].Sequence, evts[3].Sequence)
	}
}

func TestSubscribeFiltersTopics(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(8, TopicJobCompleted)
	defer sub.Close()

	bus.Publish(TopicJobStarted, JobStarted{JobID: "j"})
	bus.Publish(TopicJobCompleted, JobCompleted{JobID: "j", ArtifactID: "a"})

	select {
	case evt := <-sub.Events():
		if evt.Topic != TopicJobCompleted {
			t.Fatalf("got topic %s", evt.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case evt, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected second event: %+v", evt)
		}
	default:
	}
}

func TestSubscriberOverflowDropsOldestNotPublisher(t *testing.T) {
	bus := NewBus(64)
	sub := bus.Subscribe(2)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(TopicStageToken, StageToken{Stage: "ideator", Token: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// Whatever remains must be the newest events.
	var last uint64
	for {
		select {
		case evt := <-sub.Events():
			if evt.Sequence <= last {
				t.Fatalf("out of order delivery: %d after %d", evt.Sequence, last)
			}
			last = evt.Sequence
			continue
		default:
		}
		break
	}
	if last != 50 {
		t.Fatalf("newest event %d not delivered, want 50", last)
	}
}
