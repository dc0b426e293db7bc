package events

import (
	"testing"
	"time"
)

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus(4)
	done := make(chan struct{})
	go func() {
		// No consumer at all: far more events than the buffer holds.
		for i := 0; i < 1000; i++ {
			bus.Publish(ProgressEvent{Step: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked with a full buffer and no consumer")
	}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 10; i++ {
		bus.Publish(ProgressEvent{Step: i})
	}
	bus.Close()

	var got []int
	for ev := range bus.Events() {
		got = append(got, ev.Step)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(got))
	}
	// The survivors are the most recent events, still in order.
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("events out of order: %v", got)
		}
	}
	if got[len(got)-1] != 9 {
		t.Fatalf("newest event must survive, got %v", got)
	}
}

func TestOrderingPreserved(t *testing.T) {
	bus := NewBus(100)
	for i := 0; i < 50; i++ {
		bus.Publish(ProgressEvent{Step: i})
	}
	bus.Close()

	prev := -1
	for ev := range bus.Events() {
		if ev.Step <= prev {
			t.Fatalf("step %d arrived after %d", ev.Step, prev)
		}
		prev = ev.Step
	}
	if prev != 49 {
		t.Fatalf("last event step %d, want 49", prev)
	}
}

func TestMinimumBufferSize(t *testing.T) {
	bus := NewBus(0)
	bus.Publish(ProgressEvent{Step: 1})
	bus.Publish(ProgressEvent{Step: 2})
	bus.Close()
	ev, ok := <-bus.Events()
	if !ok || ev.Step != 2 {
		t.Fatalf("expected the newest event to survive, got %+v ok=%v", ev, ok)
	}
}

func TestOptionalLossFields(t *testing.T) {
	ev := ProgressEvent{TrainLoss: F(2.5)}
	if ev.TrainLoss == nil || *ev.TrainLoss != 2.5 {
		t.Fatal("F should wrap the value")
	}
	if ev.ValLoss != nil {
		t.Fatal("unset loss must stay nil")
	}
}
