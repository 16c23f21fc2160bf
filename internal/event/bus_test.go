package event

import (
	"testing"
	"time"
)

func drainOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBus_SubscribePublish(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(KindProgress, ProgressPayload{Percent: 50, Message: "halfway"})

	ev := drainOne(t, ch)
	if ev.Kind != KindProgress {
		t.Fatalf("expected KindProgress, got %v", ev.Kind)
	}
	payload, ok := ev.Payload.(ProgressPayload)
	if !ok || payload.Percent != 50 {
		t.Fatalf("unexpected payload: %#v", ev.Payload)
	}
}

func TestBus_InOrderDelivery(t *testing.T) {
	bus := NewBus(8)
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(KindProgress, ProgressPayload{Percent: i * 10})
	}

	for i := 0; i < 5; i++ {
		ev := drainOne(t, ch)
		p := ev.Payload.(ProgressPayload)
		if p.Percent != i*10 {
			t.Fatalf("expected %d, got %d (out of order)", i*10, p.Percent)
		}
	}
}

func TestBus_DropOldestOnFullEmitsLagged(t *testing.T) {
	bus := NewBus(2)
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Fill the 2-slot queue, then publish a 3rd: it must evict the
	// oldest and leave room for a Lagged marker ahead of the survivor.
	bus.Publish(KindProgress, ProgressPayload{Percent: 1})
	bus.Publish(KindProgress, ProgressPayload{Percent: 2})
	bus.Publish(KindProgress, ProgressPayload{Percent: 3})

	first := drainOne(t, ch)
	if first.Kind != KindLagged {
		t.Fatalf("expected KindLagged as the first surviving event, got %v", first.Kind)
	}
	lagged := first.Payload.(LaggedPayload)
	if lagged.Dropped != 1 {
		t.Fatalf("expected 1 dropped event, got %d", lagged.Dropped)
	}

	second := drainOne(t, ch)
	p := second.Payload.(ProgressPayload)
	if p.Percent != 3 {
		t.Fatalf("expected the newest event (3) to survive, got %d", p.Percent)
	}
}

func TestBus_MultipleSubscribersIndependent(t *testing.T) {
	bus := NewBus(4)
	chA, cancelA := bus.Subscribe()
	defer cancelA()
	chB, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Publish(KindReset, ResetPayload{})

	evA := drainOne(t, chA)
	evB := drainOne(t, chB)
	if evA.Kind != KindReset || evB.Kind != KindReset {
		t.Fatalf("both subscribers should see the reset event")
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestBus_History(t *testing.T) {
	bus := NewBus(4)
	bus.Publish(KindProgress, ProgressPayload{Percent: 1})
	bus.Publish(KindProgress, ProgressPayload{Percent: 2})
	bus.Publish(KindProgress, ProgressPayload{Percent: 3})

	all := bus.History(0)
	if len(all) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(all))
	}

	last2 := bus.History(2)
	if len(last2) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(last2))
	}
	if last2[1].Payload.(ProgressPayload).Percent != 3 {
		t.Fatalf("expected last entry to be the most recent publish")
	}
}

func TestBus_CloseClosesAllSubscribers(t *testing.T) {
	bus := NewBus(4)
	ch, _ := bus.Subscribe()

	if err := bus.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed")
	}

	// Publish after close must be a no-op, not a panic.
	bus.Publish(KindReset, ResetPayload{})
}

func TestBus_NoSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus(4)
	bus.Publish(KindReset, ResetPayload{})
}
