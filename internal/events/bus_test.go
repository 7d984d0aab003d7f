package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventPositionOpened, func(ev Event) { got <- ev })

	bus.PublishPositionOpened("BTCUSDT", "pos-1", "LONG", 50000, 0.5)

	select {
	case ev := <-got:
		if ev.Symbol != "BTCUSDT" || ev.Data["position_id"] != "pos-1" {
			t.Errorf("event = %+v, want the published position", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("publish must stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestSubscriberOnlySeesItsType(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventCircuitTripped, func(ev Event) { got <- ev })

	bus.PublishPositionOpened("BTCUSDT", "pos-1", "LONG", 50000, 0.5)

	select {
	case ev := <-got:
		t.Fatalf("received %v, want nothing for an unrelated type", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var seen []Type
	done := make(chan struct{}, 3)
	bus.SubscribeAll(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.PublishCircuitTripped("ws errors")
	bus.PublishCircuitRecovered()
	bus.PublishEmergencyStop("daily loss limit", -5.2)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("catch-all subscriber missed an event")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("saw %d events, want 3", len(seen))
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	bus.Subscribe(EventSignalGenerated, func(Event) { <-release })

	start := time.Now()
	bus.Publish(Event{Type: EventSignalGenerated})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Publish blocked for %v on a stuck subscriber", elapsed)
	}
	close(release)
}
