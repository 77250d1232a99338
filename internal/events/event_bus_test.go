package events_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/events"
	"go.uber.org/zap"
)

func TestBus_DeliversInOrderToMatchingSubscribers(t *testing.T) {
	bus := events.NewBus(zap.NewNop())

	all := &events.Recorder{}
	stops := &events.Recorder{}
	bus.SubscribeAll(all.Handle)
	bus.Subscribe(events.KindStopRaised, stops.Handle)

	now := time.Date(2024, 3, 4, 11, 30, 0, 0, time.UTC)
	bus.Publish(events.New(events.KindWeekOpened, now, nil))
	bus.Publish(events.New(events.KindStopRaised, now.Add(time.Minute), map[string]any{"symbol": "AAPL"}))
	bus.Publish(events.New(events.KindWeekClosed, now.Add(2*time.Minute), nil))

	got := all.Events()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	want := []events.Kind{events.KindWeekOpened, events.KindStopRaised, events.KindWeekClosed}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("event %d: got %s, want %s", i, got[i].Kind, k)
		}
	}
	if n := len(stops.Events()); n != 1 {
		t.Errorf("expected 1 stop event, got %d", n)
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Error("events should carry unique IDs")
	}
}

func TestBus_HandlerFailuresAreIsolated(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	rec := &events.Recorder{}

	bus.SubscribeAll(func(events.Event) error { panic("bad handler") })
	bus.SubscribeAll(func(events.Event) error { return errors.New("failed") })
	bus.SubscribeAll(rec.Handle)

	bus.Publish(events.New(events.KindSafetyViolation, time.Now(), nil))

	if len(rec.Events()) != 1 {
		t.Fatal("healthy subscriber should still receive the event")
	}
	stats := bus.GetStats()
	if stats.HandlerErrors != 2 {
		t.Errorf("expected 2 handler errors, got %d", stats.HandlerErrors)
	}
	if stats.EventsPublished != 1 {
		t.Errorf("expected 1 published, got %d", stats.EventsPublished)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	rec := &events.Recorder{}
	sub := bus.SubscribeAll(rec.Handle)

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	bus.Publish(events.New(events.KindWeekOpened, time.Now(), nil))

	if len(rec.Events()) != 0 {
		t.Error("unsubscribed handler received an event")
	}
	if sub.IsActive() {
		t.Error("subscription should be inactive")
	}
	if n := bus.GetStats().ActiveSubscribers; n != 0 {
		t.Errorf("expected 0 active subscribers, got %d", n)
	}
}
