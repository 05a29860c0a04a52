package subscription

import (
	"context"
	"testing"
	"time"

	"durably/internal/events"
	"durably/internal/store"
)

type fakeStorage struct {
	run store.Run
}

func (f *fakeStorage) GetRun(context.Context, string) (store.Run, error) {
	return f.run, nil
}

func TestNewSynthesizesTerminalEventWhenAlreadyDone(t *testing.T) {
	t.Parallel()

	storage := &fakeStorage{run: store.Run{ID: "r1", JobName: "echo", Status: store.StatusCompleted, Output: []byte(`{"sum":42}`)}}
	bus := events.NewHub()

	s, err := New(context.Background(), storage, bus, "r1", 8)
	if err != nil {
		t.Fatal(err)
	}

	evt, ok := <-s.Events()
	if !ok {
		t.Fatal("expected synthesized event, channel closed immediately")
	}
	if evt.Type != events.TypeRunComplete {
		t.Errorf("Type = %s, want run:complete", evt.Type)
	}

	if _, ok := <-s.Events(); ok {
		t.Error("expected channel to close after the synthesized event")
	}
}

func TestNewForwardsLiveEventsUntilTerminal(t *testing.T) {
	t.Parallel()

	storage := &fakeStorage{run: store.Run{ID: "r1", JobName: "echo", Status: store.StatusRunning}}
	bus := events.NewHub()

	s, err := New(context.Background(), storage, bus, "r1", 8)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	bus.Publish(events.New(events.TypeStepStart, "r1", map[string]any{"step_name": "a"}))
	bus.Publish(events.New(events.TypeRunComplete, "r1", map[string]any{}))

	var types []events.Type
	for evt := range s.Events() {
		types = append(types, evt.Type)
	}

	if len(types) != 2 || types[0] != events.TypeStepStart || types[1] != events.TypeRunComplete {
		t.Fatalf("events = %v", types)
	}
}

func TestCloseUnsubscribesAndStopsForwarding(t *testing.T) {
	t.Parallel()

	storage := &fakeStorage{run: store.Run{ID: "r1", Status: store.StatusRunning}}
	bus := events.NewHub()

	s, err := New(context.Background(), storage, bus, "r1", 8)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close() // must be safe to call twice

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("expected no more events after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed after Close")
	}
}
