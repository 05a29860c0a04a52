package stepctx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"durably/internal/errkind"
	"durably/internal/events"
	"durably/internal/store"
)

type fakeStorage struct {
	mu     sync.Mutex
	steps  []store.Step
	run    store.Run
	logs   []string
	nextID int64
}

func (f *fakeStorage) InsertStep(_ context.Context, runID, name string, index int, status store.StepStatus, output []byte, errMsg string, started, completed time.Time) (store.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	st := store.Step{ID: f.nextID, RunID: runID, Name: name, Index: index, Status: status, Output: output, Error: errMsg, StartedAt: started, CompletedAt: completed}
	f.steps = append(f.steps, st)
	return st, nil
}

func (f *fakeStorage) UpdateProgress(context.Context, string, store.Progress) error { return nil }

func (f *fakeStorage) InsertLog(_ context.Context, _ string, stepName string, _ store.LogLevel, message string, _ []byte, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, stepName+":"+message)
	return nil
}

func (f *fakeStorage) GetRun(context.Context, string) (store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run, nil
}

func TestRunExecutesOnceAndCaches(t *testing.T) {
	t.Parallel()

	storage := &fakeStorage{run: store.Run{Status: store.StatusRunning}}
	bus := events.NewHub()
	sc := New(context.Background(), storage, bus, "r1", "echo", nil, false)

	calls := 0
	value, err := Run(sc, "a", func() (int, error) {
		calls++
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if value != 1 || calls != 1 {
		t.Fatalf("value=%d calls=%d, want 1, 1", value, calls)
	}
	if len(storage.steps) != 1 {
		t.Fatalf("persisted %d steps, want 1", len(storage.steps))
	}
}

func TestRunReplaysWithoutInvokingFn(t *testing.T) {
	t.Parallel()

	storage := &fakeStorage{run: store.Run{Status: store.StatusRunning}}
	bus := events.NewHub()

	cached := []store.Step{{Name: "a", Index: 0, Status: store.StepCompleted, Output: []byte("41")}}
	sc := New(context.Background(), storage, bus, "r1", "echo", cached, false)

	ch, unsubscribe := bus.SubscribeRun("r1", 8)
	t.Cleanup(unsubscribe)

	calls := 0
	value, err := Run(sc, "a", func() (int, error) {
		calls++
		return 99, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if value != 41 {
		t.Fatalf("value = %d, want cached 41", value)
	}
	if calls != 0 {
		t.Fatalf("fn invoked %d times during replay, want 0", calls)
	}
	if len(storage.steps) != 0 {
		t.Fatalf("replay persisted %d new steps, want 0", len(storage.steps))
	}

	// Replay still emits step:start then step:complete (Design Note §9).
	first := <-ch
	second := <-ch
	if first.Type != events.TypeStepStart || second.Type != events.TypeStepComplete {
		t.Fatalf("events = %s, %s; want step:start, step:complete", first.Type, second.Type)
	}
}

func TestRunPropagatesStepFailure(t *testing.T) {
	t.Parallel()

	storage := &fakeStorage{run: store.Run{Status: store.StatusRunning}}
	bus := events.NewHub()
	sc := New(context.Background(), storage, bus, "r1", "flaky", nil, false)

	boom := errors.New("boom")
	_, err := Run(sc, "b", func() (int, error) {
		return 0, boom
	})

	var failure *StepFailure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want *StepFailure", err)
	}
	if failure.Name != "b" || failure.Kind != errkind.StepFailed {
		t.Fatalf("failure = %+v", failure)
	}
	if len(storage.steps) != 1 || storage.steps[0].Status != store.StepFailed {
		t.Fatalf("persisted steps = %+v", storage.steps)
	}
}

func TestRunObservesCancellation(t *testing.T) {
	t.Parallel()

	storage := &fakeStorage{run: store.Run{Status: store.StatusCancelled}}
	bus := events.NewHub()
	sc := New(context.Background(), storage, bus, "r1", "multi", nil, false)

	calls := 0
	_, err := Run(sc, "a", func() (int, error) {
		calls++
		return 1, nil
	})
	if !errors.As(err, new(Cancelled)) {
		t.Fatalf("err = %v, want Cancelled", err)
	}
	if calls != 0 {
		t.Fatalf("fn invoked after cancellation observed")
	}
}

func TestProgressEmitsEvent(t *testing.T) {
	t.Parallel()

	storage := &fakeStorage{run: store.Run{Status: store.StatusRunning}}
	bus := events.NewHub()
	sc := New(context.Background(), storage, bus, "r1", "echo", nil, false)

	ch, unsubscribe := bus.SubscribeRun("r1", 4)
	t.Cleanup(unsubscribe)

	total := int64(10)
	if err := sc.Progress(5, &total, "halfway"); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}

	evt := <-ch
	if evt.Type != events.TypeRunProgress || evt.Payload["current"] != int64(5) {
		t.Fatalf("event = %+v", evt)
	}
}

func TestLogEmitsEventWithStepName(t *testing.T) {
	t.Parallel()

	storage := &fakeStorage{run: store.Run{Status: store.StatusRunning}, logs: nil}
	bus := events.NewHub()
	sc := New(context.Background(), storage, bus, "r1", "echo", nil, true)

	ch, unsubscribe := bus.SubscribeRun("r1", 8)
	t.Cleanup(unsubscribe)

	if _, err := Run(sc, "a", func() (int, error) {
		sc.Log.Info("working", map[string]any{"n": 1})
		return 1, nil
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var sawLog bool
	for i := 0; i < 3; i++ {
		select {
		case evt := <-ch:
			if evt.Type == events.TypeLogWrite {
				sawLog = true
				if evt.Payload["step_name"] != "a" {
					t.Fatalf("log event step_name = %v, want a", evt.Payload["step_name"])
				}
			}
		case <-time.After(time.Second):
		}
	}
	if !sawLog {
		t.Fatal("did not observe log:write event")
	}
	if len(storage.logs) != 1 || storage.logs[0] != "a:working" {
		t.Fatalf("persisted logs = %+v", storage.logs)
	}
}
