package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"durably/internal/events"
	"durably/internal/executor"
	"durably/internal/stepctx"
	"durably/internal/store"
)

// fakeStorage is a minimal in-memory Storage satisfying both the Worker
// and Executor Storage interfaces, enough to exercise the polling loop
// without a real database.
type fakeStorage struct {
	mu       sync.Mutex
	pending  []store.Run
	running  map[string]store.Run
	failed   map[string]string
	complete map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		running:  make(map[string]store.Run),
		failed:   make(map[string]string),
		complete: make(map[string][]byte),
	}
}

func (f *fakeStorage) RecoverStale(context.Context, time.Duration) (int, error) { return 0, nil }

func (f *fakeStorage) ClaimNextPending(context.Context) (store.Run, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return store.Run{}, false, nil
	}
	run := f.pending[0]
	f.pending = f.pending[1:]
	run.Status = store.StatusRunning
	f.running[run.ID] = run
	return run, true, nil
}

func (f *fakeStorage) Heartbeat(_ context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[runID]
	return ok, nil
}

func (f *fakeStorage) FailRun(_ context.Context, runID string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, runID)
	f.failed[runID] = msg
	return nil
}

func (f *fakeStorage) CompleteRun(_ context.Context, runID string, output []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, runID)
	f.complete[runID] = output
	return nil
}

func (f *fakeStorage) ListSteps(context.Context, string) ([]store.Step, error) { return nil, nil }
func (f *fakeStorage) InsertStep(context.Context, string, string, int, store.StepStatus, []byte, string, time.Time, time.Time) (store.Step, error) {
	return store.Step{}, nil
}
func (f *fakeStorage) UpdateProgress(context.Context, string, store.Progress) error { return nil }
func (f *fakeStorage) InsertLog(context.Context, string, string, store.LogLevel, string, []byte, int64) error {
	return nil
}
func (f *fakeStorage) GetRun(context.Context, string) (store.Run, error) {
	return store.Run{Status: store.StatusRunning}, nil
}

type handlerFunc func(ctx context.Context, sc *stepctx.Context, payload []byte) ([]byte, error)

func (f handlerFunc) Execute(ctx context.Context, sc *stepctx.Context, payload []byte) ([]byte, error) {
	return f(ctx, sc, payload)
}

type fakeRegistry struct {
	handlers map[string]executor.Handler
}

func (r *fakeRegistry) Lookup(jobName string) (executor.Handler, bool) {
	h, ok := r.handlers[jobName]
	return h, ok
}

func TestWorkerClaimsAndCompletesRun(t *testing.T) {
	t.Parallel()

	storage := newFakeStorage()
	storage.pending = []store.Run{{ID: "r1", JobName: "echo", Payload: []byte(`{"n":41}`)}}

	registry := &fakeRegistry{handlers: map[string]executor.Handler{
		"echo": handlerFunc(func(_ context.Context, _ *stepctx.Context, payload []byte) ([]byte, error) {
			var in struct{ N int }
			_ = json.Unmarshal(payload, &in)
			return json.Marshal(map[string]int{"sum": in.N + 1})
		}),
	}}

	bus := events.NewHub()
	exec := executor.New(storage, bus, false)
	w := New(storage, registry, exec, Options{PollingInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		storage.mu.Lock()
		_, done := storage.complete["r1"]
		storage.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	w.Stop(context.Background())

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if _, ok := storage.complete["r1"]; !ok {
		t.Fatal("run r1 never completed")
	}
}

func TestWorkerFailsUnregisteredJob(t *testing.T) {
	t.Parallel()

	storage := newFakeStorage()
	storage.pending = []store.Run{{ID: "r1", JobName: "ghost"}}
	registry := &fakeRegistry{handlers: map[string]executor.Handler{}}

	bus := events.NewHub()
	exec := executor.New(storage, bus, false)
	w := New(storage, registry, exec, Options{PollingInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		storage.mu.Lock()
		_, done := storage.failed["r1"]
		storage.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	w.Stop(context.Background())

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if _, ok := storage.failed["r1"]; !ok {
		t.Fatal("unregistered-job run was never failed")
	}
}

func TestWorkerStartIsIdempotent(t *testing.T) {
	t.Parallel()

	storage := newFakeStorage()
	registry := &fakeRegistry{handlers: map[string]executor.Handler{}}
	bus := events.NewHub()
	exec := executor.New(storage, bus, false)
	w := New(storage, registry, exec, Options{PollingInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	w.Start(ctx) // must be a no-op, not a second loop

	cancel()
	w.Stop(context.Background())
}
