// Package worker implements the single-threaded cooperative polling loop
// that claims pending Runs, drives them through the Run Executor, and
// recovers stale Runs whose worker died mid-execution.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"durably/internal/errkind"
	"durably/internal/events"
	"durably/internal/executor"
	"durably/internal/store"
)

const (
	DefaultPollingInterval   = 1000 * time.Millisecond
	DefaultHeartbeatInterval = 5000 * time.Millisecond
	DefaultStaleThreshold    = 30000 * time.Millisecond
)

// Storage is the subset of internal/store.Store the Worker Loop needs.
type Storage interface {
	RecoverStale(ctx context.Context, staleThreshold time.Duration) (int, error)
	ClaimNextPending(ctx context.Context) (store.Run, bool, error)
	Heartbeat(ctx context.Context, runID string) (bool, error)
	FailRun(ctx context.Context, runID string, errMsg string) error
}

// Registry resolves a job_name to its type-erased Handler.
type Registry interface {
	Lookup(jobName string) (executor.Handler, bool)
}

// Options configures the Worker Loop. Zero values fall back to the
// spec's documented defaults.
type Options struct {
	PollingInterval   time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration

	// MaxConcurrent bounds how many Runs the loop drives at once. The
	// core is single-threaded cooperative (§5); this is clamped to 1
	// whatever value configuration supplies, but kept as a documented
	// extension point per Design Note §9's open question on multi-slot
	// workers — raising the clamp is the whole of that extension.
	MaxConcurrent int

	EventHub *events.Hub
}

func (o *Options) setDefaults() {
	if o.PollingInterval <= 0 {
		o.PollingInterval = DefaultPollingInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = DefaultStaleThreshold
	}
	if o.MaxConcurrent != 1 {
		o.MaxConcurrent = 1
	}
}

// Worker is the polling loop. Start begins it in a background goroutine;
// calling Start on an already-started Worker is a no-op. Stop signals
// the loop to exit after the current Run's Executor invocation returns
// and waits for it.
type Worker struct {
	storage  Storage
	registry Registry
	exec     *executor.Executor
	opts     Options

	startOnce sync.Once
	stopOnce  sync.Once
	stopFn    context.CancelFunc
	doneCh    chan struct{}

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func New(storage Storage, registry Registry, exec *executor.Executor, opts Options) *Worker {
	opts.setDefaults()
	return &Worker{
		storage:  storage,
		registry: registry,
		exec:     exec,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

func (w *Worker) Start(parent context.Context) {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		w.stopFn = cancel
		w.doneCh = make(chan struct{})
		go func() {
			defer close(w.doneCh)
			w.loop(ctx)
		}()
	})
}

// Stop returns once the loop has exited cleanly or ctx expires first.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() {
		if w.stopFn != nil {
			w.stopFn()
		}
		if w.doneCh == nil {
			return
		}
		select {
		case <-w.doneCh:
		case <-ctx.Done():
		}
	})
}

// loop acquires a semaphore slot before claiming a Run, not after: with
// MaxConcurrent clamped to 1 (§5's single-threaded cooperative model)
// this makes dispatch effectively synchronous, since the next iteration
// blocks on the same slot until the in-flight Run's Executor invocation
// returns and releases it. A row is therefore never left "running"
// without an already-active heartbeat ticker behind it, and
// RecoverStale/ClaimNextPending can never re-claim a Run whose Executor
// is still executing in this process.
func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.wg.Wait()
			return
		}

		if err := w.sem.Acquire(ctx, 1); err != nil {
			w.wg.Wait()
			return
		}

		if _, err := w.storage.RecoverStale(ctx, w.opts.StaleThreshold); err != nil {
			w.publishWorkerError("recover stale", err)
		}

		run, ok, err := w.storage.ClaimNextPending(ctx)
		if err != nil {
			w.sem.Release(1)
			w.publishWorkerError("claim next pending", err)
			if !w.sleep(ctx) {
				w.wg.Wait()
				return
			}
			continue
		}
		if !ok {
			w.sem.Release(1)
			if !w.sleep(ctx) {
				w.wg.Wait()
				return
			}
			continue
		}

		handler, found := w.registry.Lookup(run.JobName)
		if !found {
			w.sem.Release(1)
			if failErr := w.storage.FailRun(ctx, run.ID, fmt.Sprintf("job %q is not registered", run.JobName)); failErr != nil {
				w.publishWorkerError("fail unregistered-job run", failErr)
			}
			continue
		}

		w.wg.Add(1)
		go func(run store.Run, handler executor.Handler) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.runWithHeartbeat(ctx, run, handler)
		}(run, handler)
	}
}

// runWithHeartbeat invokes the Executor synchronously while a background
// ticker keeps heartbeat_at fresh. The ticker stops as soon as the
// Executor returns; it does not itself interrupt execution (the Step
// Context observes cancellation independently, at step boundaries).
func (w *Worker) runWithHeartbeat(ctx context.Context, run store.Run, handler executor.Handler) {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	go func() {
		ticker := time.NewTicker(w.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				if stillRunning, err := w.storage.Heartbeat(heartbeatCtx, run.ID); err != nil {
					w.publishWorkerError("heartbeat", err)
				} else if !stillRunning {
					return
				}
			}
		}
	}()

	w.exec.Run(ctx, run, handler)
}

// sleep waits for the polling interval or ctx cancellation, reporting
// which happened first.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.opts.PollingInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) publishWorkerError(context string, err error) {
	slog.Warn("worker: transient error", "context", context, "err", err)
	if w.opts.EventHub == nil {
		return
	}
	kind := errkind.TransientStorage
	w.opts.EventHub.Publish(events.New(events.TypeWorkerError, "", map[string]any{
		"error":   err.Error(),
		"context": context,
		"kind":    string(kind),
	}))
}
