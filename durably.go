// Package durably implements a step-oriented, resumable batch execution
// engine backed by SQLite: Jobs are registered handler functions composed
// of named, durably-cached Steps; a Run is one invocation of a Job; a
// single-threaded Worker claims pending Runs and drives them to
// completion, resuming from the last completed Step after a crash.
package durably

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"durably/internal/errkind"
	"durably/internal/events"
	"durably/internal/executor"
	"durably/internal/store"
	"durably/internal/subscription"
	"durably/internal/validate"
	"durably/internal/worker"
)

// Durably is the top-level façade (§4.G): it owns the Storage, Event
// Bus, Worker, and Job registry for one SQLite-backed instance.
type Durably struct {
	storage  *store.Store
	bus      *events.Hub
	worker   *worker.Worker
	exec     *executor.Executor
	registry *registry
	opts     Options
}

// New opens (creating if absent) durably.db inside opts.DataDir, runs
// pending migrations, and constructs a Durably instance. Call Start to
// begin the Worker Loop.
func New(opts Options) (*Durably, error) {
	if opts.DataDir == "" {
		return nil, errkind.New(errkind.TransientStorage, fmt.Errorf("DataDir is required"))
	}
	opts.setDefaults()

	st, err := store.New(filepath.Join(opts.DataDir, "durably.db"))
	if err != nil {
		return nil, err
	}

	bus := events.NewHub()
	reg := newRegistry()
	exec := executor.New(st, bus, opts.PersistLogs)
	w := worker.New(st, reg, exec, worker.Options{
		PollingInterval:   opts.PollingInterval,
		HeartbeatInterval: opts.HeartbeatInterval,
		StaleThreshold:    opts.StaleThreshold,
		MaxConcurrent:     opts.MaxConcurrent,
		EventHub:          bus,
	})

	return &Durably{
		storage:  st,
		bus:      bus,
		worker:   w,
		exec:     exec,
		registry: reg,
		opts:     opts,
	}, nil
}

// Migrate applies any pending schema migrations (§4.A). New already runs
// this once at open; Migrate exists for callers that want to run it
// explicitly (e.g. the CLI's `migrate` subcommand) or re-check
// idempotently.
func (d *Durably) Migrate(ctx context.Context) error {
	return d.storage.Migrate(ctx)
}

// Start begins the Worker Loop in the background (§4.F). A no-op if
// already started.
func (d *Durably) Start(ctx context.Context) {
	d.worker.Start(ctx)
}

// Stop signals the Worker Loop to exit after its current Run and waits
// for it, then closes the underlying database.
func (d *Durably) Stop(ctx context.Context) error {
	d.worker.Stop(ctx)
	return d.storage.Close()
}

// Trigger validates and persists a new Run for jobName (§4.G). If
// opts.IdempotencyKey collides with an existing Run for this Job, the
// existing Run is returned and no run:trigger event is emitted.
func (d *Durably) Trigger(ctx context.Context, jobName string, input any, opts TriggerOptions) (Run, error) {
	if _, ok := d.registry.lookup(jobName); !ok {
		return Run{}, errkind.New(errkind.JobNotFound, fmt.Errorf("job %q is not registered", jobName))
	}
	if err := validateKeys(opts); err != nil {
		return Run{}, err
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return Run{}, errkind.New(errkind.InvalidInput, fmt.Errorf("marshal input: %w", err))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Run{}, errkind.New(errkind.TransientStorage, fmt.Errorf("generate run id: %w", err))
	}

	existingCount, err := d.countIdempotent(ctx, jobName, opts.IdempotencyKey)
	if err != nil {
		return Run{}, err
	}

	storeRun, err := d.storage.InsertRun(ctx, id.String(), jobName, payload, store.InsertRunOptions{
		IdempotencyKey: opts.IdempotencyKey,
		ConcurrencyKey: opts.ConcurrencyKey,
	})
	if err != nil {
		return Run{}, err
	}

	// A collision returns the pre-existing Run without a new id; only
	// emit run:trigger for a genuinely new insert.
	if existingCount == 0 && storeRun.ID == id.String() {
		d.bus.Publish(events.New(events.TypeRunTrigger, storeRun.ID, map[string]any{
			"job_name": jobName,
			"payload":  json.RawMessage(payload),
		}))
	}

	return runFromStore(storeRun), nil
}

func validateKeys(opts TriggerOptions) error {
	if opts.IdempotencyKey != "" && !validate.Key(opts.IdempotencyKey) {
		return errkind.New(errkind.InvalidInput, fmt.Errorf("invalid idempotency_key %q", opts.IdempotencyKey))
	}
	if opts.ConcurrencyKey != "" && !validate.Key(opts.ConcurrencyKey) {
		return errkind.New(errkind.InvalidInput, fmt.Errorf("invalid concurrency_key %q", opts.ConcurrencyKey))
	}
	return nil
}

func (d *Durably) countIdempotent(ctx context.Context, jobName, key string) (int, error) {
	if key == "" {
		return 0, nil
	}
	runs, err := d.storage.GetRuns(ctx, store.RunFilter{JobName: jobName})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if r.IdempotencyKey == key {
			n++
		}
	}
	return n, nil
}

// TriggerAndWait triggers jobName then awaits its terminal event (§4.G).
// A zero or negative timeout waits indefinitely. On timeout the Run
// continues in the background; the returned error has Kind
// KindTimeout.
func (d *Durably) TriggerAndWait(ctx context.Context, jobName string, input any, opts TriggerOptions, timeout time.Duration) (Run, error) {
	run, err := d.Trigger(ctx, jobName, input, opts)
	if err != nil {
		return Run{}, err
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stream, err := subscription.New(waitCtx, d.storage, d.bus, run.ID, d.opts.EventBufferSize)
	if err != nil {
		return Run{}, err
	}
	defer stream.Close()

	for {
		select {
		case evt, ok := <-stream.Events():
			if !ok {
				return d.GetRun(ctx, run.ID)
			}
			switch evt.Type {
			case events.TypeRunComplete, events.TypeRunCancel:
				return d.GetRun(ctx, run.ID)
			case events.TypeRunFail:
				final, getErr := d.GetRun(ctx, run.ID)
				if getErr != nil {
					return Run{}, getErr
				}
				return final, errkind.New(errkind.HandlerFailed, fmt.Errorf("%s", final.Error))
			}
		case <-waitCtx.Done():
			return Run{}, errkind.New(errkind.Timeout, fmt.Errorf("triggerAndWait: %w", waitCtx.Err()))
		}
	}
}

// BatchTrigger inserts every item's Run in a single transaction (§4.G).
func (d *Durably) BatchTrigger(ctx context.Context, items []BatchItem) ([]Run, error) {
	inputs := make([]store.NewRunInput, len(items))
	ids := make([]uuid.UUID, len(items))
	for i, item := range items {
		if _, ok := d.registry.lookup(item.JobName); !ok {
			return nil, errkind.New(errkind.JobNotFound, fmt.Errorf("job %q is not registered", item.JobName))
		}
		if err := validateKeys(TriggerOptions{IdempotencyKey: item.IdempotencyKey, ConcurrencyKey: item.ConcurrencyKey}); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(item.Input)
		if err != nil {
			return nil, errkind.New(errkind.InvalidInput, fmt.Errorf("marshal input: %w", err))
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, errkind.New(errkind.TransientStorage, fmt.Errorf("generate run id: %w", err))
		}
		ids[i] = id
		inputs[i] = store.NewRunInput{
			ID:      id.String(),
			JobName: item.JobName,
			Payload: payload,
			Opts: store.InsertRunOptions{
				IdempotencyKey: item.IdempotencyKey,
				ConcurrencyKey: item.ConcurrencyKey,
			},
		}
	}

	storeRuns, err := d.storage.BatchInsertRuns(ctx, inputs)
	if err != nil {
		return nil, err
	}

	for i, storeRun := range storeRuns {
		if storeRun.ID != ids[i].String() {
			continue // idempotency-key collision returned a pre-existing Run
		}
		d.bus.Publish(events.New(events.TypeRunTrigger, storeRun.ID, map[string]any{
			"job_name": items[i].JobName,
			"payload":  json.RawMessage(storeRun.Payload),
		}))
	}

	return runsFromStore(storeRuns), nil
}

// Retry transitions a failed|cancelled Run back to pending (§4.B, §4.G).
// Completed steps survive so replay short-circuits them.
func (d *Durably) Retry(ctx context.Context, runID string) error {
	if err := d.storage.RetryRun(ctx, runID); err != nil {
		return err
	}
	d.bus.Publish(events.New(events.TypeRunRetry, runID, map[string]any{}))
	return nil
}

// Cancel cooperatively cancels a pending or running Run (§5). The
// Executor observes this at the next Step boundary.
func (d *Durably) Cancel(ctx context.Context, runID string) error {
	if err := d.storage.CancelRun(ctx, runID); err != nil {
		return err
	}
	run, err := d.storage.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	d.bus.Publish(events.New(events.TypeRunCancel, runID, map[string]any{
		"job_name": run.JobName,
	}))
	return nil
}

// DeleteRun removes a Run and cascades to its Steps and Logs. Fails
// unless the Run is in a terminal state (§3).
func (d *Durably) DeleteRun(ctx context.Context, runID string) error {
	return d.storage.DeleteRun(ctx, runID)
}

// GetRun reads a single Run by id.
func (d *Durably) GetRun(ctx context.Context, runID string) (Run, error) {
	r, err := d.storage.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	return runFromStore(r), nil
}

// GetRuns lists Runs matching filter, newest first (§4.B).
func (d *Durably) GetRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	rs, err := d.storage.GetRuns(ctx, filter.toStore())
	if err != nil {
		return nil, err
	}
	return runsFromStore(rs), nil
}

// Subscribe returns a per-run, auto-closing event stream (§4.H).
func (d *Durably) Subscribe(ctx context.Context, runID string) (*subscription.Stream, error) {
	return subscription.New(ctx, d.storage, d.bus, runID, d.opts.EventBufferSize)
}
