// Package executor drives a single claimed Run's handler to completion,
// translating its outcome (value, step failure, cancellation, or any
// other error) into the corresponding terminal storage write and event.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"durably/internal/events"
	"durably/internal/stepctx"
	"durably/internal/store"
)

// Storage is the subset of internal/store.Store the Executor needs,
// plus everything the Step Context needs to construct from it.
type Storage interface {
	stepctx.Storage
	ListSteps(ctx context.Context, runID string) ([]store.Step, error)
	CompleteRun(ctx context.Context, runID string, output []byte) error
	FailRun(ctx context.Context, runID string, errMsg string) error
}

// Handler is the type-erased entry point for a registered Job (Design
// Note §9). It validates payload, invokes the user handler via the Step
// Context, validates the result, and returns the serialized output or a
// classified error (*errkind.Error, *stepctx.StepFailure, or
// stepctx.Cancelled).
type Handler interface {
	Execute(ctx context.Context, sc *stepctx.Context, payload []byte) ([]byte, error)
}

// Executor drives one Run at a time; the Worker Loop invokes it
// synchronously per claimed Run (§5 — single-threaded cooperative).
type Executor struct {
	storage     Storage
	bus         *events.Hub
	persistLogs bool
}

func New(storage Storage, bus *events.Hub, persistLogs bool) *Executor {
	return &Executor{storage: storage, bus: bus, persistLogs: persistLogs}
}

// Run drives run from running to a terminal state using handler. Errors
// reaching Run itself (not errors from the handler, which are always
// translated into a Run outcome) indicate the Executor's own I/O failed;
// these are transient worker errors, not Run failures — the Run stays
// running and is recovered by the next stale sweep.
func (e *Executor) Run(ctx context.Context, run store.Run, handler Handler) {
	steps, err := e.storage.ListSteps(ctx, run.ID)
	if err != nil {
		e.workerError(run.ID, "list steps", err)
		return
	}

	sc := stepctx.New(ctx, e.storage, e.bus, run.ID, run.JobName, steps, e.persistLogs)

	e.bus.Publish(events.New(events.TypeRunStart, run.ID, map[string]any{
		"job_name": run.JobName,
		"payload":  json.RawMessage(run.Payload),
	}))

	start := time.Now()
	output, execErr := handler.Execute(ctx, sc, run.Payload)

	// Terminal writes must land even if ctx was cancelled by the Worker
	// shutting down mid-step; context.WithoutCancel sheds the done
	// channel while keeping any trace values.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	switch {
	case execErr == nil:
		e.finishComplete(finCtx, run, output, time.Since(start))
	case errors.As(execErr, new(stepctx.Cancelled)):
		e.finishCancel(run)
	default:
		e.finishFail(finCtx, run, execErr)
	}
}

func (e *Executor) finishComplete(ctx context.Context, run store.Run, output []byte, duration time.Duration) {
	if err := e.storage.CompleteRun(ctx, run.ID, output); err != nil {
		e.workerError(run.ID, "complete run", err)
		return
	}
	e.bus.Publish(events.New(events.TypeRunComplete, run.ID, map[string]any{
		"job_name":    run.JobName,
		"output":      json.RawMessage(output),
		"duration_ms": duration.Milliseconds(),
	}))
}

func (e *Executor) finishCancel(run store.Run) {
	// Status is already cancelled (set by Cancel); no storage write here.
	e.bus.Publish(events.New(events.TypeRunCancel, run.ID, map[string]any{
		"job_name": run.JobName,
	}))
}

func (e *Executor) finishFail(ctx context.Context, run store.Run, execErr error) {
	message := execErr.Error()
	if err := e.storage.FailRun(ctx, run.ID, message); err != nil {
		e.workerError(run.ID, "fail run", err)
		return
	}

	payload := map[string]any{
		"job_name": run.JobName,
		"error":    message,
	}
	var stepFailure *stepctx.StepFailure
	if errors.As(execErr, &stepFailure) {
		payload["failed_step_name"] = stepFailure.Name
	}
	e.bus.Publish(events.New(events.TypeRunFail, run.ID, payload))
}

func (e *Executor) workerError(runID, context string, err error) {
	slog.Warn("executor: transient storage error", "run_id", runID, "context", context, "err", err)
	e.bus.Publish(events.New(events.TypeWorkerError, runID, map[string]any{
		"error":   err.Error(),
		"context": context,
	}))
}
