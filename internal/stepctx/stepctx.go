// Package stepctx implements the per-run handle passed to a Job's
// handler: step.run, progress reporting, and structured logging. It is
// the only API surface a handler author sees.
package stepctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"durably/internal/errkind"
	"durably/internal/events"
	"durably/internal/store"
)

// Storage is the subset of internal/store.Store that a Step Context
// needs. Narrowed to an interface so the replay path is easy to test
// without a real database.
type Storage interface {
	InsertStep(ctx context.Context, runID, name string, index int, status store.StepStatus, output []byte, errMsg string, started, completed time.Time) (store.Step, error)
	UpdateProgress(ctx context.Context, runID string, p store.Progress) error
	InsertLog(ctx context.Context, runID, stepName string, level store.LogLevel, message string, data []byte, sequence int64) error
	GetRun(ctx context.Context, runID string) (store.Run, error)
}

// Context is constructed once per claimed Run by the Run Executor and
// passed to the handler. It holds the replay snapshot — every
// previously completed step for this run, loaded once at startup — so
// the replay path is a map lookup, never a query per step.
type Context struct {
	ctx         context.Context
	storage     Storage
	bus         *events.Hub
	runID       string
	jobName     string
	persistLogs bool

	snapshot        map[string]store.Step
	nextIndex       int
	logSeq          int64
	cancelled       bool
	currentStepName string

	Log *Logger
}

// New builds a Step Context for runID. steps is the full set of
// previously persisted steps for this run (possibly empty on a first
// attempt, non-empty on replay after a crash or retry).
func New(ctx context.Context, storage Storage, bus *events.Hub, runID, jobName string, steps []store.Step, persistLogs bool) *Context {
	snapshot := make(map[string]store.Step, len(steps))
	nextIndex := 0
	for _, st := range steps {
		if st.Status == store.StepCompleted {
			snapshot[st.Name] = st
		}
		if st.Index >= nextIndex {
			nextIndex = st.Index + 1
		}
	}
	sc := &Context{
		ctx:         ctx,
		storage:     storage,
		bus:         bus,
		runID:       runID,
		jobName:     jobName,
		persistLogs: persistLogs,
		snapshot:    snapshot,
		nextIndex:   nextIndex,
	}
	sc.Log = &Logger{sc: sc}
	return sc
}

// Run executes (or replays) a single named step. Go disallows additional
// type parameters on methods, so Run is a free function parameterized by
// the step's output type, taking the Context as its first argument.
func Run[T any](sc *Context, name string, fn func() (T, error)) (T, error) {
	var zero T

	if err := sc.checkCancelled(); err != nil {
		return zero, err
	}

	if cached, ok := sc.snapshot[name]; ok {
		return replay[T](sc, cached)
	}

	index := sc.nextIndex
	sc.nextIndex++
	started := time.Now().UTC()

	sc.bus.Publish(events.New(events.TypeStepStart, sc.runID, map[string]any{
		"step_name": name,
		"index":     index,
	}))

	sc.currentStepName = name
	value, err := fn()
	sc.currentStepName = ""
	completed := time.Now().UTC()

	if err != nil {
		return zero, sc.fail(name, index, started, completed, errkind.StepFailed, err)
	}

	data, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		return zero, sc.fail(name, index, started, completed, errkind.StepOutputNotSerializable,
			fmt.Errorf("marshal step %q output: %w", name, marshalErr))
	}

	st, insertErr := sc.storage.InsertStep(sc.ctx, sc.runID, name, index, store.StepCompleted, data, "", started, completed)
	if insertErr != nil {
		return zero, insertErr
	}
	sc.snapshot[name] = st

	sc.bus.Publish(events.New(events.TypeStepComplete, sc.runID, map[string]any{
		"step_name": name,
		"index":     index,
		"output":    json.RawMessage(data),
	}))

	return value, nil
}

// replay returns a previously completed step's cached output without
// invoking fn. step:start and step:complete are still emitted — Design
// Note §9's first open question resolved in favor of a consistent event
// sequence whether or not the step actually executed.
func replay[T any](sc *Context, cached store.Step) (T, error) {
	var out T

	sc.bus.Publish(events.New(events.TypeStepStart, sc.runID, map[string]any{
		"step_name": cached.Name,
		"index":     cached.Index,
	}))

	if len(cached.Output) > 0 {
		if err := json.Unmarshal(cached.Output, &out); err != nil {
			return out, fmt.Errorf("replay step %q: unmarshal cached output: %w", cached.Name, err)
		}
	}

	sc.bus.Publish(events.New(events.TypeStepComplete, sc.runID, map[string]any{
		"step_name": cached.Name,
		"index":     cached.Index,
		"output":    json.RawMessage(cached.Output),
	}))

	return out, nil
}

func (sc *Context) fail(name string, index int, started, completed time.Time, kind errkind.Kind, cause error) error {
	if _, err := sc.storage.InsertStep(sc.ctx, sc.runID, name, index, store.StepFailed, nil, cause.Error(), started, completed); err != nil {
		return err
	}
	sc.bus.Publish(events.New(events.TypeStepFail, sc.runID, map[string]any{
		"step_name": name,
		"index":     index,
		"error":     cause.Error(),
	}))
	return &StepFailure{Name: name, Kind: kind, Err: cause}
}

// Progress updates the Run's coarse progress report. Best-effort, not
// transactional with any step write (Design Note §9, resolved).
func (sc *Context) Progress(current int64, total *int64, message string) error {
	p := store.Progress{Current: current, Total: total, Message: message}
	if err := sc.storage.UpdateProgress(sc.ctx, sc.runID, p); err != nil {
		return err
	}
	payload := map[string]any{"current": current, "message": message}
	if total != nil {
		payload["total"] = *total
	}
	sc.bus.Publish(events.New(events.TypeRunProgress, sc.runID, payload))
	return nil
}

// checkCancelled reads the Run's current status. Once cancellation is
// observed it is sticky for the remainder of this attempt.
func (sc *Context) checkCancelled() error {
	if sc.cancelled {
		return Cancelled{}
	}
	run, err := sc.storage.GetRun(sc.ctx, sc.runID)
	if err != nil {
		return err
	}
	if run.Status == store.StatusCancelled {
		sc.cancelled = true
		return Cancelled{}
	}
	return nil
}

// Logger is the step.log.info/warn/error surface. Core always emits the
// log:write event; persistence to durably_logs is optional.
type Logger struct {
	sc *Context
}

func (l *Logger) Info(message string, data map[string]any) { l.emit(store.LogInfo, message, data) }
func (l *Logger) Warn(message string, data map[string]any) { l.emit(store.LogWarn, message, data) }
func (l *Logger) Error(message string, data map[string]any) { l.emit(store.LogError, message, data) }

func (l *Logger) emit(level store.LogLevel, message string, data map[string]any) {
	sc := l.sc
	seq := atomic.AddInt64(&sc.logSeq, 1)

	var dataJSON []byte
	if len(data) > 0 {
		if encoded, err := json.Marshal(data); err == nil {
			dataJSON = encoded
		}
	}

	stepName := sc.currentStepName
	if sc.persistLogs {
		_ = sc.storage.InsertLog(sc.ctx, sc.runID, stepName, level, message, dataJSON, seq)
	}

	payload := map[string]any{
		"level":   string(level),
		"message": message,
		"data":    json.RawMessage(dataJSON),
	}
	if stepName != "" {
		payload["step_name"] = stepName
	}
	sc.bus.Publish(events.New(events.TypeLogWrite, sc.runID, payload))
}
