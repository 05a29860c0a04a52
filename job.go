package durably

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"durably/internal/errkind"
	"durably/internal/executor"
	"durably/internal/stepctx"
	"durably/internal/validate"
)

// Step is the handler-facing API surface (§4.D, §6): step.run, progress
// reporting, and structured logging. It is a type alias, not a wrapper,
// since the internal Step Context's exported methods already are the
// entire public contract a Job author needs.
type Step = stepctx.Context

// Run executes (or replays) a single named step and returns fn's result.
// Go disallows additional type parameters on methods, so this is a free
// function, mirroring internal/stepctx.Run.
func Run[T any](step *Step, name string, fn func() (T, error)) (T, error) {
	return stepctx.Run(step, name, fn)
}

// Handler is a Job's entry point: given the Step Context and a decoded
// input, it returns a decoded output or an error. Errors returned here
// that aren't already a *stepctx.StepFailure or stepctx.Cancelled are
// treated as handler_failed (§7).
type Handler[I, O any] func(step *Step, input I) (O, error)

// JobDefinition is the consumer-facing shape of a registered Job (§6).
// Validate and ValidateOutput are optional; a nil validator always
// passes.
type JobDefinition[I, O any] struct {
	Name           string
	Validate       func(I) error
	ValidateOutput func(O) error
	Handle         Handler[I, O]
}

// jobEntry is the type-erased registry entry: Design Note §9's
// "polymorphic abstraction with a single method" — here, the same
// Execute signature internal/executor.Handler already expects, so a
// jobEntry IS an executor.Handler with no further adaptation.
type jobEntry[I, O any] struct {
	def JobDefinition[I, O]
}

func (e *jobEntry[I, O]) Execute(ctx context.Context, sc *stepctx.Context, payload []byte) ([]byte, error) {
	var input I
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &input); err != nil {
			return nil, errkind.New(errkind.InvalidInput, fmt.Errorf("unmarshal input: %w", err))
		}
	}
	if e.def.Validate != nil {
		if err := e.def.Validate(input); err != nil {
			return nil, errkind.New(errkind.InvalidInput, err)
		}
	}

	output, err := e.def.Handle(sc, input)
	if err != nil {
		return nil, err
	}

	if e.def.ValidateOutput != nil {
		if err := e.def.ValidateOutput(output); err != nil {
			return nil, errkind.New(errkind.InvalidOutput, err)
		}
	}

	data, err := json.Marshal(output)
	if err != nil {
		return nil, errkind.New(errkind.InvalidOutput, fmt.Errorf("marshal output: %w", err))
	}
	return data, nil
}

// registeredJob pairs the type-erased handle with an identity token used
// to detect "same definition, registered twice" (§3's registry
// invariant) without requiring I/O to be comparable.
type registeredJob struct {
	handle   executor.Handler
	identity uintptr
}

// registry is the in-memory Job Definition table (§3, §4.G).
type registry struct {
	mu   sync.RWMutex
	jobs map[string]registeredJob
}

func newRegistry() *registry {
	return &registry{jobs: make(map[string]registeredJob)}
}

func (r *registry) lookup(name string) (executor.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.jobs[name]
	if !ok {
		return nil, false
	}
	return entry.handle, true
}

// Lookup satisfies worker.Registry.
func (r *registry) Lookup(name string) (executor.Handler, bool) {
	return r.lookup(name)
}

// register stores entry under name, identified by identity (derived
// from the Handle function's code pointer). Re-registering the same
// identity under the same name is a no-op; a different identity under
// an already-used name fails with already_registered.
func (r *registry) register(name string, identity uintptr, entry executor.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.jobs[name]; ok {
		if existing.identity == identity {
			return nil
		}
		return errkind.New(errkind.AlreadyRegistered, fmt.Errorf("job %q already registered with a different definition", name))
	}
	r.jobs[name] = registeredJob{handle: entry, identity: identity}
	return nil
}

// JobHandle is the typed handle returned by Register and GetJob (§4.G —
// "getJob returns a typed handle for the registered definition").
type JobHandle[I, O any] struct {
	d    *Durably
	name string
}

// Name returns the Job's registered name.
func (h *JobHandle[I, O]) Name() string { return h.name }

// Trigger inserts a new Run for this Job (§4.G).
func (h *JobHandle[I, O]) Trigger(ctx context.Context, input I, opts TriggerOptions) (Run, error) {
	return h.d.Trigger(ctx, h.name, input, opts)
}

// TriggerAndWait triggers then awaits a terminal event, decoding the
// output into O on success (§4.G).
func (h *JobHandle[I, O]) TriggerAndWait(ctx context.Context, input I, opts TriggerOptions, timeout time.Duration) (O, Run, error) {
	var out O
	run, err := h.d.TriggerAndWait(ctx, h.name, input, opts, timeout)
	if err != nil {
		return out, run, err
	}
	if len(run.Output) > 0 {
		if jsonErr := json.Unmarshal(run.Output, &out); jsonErr != nil {
			return out, run, errkind.New(errkind.InvalidOutput, fmt.Errorf("decode output: %w", jsonErr))
		}
	}
	return out, run, nil
}

// Decode unmarshals a Run's output (obtained via GetRun/GetRuns) into O.
func (h *JobHandle[I, O]) Decode(run Run) (O, error) {
	var out O
	if len(run.Output) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(run.Output, &out); err != nil {
		return out, errkind.New(errkind.InvalidOutput, fmt.Errorf("decode output: %w", err))
	}
	return out, nil
}

// Register adds def to d's Job registry (§3, §4.G). Registering the
// identical definition (same name, same Handle function) twice is a
// no-op; a different definition under an existing name fails with
// already_registered.
func Register[I, O any](d *Durably, def JobDefinition[I, O]) (*JobHandle[I, O], error) {
	if !validate.JobName(def.Name) {
		return nil, errkind.New(errkind.InvalidInput, fmt.Errorf("invalid job name %q", def.Name))
	}
	entry := &jobEntry[I, O]{def: def}
	identity := reflect.ValueOf(def.Handle).Pointer()
	if err := d.registry.register(def.Name, identity, entry); err != nil {
		return nil, err
	}
	return &JobHandle[I, O]{d: d, name: def.Name}, nil
}

// GetJob returns a typed handle for an already-registered Job (§4.G).
// Fails with job_not_found if name was never registered.
func GetJob[I, O any](d *Durably, name string) (*JobHandle[I, O], error) {
	if _, ok := d.registry.lookup(name); !ok {
		return nil, errkind.New(errkind.JobNotFound, fmt.Errorf("job %q is not registered", name))
	}
	return &JobHandle[I, O]{d: d, name: name}, nil
}
