package durably

import (
	"time"

	"durably/internal/store"
)

// Status is the lifecycle state of a Run (§3, §4.F state machine).
type Status = store.RunStatus

const (
	StatusPending   = store.StatusPending
	StatusRunning   = store.StatusRunning
	StatusCompleted = store.StatusCompleted
	StatusFailed    = store.StatusFailed
	StatusCancelled = store.StatusCancelled
)

// Progress is the coarse, best-effort progress report attached to a Run.
type Progress = store.Progress

// Run is the public, read-only view of a persisted Run (§3). Output and
// Error are raw JSON/text; a caller with a typed JobHandle decodes
// Output via JobHandle.Decode rather than unmarshaling it by hand.
type Run struct {
	ID             string
	JobName        string
	Status         Status
	Payload        []byte
	Output         []byte
	Error          string
	IdempotencyKey string
	ConcurrencyKey string
	Progress       *Progress
	StepCount      int
	HeartbeatAt    *time.Time
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func runFromStore(r store.Run) Run {
	return Run{
		ID:             r.ID,
		JobName:        r.JobName,
		Status:         r.Status,
		Payload:        r.Payload,
		Output:         r.Output,
		Error:          r.Error,
		IdempotencyKey: r.IdempotencyKey,
		ConcurrencyKey: r.ConcurrencyKey,
		Progress:       r.Progress,
		StepCount:      r.StepCount,
		HeartbeatAt:    r.HeartbeatAt,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}

func runsFromStore(rs []store.Run) []Run {
	out := make([]Run, len(rs))
	for i, r := range rs {
		out[i] = runFromStore(r)
	}
	return out
}

// RunFilter narrows a GetRuns listing. Zero values are unconstrained.
type RunFilter struct {
	JobName string
	Status  Status
	Limit   int
	Offset  int
}

func (f RunFilter) toStore() store.RunFilter {
	return store.RunFilter{
		JobName: f.JobName,
		Status:  f.Status,
		Limit:   f.Limit,
		Offset:  f.Offset,
	}
}
