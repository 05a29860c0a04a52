package durably

import "time"

// Options configures a Durably instance. Zero values fall back to the
// documented defaults (§4.F, §6).
type Options struct {
	// DataDir holds durably.db and, if loaded via this package's
	// cmd/durably binary, durably.toml. Required.
	DataDir string

	PollingInterval   time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration

	// MaxConcurrent bounds how many Runs the worker drives at once.
	// Defaults to and is clamped to 1 (§4.F, §9) — kept as an extension
	// point, not a tuning knob meant for routine use.
	MaxConcurrent int

	// PersistLogs additionally writes step.log calls to durably_logs,
	// not just the event bus (§4.D).
	PersistLogs bool

	// EventBufferSize sizes each subscriber's buffered channel (§4.C).
	EventBufferSize int
}

func (o *Options) setDefaults() {
	if o.PollingInterval <= 0 {
		o.PollingInterval = 1000 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5000 * time.Millisecond
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 30000 * time.Millisecond
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = 32
	}
}

// TriggerOptions carries the optional fields accepted by Trigger and
// BatchTrigger items (§3, §4.G).
type TriggerOptions struct {
	IdempotencyKey string
	ConcurrencyKey string
}

// BatchItem is one unit of a BatchTrigger call.
type BatchItem struct {
	JobName        string
	Input          any
	IdempotencyKey string
	ConcurrencyKey string
}
