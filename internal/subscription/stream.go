// Package subscription converts Event Bus delivery into a per-run,
// lazy, finite stream that closes itself once a Run reaches a terminal
// state (§4.H).
package subscription

import (
	"context"

	"durably/internal/events"
	"durably/internal/store"
)

// Storage is the subset of internal/store.Store the Stream needs to
// check whether a Run is already terminal at subscription time.
type Storage interface {
	GetRun(ctx context.Context, runID string) (store.Run, error)
}

// Stream delivers events for one Run until a terminal event is seen (or
// the Run was already terminal when the Stream was created), then
// closes its channel. Close unsubscribes from the Event Bus immediately
// if the consumer stops reading early.
type Stream struct {
	ch        chan events.Event
	unsub     func()
	closeOnce chan struct{}
}

// New constructs a Stream for runID. If the Run is already in a
// terminal state, a synthesized terminal event is emitted and the
// stream closes without ever touching the Event Bus.
func New(ctx context.Context, storage Storage, bus *events.Hub, runID string, bufferSize int) (*Stream, error) {
	run, err := storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		ch:        make(chan events.Event, bufferSize),
		closeOnce: make(chan struct{}),
	}

	if terminalType, ok := terminalEventFor(run.Status); ok {
		s.ch <- synthesize(terminalType, run)
		close(s.ch)
		s.unsub = func() {}
		return s, nil
	}

	sub, unsub := bus.SubscribeRun(runID, bufferSize)
	s.unsub = unsub

	go s.forward(sub)

	return s, nil
}

func (s *Stream) forward(sub <-chan events.Event) {
	defer close(s.ch)
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			select {
			case s.ch <- evt:
			default:
				// Consumer isn't keeping up; drop rather than block the
				// bus (mirrors the Hub's own non-blocking publish).
			}
			if isTerminal(evt.Type) {
				return
			}
		case <-s.closeOnce:
			return
		}
	}
}

// Events returns the channel of delivered events. It closes once a
// terminal event has been forwarded, or Close is called.
func (s *Stream) Events() <-chan events.Event {
	return s.ch
}

// Close unsubscribes from the Event Bus and stops forwarding. Safe to
// call more than once.
func (s *Stream) Close() {
	select {
	case <-s.closeOnce:
		return
	default:
		close(s.closeOnce)
	}
	if s.unsub != nil {
		s.unsub()
	}
}

func isTerminal(t events.Type) bool {
	switch t {
	case events.TypeRunComplete, events.TypeRunFail, events.TypeRunCancel:
		return true
	default:
		return false
	}
}

func terminalEventFor(status store.RunStatus) (events.Type, bool) {
	switch status {
	case store.StatusCompleted:
		return events.TypeRunComplete, true
	case store.StatusFailed:
		return events.TypeRunFail, true
	case store.StatusCancelled:
		return events.TypeRunCancel, true
	default:
		return "", false
	}
}

func synthesize(typ events.Type, run store.Run) events.Event {
	payload := map[string]any{"job_name": run.JobName}
	switch typ {
	case events.TypeRunComplete:
		payload["output"] = run.Output
	case events.TypeRunFail:
		payload["error"] = run.Error
	}
	return events.New(typ, run.ID, payload)
}
