package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// TransitionHook is called before or after a run state transition.
type TransitionHook func(runID string, from, to schema.RunStatus) error

// EventAppender is satisfied by the Store; used by the FSM to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions defines the allowed run state transitions.
//
// RUNNING -> RUNNING and FAILED -> RUNNING happen when the substrate
// re-invokes a run that was interrupted or failed retriably.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusNotStarted: {schema.RunStatusRunning},
	schema.RunStatusRunning:    {schema.RunStatusRunning, schema.RunStatusSuccess, schema.RunStatusFailed},
	schema.RunStatusFailed:     {schema.RunStatusRunning},
	schema.RunStatusSuccess:    {},
}

type hookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run lifecycle transitions and appends the matching event.
// The caller is responsible for persisting the new status.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition's event is appended.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and appends the run event, carrying payload if set.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload json.RawMessage) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(runID, from, to); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" && f.appender != nil {
		event := &store.Event{RunID: runID, Type: eventType, Payload: payload}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(runID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusSuccess:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}
