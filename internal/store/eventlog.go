package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// NodeState is the per-node view of a run reconstructed from its event log.
type NodeState struct {
	NodeID      string            `json:"nodeId"`
	Status      schema.NodeStatus `json:"status"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	DurationMs  int64             `json:"durationMs,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// RunLog provides replay over a run's append-only event log.
type RunLog struct {
	store Store
}

// NewRunLog wraps a Store to provide event replay.
func NewRunLog(s Store) *RunLog {
	return &RunLog{store: s}
}

// Replay folds all events of a run into node states, in first-seen order.
// Returns an error if sequence gaps are detected.
func (rl *RunLog) Replay(ctx context.Context, runID string) ([]*NodeState, error) {
	events, err := rl.store.GetRunEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	var order []*NodeState
	states := make(map[string]*NodeState)
	for _, e := range events {
		if e.NodeID == "" {
			continue
		}
		ns, ok := states[e.NodeID]
		if !ok {
			ns = &NodeState{NodeID: e.NodeID}
			states[e.NodeID] = ns
			order = append(order, ns)
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventNodeStarted:
			// A re-invoked run starts the node again; the latest attempt wins.
			ns.Status = schema.NodeStatusLoading
			ns.StartedAt = &ts
			ns.CompletedAt = nil
			ns.DurationMs = 0
			ns.Error = ""
		case schema.EventNodeCompleted:
			ns.Status = schema.NodeStatusSuccess
			ns.CompletedAt = &ts
			if ns.StartedAt != nil {
				ns.DurationMs = ts.Sub(*ns.StartedAt).Milliseconds()
			}
		case schema.EventNodeFailed:
			ns.Status = schema.NodeStatusError
			ns.CompletedAt = &ts
			ns.Error = string(e.Payload)
		}
	}
	return order, nil
}
