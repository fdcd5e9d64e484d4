package schema

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "NOT_STARTED"
	RunStatusRunning    RunStatus = "RUNNING"
	RunStatusSuccess    RunStatus = "SUCCESS"
	RunStatusFailed     RunStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// NodeStatus is the live status broadcast for a node.
type NodeStatus string

const (
	NodeStatusLoading NodeStatus = "loading"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
)

// TriggerEvent starts (or re-identifies) a run.
type TriggerEvent struct {
	WorkflowID     string         `json:"workflowId"`
	CorrelationID  string         `json:"correlationId"`
	InitialContext map[string]any `json:"initialContext,omitempty"`
}

// Run is the persisted execution record of a single trigger event.
type Run struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflowId"`
	CorrelationID string          `json:"correlationId"`
	Status        RunStatus       `json:"status"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorStack    string          `json:"errorStack,omitempty"`
	// Attempt counts the invocations that claimed this run.
	Attempt int `json:"attempt,omitempty"`
	// LeaseExpiresAt is when the invocation holding a RUNNING run is presumed
	// gone. Until then no other invocation may claim the run.
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
}

// Run event types appended to the per-run event log.
const (
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventRunFailed     = "run_failed"
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
)
