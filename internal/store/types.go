package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// StepStatus is the outcome recorded for a durable step.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// StepRecord is the memoized outcome of a named durable step within a run.
type StepRecord struct {
	RunID     string          `json:"run_id"`
	Name      string          `json:"name"`
	Status    StepStatus      `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Event is an immutable entry in a run's event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	OwnerID string `json:"owner_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// RunUpdate specifies mutable fields of a run. ClearFailure resets the error
// columns and completed_at; used when a re-invoked run restarts.
type RunUpdate struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Error        *string           `json:"error,omitempty"`
	ErrorStack   *string           `json:"error_stack,omitempty"`
	ClearFailure bool              `json:"-"`
}
