package store

import (
	"context"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *schema.Workflow) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	FindRunByCorrelation(ctx context.Context, workflowID, correlationID string) (*schema.Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)
	ClaimRun(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	RenewRunLease(ctx context.Context, id string, attempt int, leaseUntil time.Time) error

	// Durable step journal
	StepJournal

	// Run events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetRunEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StepJournal persists durable step outcomes keyed by (run id, step name).
type StepJournal interface {
	GetStepRecord(ctx context.Context, runID, name string) (*StepRecord, error)
	SaveStepRecord(ctx context.Context, rec *StepRecord) error
	ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error)
}
