package engine

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/steps"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory store.Store for engine tests.
type memStore struct {
	*steps.MemoryJournal

	mu        sync.Mutex
	workflows map[string]*schema.Workflow
	runs      map[string]*schema.Run
	events    map[string][]*store.Event
	nextEvent int64

	// hideRuns makes GetRun report NOT_FOUND, as if the record was never written.
	hideRuns bool
	// failRunUpdates makes UpdateRun fail.
	failRunUpdates bool
	// failSuccessUpdates fails that many UpdateRun calls that set SUCCESS.
	failSuccessUpdates int
}

func newMemStore() *memStore {
	return &memStore{
		MemoryJournal: steps.NewMemoryJournal(),
		workflows:     make(map[string]*schema.Workflow),
		runs:          make(map[string]*schema.Run),
		events:        make(map[string][]*store.Event),
	}
}

func (m *memStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s exists", wf.ID)
	}
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *memStore) UpdateWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *memStore) ListWorkflows(_ context.Context, _ store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (m *memStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *memStore) CreateRun(_ context.Context, run *schema.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.WorkflowID == run.WorkflowID && r.CorrelationID == run.CorrelationID {
			return schema.NewError(schema.ErrCodeConflict, "duplicate correlation id")
		}
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*schema.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || m.hideRuns {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) FindRunByCorrelation(_ context.Context, workflowID, correlationID string) (*schema.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.WorkflowID == workflowID && r.CorrelationID == correlationID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateRun(_ context.Context, id string, u store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRunUpdates {
		return schema.NewError(schema.ErrCodeStore, "database is locked")
	}
	if u.Status != nil && *u.Status == schema.RunStatusSuccess && m.failSuccessUpdates > 0 {
		m.failSuccessUpdates--
		return schema.NewError(schema.ErrCodeStore, "database is locked")
	}
	r, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	if u.ClearFailure {
		r.Error, r.ErrorStack, r.CompletedAt, r.Output = "", "", nil, nil
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		r.CompletedAt = &t
	}
	if u.Output != nil {
		r.Output = u.Output
	}
	if u.Error != nil {
		r.Error = *u.Error
	}
	if u.ErrorStack != nil {
		r.ErrorStack = *u.ErrorStack
	}
	return nil
}

func (m *memStore) ClaimRun(_ context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return false, nil
	}
	expired := r.LeaseExpiresAt == nil || r.LeaseExpiresAt.Before(now)
	if r.Status != schema.RunStatusFailed && (r.Status != schema.RunStatusRunning || !expired) {
		return false, nil
	}
	r.Status = schema.RunStatusRunning
	r.Attempt++
	r.LeaseExpiresAt = &leaseUntil
	r.Error, r.ErrorStack, r.CompletedAt, r.Output = "", "", nil, nil
	return true, nil
}

func (m *memStore) RenewRunLease(_ context.Context, id string, attempt int, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Attempt != attempt {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not held by attempt %d", id, attempt)
	}
	if leaseUntil.IsZero() {
		r.LeaseExpiresAt = nil
	} else {
		r.LeaseExpiresAt = &leaseUntil
	}
	return nil
}

// putRun stores run as is, bypassing the claim logic.
func (m *memStore) putRun(run *schema.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
}

func (m *memStore) ListRuns(_ context.Context, f store.RunFilter) ([]*schema.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Run
	for _, r := range m.runs {
		if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, ev *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	ev.ID = m.nextEvent
	ev.Sequence = int64(len(m.events[ev.RunID]) + 1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	cp := *ev
	m.events[ev.RunID] = append(m.events[ev.RunID], &cp)
	return nil
}

func (m *memStore) GetRunEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, ev := range m.events[runID] {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Vacuum(context.Context) error  { return nil }
func (m *memStore) Close() error                  { return nil }

func (m *memStore) eventTypes(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events[runID]))
	for _, ev := range m.events[runID] {
		out = append(out, ev.Type)
	}
	return out
}

func (m *memStore) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

var _ store.Store = (*memStore)(nil)
