// Package scheduler fires trigger events for workflows that contain a
// schedule_trigger node.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// WorkflowSource lists workflows. Satisfied by store.Store.
type WorkflowSource interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
}

// Enqueuer accepts trigger events for background execution.
// Satisfied by *engine.TriggerQueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev schema.TriggerEvent) (string, error)
}

// Entry describes one registered schedule.
type Entry struct {
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id"`
	Spec       string    `json:"cron"`
	Next       time.Time `json:"next,omitempty"`
}

type entryKey struct {
	workflowID string
	nodeID     string
}

type registered struct {
	id   cron.EntryID
	spec string
}

// Scheduler maps schedule_trigger nodes onto cron entries.
type Scheduler struct {
	source WorkflowSource
	queue  Enqueuer
	parser cron.Parser
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[entryKey]registered
	started bool
	baseCtx context.Context
}

// NewScheduler creates a Scheduler with the standard 5-field cron parser, in UTC.
func NewScheduler(source WorkflowSource, queue Enqueuer, logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		source:  source,
		queue:   queue,
		parser:  parser,
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		logger:  logging.OrDefault(logger),
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[entryKey]registered),
		baseCtx: context.Background(),
	}
}

// Start loads the schedules and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	n, err := s.Reload(ctx)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("entries", n))
	return nil
}

// Stop halts the cron loop and waits for running fire callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Reload rescans every workflow and syncs the cron entries with the
// schedule_trigger nodes it finds. Entries whose node disappeared or whose
// expression changed are replaced. Invalid expressions are logged and skipped.
// It returns the number of active entries.
func (s *Scheduler) Reload(ctx context.Context) (int, error) {
	workflows, err := s.source.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return 0, fmt.Errorf("list workflows: %w", err)
	}

	wanted := make(map[entryKey]string)
	for _, wf := range workflows {
		for _, n := range wf.Nodes {
			if n.Type != schema.NodeTypeScheduleTrigger {
				continue
			}
			spec, _ := n.Config["cron"].(string)
			if _, err := s.parser.Parse(spec); err != nil {
				s.logger.WarnContext(logging.WithWorkflowID(ctx, wf.ID), "invalid schedule, skipping",
					slog.String("node_id", n.ID), slog.String("cron", spec), slog.String("error", err.Error()))
				continue
			}
			wanted[entryKey{workflowID: wf.ID, nodeID: n.ID}] = spec
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, reg := range s.entries {
		if spec, ok := wanted[key]; !ok || spec != reg.spec {
			s.cron.Remove(reg.id)
			delete(s.entries, key)
		}
	}
	for key, spec := range wanted {
		if _, ok := s.entries[key]; ok {
			continue
		}
		sched, _ := s.parser.Parse(spec)
		workflowID := key.workflowID
		id := s.cron.Schedule(sched, cron.FuncJob(func() {
			if _, err := s.Fire(s.fireContext(), workflowID, s.now()); err != nil {
				s.logger.Error("scheduled trigger failed",
					slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
			}
		}))
		s.entries[key] = registered{id: id, spec: spec}
	}
	return len(s.entries), nil
}

func (s *Scheduler) fireContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Fire enqueues the trigger event for a schedule of workflowID firing at at.
// Fires within the same minute share a correlation id, so duplicates collapse
// onto one run.
func (s *Scheduler) Fire(ctx context.Context, workflowID string, at time.Time) (string, error) {
	ev := schema.TriggerEvent{
		WorkflowID:    workflowID,
		CorrelationID: CorrelationID(workflowID, at),
		InitialContext: map[string]any{
			nodes.ScheduleKey: map[string]any{"firedAt": at.UTC().Format(time.RFC3339)},
		},
	}
	id, err := s.queue.Enqueue(ctx, ev)
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(logging.WithWorkflowID(ctx, workflowID), "schedule fired", slog.String("correlation_id", id))
	return id, nil
}

// Entries returns the registered schedules ordered by workflow and node id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for key, reg := range s.entries {
		out = append(out, Entry{
			WorkflowID: key.workflowID,
			NodeID:     key.nodeID,
			Spec:       reg.spec,
			Next:       s.cron.Entry(reg.id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkflowID != out[j].WorkflowID {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// CalculateNextRun computes the next fire time of a cron expression after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeConfig, "parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return schedule.Next(from), nil
}

// CorrelationID is the idempotency key of a schedule fire: one per workflow per minute.
func CorrelationID(workflowID string, at time.Time) string {
	return fmt.Sprintf("schedule:%s:%d", workflowID, at.Unix()/60)
}
