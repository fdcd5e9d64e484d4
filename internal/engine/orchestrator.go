package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/runctx"
	"github.com/rendis/nodeflow/internal/steps"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Dispatcher runs one node. Satisfied by *nodes.Registry.
type Dispatcher interface {
	Execute(ctx context.Context, req nodes.Request) (runctx.Context, error)
}

// RunResult is the outcome of one invocation of a trigger event.
type RunResult struct {
	RunID         string           `json:"run_id,omitempty"`
	WorkflowID    string           `json:"workflow_id"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Status        schema.RunStatus `json:"status,omitempty"`
	Output        json.RawMessage  `json:"output,omitempty"`
	Error         string           `json:"error,omitempty"`
	// Skipped is set when the workflow does not exist and no run was created.
	Skipped bool `json:"skipped,omitempty"`
	// Replayed is set when the run had already succeeded and nothing ran.
	Replayed bool `json:"replayed,omitempty"`
	// InFlight is set when another invocation holds the run and nothing ran.
	InFlight bool `json:"in_flight,omitempty"`
	// Attempt is the run attempt this invocation claimed.
	Attempt int `json:"attempt,omitempty"`
}

// DefaultRunLease is how long a RUNNING run stays claimed by its invocation
// without finishing a node.
const DefaultRunLease = 10 * time.Minute

// OrchestratorDeps are the collaborators of an Orchestrator. Store and
// Dispatcher are required.
type OrchestratorDeps struct {
	Store      store.Store
	Dispatcher Dispatcher
	Publisher  *streaming.Publisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// Lease defaults to DefaultRunLease.
	Lease time.Duration
}

// Orchestrator drives a run from trigger event to SUCCESS or FAILED.
// Nodes run serially in topological order; the first node failure ends the run.
type Orchestrator struct {
	store      store.Store
	dispatcher Dispatcher
	publisher  *streaming.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	fsm        *RunFSM
	lease      time.Duration
	now        func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	lease := deps.Lease
	if lease <= 0 {
		lease = DefaultRunLease
	}
	return &Orchestrator{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		logger:     logging.OrDefault(deps.Logger),
		fsm:        NewRunFSM(deps.Store),
		lease:      lease,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs the workflow named by ev. Calling it again with the same
// correlation id reuses the run record, and durable steps that already
// completed are not repeated. While one invocation holds the run, others
// return it InFlight without executing anything.
func (o *Orchestrator) Execute(ctx context.Context, ev schema.TriggerEvent) (*RunResult, error) {
	if ev.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger event has no workflow id")
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.New().String()
	}
	ctx = logging.WithWorkflowID(ctx, ev.WorkflowID)

	wf, err := o.store.GetWorkflow(ctx, ev.WorkflowID)
	if err != nil {
		if isNotFound(err) {
			o.logger.WarnContext(ctx, "workflow not found, skipping run",
				slog.String("correlation_id", ev.CorrelationID))
			return &RunResult{WorkflowID: ev.WorkflowID, CorrelationID: ev.CorrelationID, Skipped: true}, nil
		}
		return nil, storeError("load workflow", err)
	}

	run, state, err := o.startRun(ctx, ev)
	if err != nil {
		return nil, err
	}
	result := &RunResult{
		RunID:         run.ID,
		WorkflowID:    wf.ID,
		CorrelationID: run.CorrelationID,
		Status:        run.Status,
		Attempt:       run.Attempt,
	}
	switch state {
	case startReplay:
		result.Output = run.Output
		result.Replayed = true
		return result, nil
	case startInFlight:
		result.Status = schema.RunStatusRunning
		result.InFlight = true
		return result, nil
	}

	ctx = logging.WithRunID(ctx, run.ID)
	started := o.now()
	o.metrics.RunStarted()

	output, runErr := o.runNodes(ctx, wf, run, ev.InitialContext)
	if runErr != nil {
		result.Status = schema.RunStatusFailed
		result.Error = runErr.Error()
		o.metrics.RunFinished(string(schema.RunStatusFailed), o.now().Sub(started))
		if err := o.failRun(ctx, run.ID, run.Attempt, runErr); err != nil {
			return result, err
		}
		return result, runErr
	}

	if err := o.completeRun(ctx, run, output); err != nil {
		o.metrics.RunFinished(string(schema.RunStatusFailed), o.now().Sub(started))
		return result, err
	}
	o.metrics.RunFinished(string(schema.RunStatusSuccess), o.now().Sub(started))
	o.logger.InfoContext(ctx, "run completed", slog.Duration("duration", o.now().Sub(started)))

	result.Status = schema.RunStatusSuccess
	result.Output = output
	return result, nil
}

type startState int

const (
	startExecute startState = iota
	startReplay
	startInFlight
)

// startRun finds or creates the run for ev and claims it under a fresh lease.
func (o *Orchestrator) startRun(ctx context.Context, ev schema.TriggerEvent) (*schema.Run, startState, error) {
	run, err := o.store.FindRunByCorrelation(ctx, ev.WorkflowID, ev.CorrelationID)
	if err != nil {
		return nil, startExecute, storeError("find run", err)
	}
	if run != nil {
		return o.claimRun(ctx, run)
	}

	now := o.now()
	lease := now.Add(o.lease)
	run = &schema.Run{
		ID:             uuid.New().String(),
		WorkflowID:     ev.WorkflowID,
		CorrelationID:  ev.CorrelationID,
		Status:         schema.RunStatusRunning,
		StartedAt:      now,
		Attempt:        1,
		LeaseExpiresAt: &lease,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		if !isConflict(err) {
			return nil, startExecute, storeError("create run", err)
		}
		// A concurrent invocation created it first.
		run, err = o.store.FindRunByCorrelation(ctx, ev.WorkflowID, ev.CorrelationID)
		if err != nil || run == nil {
			return nil, startExecute, storeError("find run", err)
		}
		return o.claimRun(ctx, run)
	}
	if err := o.fsm.Transition(ctx, run.ID, schema.RunStatusNotStarted, schema.RunStatusRunning, nil); err != nil {
		return nil, startExecute, err
	}
	o.logger.InfoContext(logging.WithRunID(ctx, run.ID), "run started",
		slog.String("correlation_id", run.CorrelationID))
	return run, startExecute, nil
}

// claimRun takes over an existing run. SUCCESS replays; a run whose lease is
// still held elsewhere is reported in flight.
func (o *Orchestrator) claimRun(ctx context.Context, run *schema.Run) (*schema.Run, startState, error) {
	ctx = logging.WithRunID(ctx, run.ID)
	if run.Status == schema.RunStatusSuccess {
		o.logger.InfoContext(ctx, "run already succeeded, nothing to do")
		return run, startReplay, nil
	}

	now := o.now()
	lease := now.Add(o.lease)
	claimed, err := o.store.ClaimRun(ctx, run.ID, now, lease)
	if err != nil {
		return nil, startExecute, storeError("claim run", err)
	}
	if !claimed {
		current, err := o.store.GetRun(ctx, run.ID)
		if err != nil {
			return nil, startExecute, storeError("reload run", err)
		}
		if current.Status == schema.RunStatusSuccess {
			return current, startReplay, nil
		}
		o.logger.InfoContext(ctx, "run held by another invocation", slog.Int("attempt", current.Attempt))
		return current, startInFlight, nil
	}

	from := run.Status
	if err := o.fsm.Transition(ctx, run.ID, from, schema.RunStatusRunning, reinvokedPayload(from)); err != nil {
		return nil, startExecute, err
	}
	run.Status = schema.RunStatusRunning
	run.Attempt++
	run.LeaseExpiresAt = &lease
	run.Error, run.ErrorStack, run.CompletedAt, run.Output = "", "", nil, nil
	o.logger.InfoContext(ctx, "run re-invoked",
		slog.String("previous_status", string(from)), slog.Int("attempt", run.Attempt))
	return run, startExecute, nil
}

func (o *Orchestrator) runNodes(ctx context.Context, wf *schema.Workflow, run *schema.Run, initial map[string]any) (json.RawMessage, error) {
	if len(wf.Nodes) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "workflow %s has no nodes", wf.ID)
	}
	ordered, err := Order(wf.Nodes, wf.Connections)
	if err != nil {
		return nil, err
	}

	runner := steps.NewJournalRunner(o.store, run.ID,
		steps.WithLogger(o.logger), steps.WithMetrics(o.metrics))
	rc := runctx.New(initial)

	for _, node := range ordered {
		next, err := o.runNode(ctx, wf, run, node, rc, runner)
		if err != nil {
			return nil, err
		}
		rc = next
		if err := o.store.RenewRunLease(ctx, run.ID, run.Attempt, o.now().Add(o.lease)); err != nil {
			return nil, storeError("renew run lease", err)
		}
	}

	output, err := json.Marshal(rc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode run output").WithCause(err)
	}
	return output, nil
}

func (o *Orchestrator) runNode(ctx context.Context, wf *schema.Workflow, run *schema.Run, node schema.Node, rc runctx.Context, runner steps.Runner) (runctx.Context, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	if err := o.appendNodeEvent(ctx, run.ID, node.ID, schema.EventNodeStarted, map[string]any{"type": node.Type}); err != nil {
		return rc, err
	}

	req := nodes.Request{
		Config:   node.Config,
		NodeID:   node.ID,
		NodeType: node.Type,
		Context:  rc,
		OwnerID:  wf.OwnerID,
		Steps:    runner,
		Status:   o.statusFor(node.Type, run.ID),
	}

	start := o.now()
	next, err := o.dispatch(ctx, req)
	elapsed := o.now().Sub(start)

	if err != nil {
		o.metrics.ObserveNode(string(node.Type), "error", elapsed)
		nodeErr := wrapNodeError(node, err)
		payload := map[string]any{"error": nodeErr.Message, "code": nodeErr.Code, "duration_ms": elapsed.Milliseconds()}
		if appendErr := o.appendNodeEvent(ctx, run.ID, node.ID, schema.EventNodeFailed, payload); appendErr != nil {
			o.logger.WarnContext(ctx, "append node_failed event", slog.String("error", appendErr.Error()))
		}
		o.logger.ErrorContext(ctx, "node failed",
			slog.String("node_type", string(node.Type)), slog.String("error", err.Error()))
		return rc, nodeErr
	}

	o.metrics.ObserveNode(string(node.Type), "success", elapsed)
	if err := o.appendNodeEvent(ctx, run.ID, node.ID, schema.EventNodeCompleted, map[string]any{"duration_ms": elapsed.Milliseconds()}); err != nil {
		return rc, err
	}
	o.logger.DebugContext(ctx, "node completed", slog.String("node_type", string(node.Type)), slog.Duration("duration", elapsed))
	return next, nil
}

// dispatch turns an executor panic into an EXECUTION_ERROR.
func (o *Orchestrator) dispatch(ctx context.Context, req nodes.Request) (out runctx.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = req.Context
			err = schema.NewErrorf(schema.ErrCodeExecution, "executor panic: %v", r)
		}
	}()
	return o.dispatcher.Execute(ctx, req)
}

func (o *Orchestrator) statusFor(nodeType schema.NodeType, runID string) nodes.StatusPublisher {
	if o.publisher == nil {
		return nodes.DiscardStatus
	}
	return o.publisher.For(string(nodeType), runID)
}

// Abandon records cause on a run its invoker gave up on. It is a no-op when
// the run already finished or another attempt has claimed it.
func (o *Orchestrator) Abandon(ctx context.Context, runID string, attempt int, cause error) error {
	return o.failRun(logging.WithRunID(ctx, runID), runID, attempt, cause)
}

// failRun records runErr on the run. The run is re-read first: it is only
// updated when it exists, is still RUNNING and belongs to attempt. A zero
// attempt matches any.
func (o *Orchestrator) failRun(ctx context.Context, runID string, attempt int, runErr error) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			o.logger.WarnContext(ctx, "run record missing, failure not recorded", slog.String("error", runErr.Error()))
			return nil
		}
		return storeError("reload run", err)
	}
	if run.Status != schema.RunStatusRunning {
		return nil
	}
	if attempt > 0 && run.Attempt != attempt {
		o.logger.WarnContext(ctx, "run claimed by a later attempt, failure not recorded",
			slog.Int("attempt", attempt), slog.Int("current_attempt", run.Attempt))
		return nil
	}

	msg := failureMessage(runErr)
	failed := schema.RunStatusFailed
	completed := o.now()
	stack := errorStack(runErr)
	if err := o.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &failed,
		CompletedAt: &completed,
		Error:       &msg,
		ErrorStack:  &stack,
	}); err != nil {
		return storeError("record run failure", err)
	}

	payload, _ := json.Marshal(map[string]any{"error": msg})
	if err := o.fsm.Transition(ctx, runID, run.Status, schema.RunStatusFailed, payload); err != nil {
		o.logger.WarnContext(ctx, "append run_failed event", slog.String("error", err.Error()))
	}
	o.logger.ErrorContext(ctx, "run failed", slog.String("error", msg))
	return nil
}

// completeRun persists SUCCESS before appending run_completed. A failed write
// releases the lease so the next invocation can claim the run at once.
func (o *Orchestrator) completeRun(ctx context.Context, run *schema.Run, output json.RawMessage) error {
	success := schema.RunStatusSuccess
	completed := o.now()
	if err := o.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:      &success,
		CompletedAt: &completed,
		Output:      output,
	}); err != nil {
		if relErr := o.store.RenewRunLease(ctx, run.ID, run.Attempt, time.Time{}); relErr != nil {
			o.logger.WarnContext(ctx, "release run lease", slog.String("error", relErr.Error()))
		}
		return storeError("record run success", err)
	}
	if err := o.fsm.Transition(ctx, run.ID, schema.RunStatusRunning, schema.RunStatusSuccess, nil); err != nil {
		o.logger.WarnContext(ctx, "append run_completed event", slog.String("error", err.Error()))
	}
	return nil
}

func (o *Orchestrator) appendNodeEvent(ctx context.Context, runID, nodeID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "encode event payload").WithCause(err)
	}
	if err := o.store.AppendEvent(ctx, &store.Event{RunID: runID, NodeID: nodeID, Type: eventType, Payload: data}); err != nil {
		return storeError("append "+eventType, err)
	}
	return nil
}

// wrapNodeError prefixes the failing node and keeps the cause's code, so a
// configuration error stays non-retriable.
func wrapNodeError(node schema.Node, err error) *schema.NodeflowError {
	code := schema.ErrCodeNodeFailed
	msg := err.Error()
	var details map[string]any
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		code = nfErr.Code
		msg = nfErr.Message
		details = nfErr.Details
	}
	return &schema.NodeflowError{
		Code:     code,
		Message:  msg,
		Details:  details,
		NodeID:   node.ID,
		NodeType: node.Type,
		Cause:    err,
	}
}

// failureMessage is the run's stored error: "node <id> (<type>): <message>"
// for node failures, the bare message otherwise.
func failureMessage(err error) string {
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		if nfErr.NodeID != "" {
			return fmt.Sprintf("node %s (%s): %s", nfErr.NodeID, nfErr.NodeType, nfErr.Message)
		}
		return nfErr.Message
	}
	return err.Error()
}

// errorStack renders the error chain followed by the goroutine stack.
func errorStack(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		b.WriteString(e.Error())
		b.WriteByte('\n')
	}
	b.WriteString("\n")
	b.Write(debug.Stack())
	return b.String()
}

func reinvokedPayload(from schema.RunStatus) json.RawMessage {
	data, _ := json.Marshal(map[string]any{"reinvoked": true, "previous_status": from})
	return data
}

func isNotFound(err error) bool {
	var nfErr *schema.NodeflowError
	return errors.As(err, &nfErr) && nfErr.Code == schema.ErrCodeNotFound
}

func isConflict(err error) bool {
	var nfErr *schema.NodeflowError
	return errors.As(err, &nfErr) && nfErr.Code == schema.ErrCodeConflict
}

func storeError(op string, err error) error {
	if err == nil {
		return schema.NewErrorf(schema.ErrCodeStore, "%s: not found", op)
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
