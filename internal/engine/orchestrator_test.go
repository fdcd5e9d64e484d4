package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/runctx"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// funcExecutor is a schema-less executor backed by a closure.
type funcExecutor struct {
	typ schema.NodeType
	fn  func(ctx context.Context, req nodes.Request) (runctx.Context, error)
}

func (f *funcExecutor) Type() schema.NodeType { return f.typ }
func (f *funcExecutor) Schema() nodes.Schema  { return nodes.Schema{} }
func (f *funcExecutor) Execute(ctx context.Context, req nodes.Request) (runctx.Context, error) {
	return f.fn(ctx, req)
}

// callCounter counts executions per node id.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *callCounter) hit(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[id]++
	return c.calls[id]
}

func (c *callCounter) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

// echoExecutor renders config.input and writes it to config.variableName.
func echoExecutor(calls *callCounter) *funcExecutor {
	return &funcExecutor{typ: "echo", fn: func(_ context.Context, req nodes.Request) (runctx.Context, error) {
		calls.hit(req.NodeID)
		in, _ := req.Config["input"].(string)
		out, err := expressions.Render(in, req.Context)
		if err != nil {
			return req.Context, err
		}
		name, _ := req.Config["variableName"].(string)
		if name == "" {
			return req.Context, nil
		}
		return req.Context.With(req.NodeID, name, out)
	}}
}

func failingExecutor(calls *callCounter, err error) *funcExecutor {
	return &funcExecutor{typ: "fail", fn: func(_ context.Context, req nodes.Request) (runctx.Context, error) {
		calls.hit(req.NodeID)
		return req.Context, err
	}}
}

type harness struct {
	store    *memStore
	registry *nodes.Registry
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry
	calls    *callCounter
	orch     *Orchestrator
}

func newHarness(t *testing.T, extra ...nodes.Executor) *harness {
	t.Helper()
	reg, err := nodes.NewBuiltinRegistry(nodes.BuiltinOptions{})
	require.NoError(t, err)
	calls := &callCounter{}
	require.NoError(t, reg.Register(echoExecutor(calls)))
	for _, exec := range extra {
		require.NoError(t, reg.Register(exec))
	}
	promReg := prometheus.NewRegistry()
	h := &harness{
		store:    newMemStore(),
		registry: reg,
		metrics:  metrics.New(promReg),
		promReg:  promReg,
		calls:    calls,
	}
	h.orch = NewOrchestrator(OrchestratorDeps{
		Store:      h.store,
		Dispatcher: reg,
		Metrics:    h.metrics,
		Logger:     discardLogger(),
	})
	return h
}

func (h *harness) seed(t *testing.T, id string, ns []schema.Node, cs ...schema.Connection) {
	t.Helper()
	require.NoError(t, h.store.CreateWorkflow(context.Background(), &schema.Workflow{
		ID: id, OwnerID: "owner-1", Nodes: ns, Connections: cs,
	}))
}

// counter sums every sample of the named counter family.
func (h *harness) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := h.promReg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func typed(id string, typ schema.NodeType, config map[string]any) schema.Node {
	return schema.Node{ID: id, Type: typ, Config: config}
}

func (h *harness) storedRun(t *testing.T, runID string) *schema.Run {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	r, ok := h.store.runs[runID]
	require.True(t, ok, "run %s not stored", runID)
	cp := *r
	return &cp
}

func TestOrchestrator_ContextAccumulates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "wf", []schema.Node{
		typed("b", "echo", map[string]any{"input": "x is {{x}}", "variableName": "y"}),
		typed("start", schema.NodeTypeManualTrigger, nil),
		typed("a", schema.NodeTypeExpression, map[string]any{"expression": "1", "variableName": "x"}),
	}, conn("start", "a"), conn("a", "b"))

	res, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, res.Status)
	assert.False(t, res.Replayed)
	assert.JSONEq(t, `{"x":1,"y":"x is 1"}`, string(res.Output))

	run := h.storedRun(t, res.RunID)
	assert.Equal(t, schema.RunStatusSuccess, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.JSONEq(t, `{"x":1,"y":"x is 1"}`, string(run.Output))

	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventNodeStarted, schema.EventNodeCompleted,
		schema.EventNodeStarted, schema.EventNodeCompleted,
		schema.EventNodeStarted, schema.EventNodeCompleted,
		schema.EventRunCompleted,
	}, h.store.eventTypes(res.RunID))
	assert.Equal(t, 1.0, h.counter(t, "nodeflow_runs_total"))
}

func TestOrchestrator_InitialContextIsVisible(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "wf", []schema.Node{
		typed("hook", schema.NodeTypeWebhookTrigger, map[string]any{"variableName": "payload"}),
		typed("say", "echo", map[string]any{"input": "hello {{payload.name}}", "variableName": "greeting"}),
	}, conn("hook", "say"))

	res, err := h.orch.Execute(context.Background(), schema.TriggerEvent{
		WorkflowID:     "wf",
		InitialContext: map[string]any{"webhook": map[string]any{"body": map[string]any{"name": "ada"}}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.CorrelationID, "a correlation id is generated when none is given")

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "hello ada", out["greeting"])
}

func TestOrchestrator_FirstFailureStopsRun(t *testing.T) {
	later := &callCounter{}
	h := newHarness(t,
		failingExecutor(later, schema.NewError(schema.ErrCodeExternal, "smtp down")),
		&funcExecutor{typ: "record", fn: func(_ context.Context, req nodes.Request) (runctx.Context, error) {
			later.hit(req.NodeID)
			return req.Context, nil
		}},
	)
	h.seed(t, "wf", []schema.Node{
		typed("a", schema.NodeTypeExpression, map[string]any{"expression": "1", "variableName": "x"}),
		typed("b", "fail", nil),
		typed("c", "record", nil),
	}, conn("a", "b"), conn("b", "c"))

	res, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	require.Error(t, err)
	assertCode(t, err, schema.ErrCodeExternal)
	assert.True(t, IsRetryableError(err))

	var nfErr *schema.NodeflowError
	require.True(t, errors.As(err, &nfErr))
	assert.Equal(t, "b", nfErr.NodeID)
	assert.Equal(t, schema.NodeType("fail"), nfErr.NodeType)

	assert.Equal(t, 1, later.count("b"))
	assert.Equal(t, 0, later.count("c"), "nodes after a failure must not run")

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	run := h.storedRun(t, res.RunID)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, "node b (fail): smtp down", run.Error)
	assert.Contains(t, run.ErrorStack, "smtp down")
	assert.NotNil(t, run.CompletedAt)
	assert.Empty(t, run.Output)

	events := h.store.eventTypes(res.RunID)
	assert.Contains(t, events, schema.EventNodeFailed)
	assert.Equal(t, schema.EventRunFailed, events[len(events)-1])
}

func TestOrchestrator_MissingWorkflowIsSkipped(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "gone", CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.RunID)
	assert.Equal(t, 0, h.store.runCount())
}

func TestOrchestrator_RequiresWorkflowID(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Execute(context.Background(), schema.TriggerEvent{})
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestOrchestrator_EmptyWorkflowFails(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "wf", nil)

	res, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeConfig)
	assert.False(t, IsRetryableError(err))
	assert.Equal(t, schema.RunStatusFailed, h.storedRun(t, res.RunID).Status)
}

func TestOrchestrator_CycleRunsNothing(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "wf", []schema.Node{
		typed("a", "echo", map[string]any{"input": "a"}),
		typed("b", "echo", map[string]any{"input": "b"}),
	}, conn("a", "b"), conn("b", "a"))

	res, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeCycleDetected)
	assert.Equal(t, 0, h.calls.count("a"))
	assert.Equal(t, 0, h.calls.count("b"))
	assert.Equal(t, schema.RunStatusFailed, h.storedRun(t, res.RunID).Status)
	assert.NotContains(t, h.store.eventTypes(res.RunID), schema.EventNodeStarted)
}

func TestOrchestrator_UnknownNodeType(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "wf", []schema.Node{typed("old", "legacy_ftp", nil)})

	res, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeUnknownNodeType)
	assert.Contains(t, h.storedRun(t, res.RunID).Error, "node old (legacy_ftp)")
}

func TestOrchestrator_InvalidConfigIsNotRetriable(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "wf", []schema.Node{typed("call", schema.NodeTypeHTTPRequest, map[string]any{"method": "GET"})})

	_, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeConfig)
	assert.False(t, IsRetryableError(err))
}

func TestOrchestrator_SucceededRunIsNotRepeated(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "wf", []schema.Node{typed("a", "echo", map[string]any{"input": "hi", "variableName": "x"})})
	ev := schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"}

	first, err := h.orch.Execute(context.Background(), ev)
	require.NoError(t, err)
	second, err := h.orch.Execute(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.RunID, second.RunID)
	assert.JSONEq(t, string(first.Output), string(second.Output))
	assert.Equal(t, 1, h.calls.count("a"))
	assert.Equal(t, 1, h.store.runCount())
}

func TestOrchestrator_PanicBecomesExecutionError(t *testing.T) {
	h := newHarness(t, &funcExecutor{typ: "buggy", fn: func(context.Context, nodes.Request) (runctx.Context, error) {
		panic("nil map")
	}})
	h.seed(t, "wf", []schema.Node{typed("a", "buggy", nil)})

	res, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeExecution)
	assert.Contains(t, err.Error(), "nil map")
	assert.Equal(t, schema.RunStatusFailed, h.storedRun(t, res.RunID).Status)
}

func TestOrchestrator_MissingRunRecordIsNotUpdated(t *testing.T) {
	h := newHarness(t, failingExecutor(&callCounter{}, schema.NewError(schema.ErrCodeExternal, "down")))
	h.seed(t, "wf", []schema.Node{typed("a", "fail", nil)})
	h.store.hideRuns = true

	res, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeExternal)

	run := h.storedRun(t, res.RunID)
	assert.Equal(t, schema.RunStatusRunning, run.Status)
	assert.Empty(t, run.Error)
	assert.NotContains(t, h.store.eventTypes(res.RunID), schema.EventRunFailed)
}

func TestOrchestrator_PersistenceFailureIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "wf", []schema.Node{typed("a", "echo", map[string]any{"input": "hi"})})
	h.store.failRunUpdates = true

	_, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeStore)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestOrchestrator_PublishesNodeStatus(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), string(schema.NodeTypeExpression))
	require.NoError(t, err)
	defer cancel()

	h := newHarness(t)
	pub := streaming.NewPublisher(hub, streaming.WithPublisherLogger(discardLogger()))
	h.orch = NewOrchestrator(OrchestratorDeps{Store: h.store, Dispatcher: h.registry, Publisher: pub, Logger: discardLogger()})
	h.seed(t, "wf", []schema.Node{
		typed("a", schema.NodeTypeExpression, map[string]any{"expression": "1 + 1", "variableName": "two"}),
		typed("b", "echo", map[string]any{"input": "{{two}}"}),
	}, conn("a", "b"))

	res, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	require.NoError(t, err)
	pub.Close()

	var got []schema.NodeStatus
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			assert.Equal(t, "a", ev.NodeID)
			assert.Equal(t, res.RunID, ev.RunID)
			got = append(got, ev.Status)
		case <-timeout:
			t.Fatalf("received %v before timeout", got)
		}
	}
	assert.Equal(t, []schema.NodeStatus{schema.NodeStatusLoading, schema.NodeStatusSuccess}, got)
}

func TestInvoker_ReinvokesAndSkipsCompletedSteps(t *testing.T) {
	var sends, flakyCalls int
	var mu sync.Mutex
	send := &funcExecutor{typ: "email", fn: func(ctx context.Context, req nodes.Request) (runctx.Context, error) {
		raw, err := req.Steps.Run(ctx, req.NodeID+":send", func(context.Context) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			sends++
			return map[string]any{"messageId": "m-1"}, nil
		})
		if err != nil {
			return req.Context, err
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return req.Context, err
		}
		return req.Context.With(req.NodeID, "sent", out)
	}}
	flaky := &funcExecutor{typ: "flaky", fn: func(_ context.Context, req nodes.Request) (runctx.Context, error) {
		mu.Lock()
		defer mu.Unlock()
		flakyCalls++
		if flakyCalls == 1 {
			return req.Context, schema.NewError(schema.ErrCodeExternal, "upstream 503")
		}
		return req.Context, nil
	}}

	h := newHarness(t, send, flaky)
	h.seed(t, "wf", []schema.Node{typed("mail", "email", nil), typed("sync", "flaky", nil)}, conn("mail", "sync"))

	inv := NewInvoker(h.orch, RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}, h.metrics, discardLogger())
	res, err := inv.Invoke(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSuccess, res.Status)
	assert.JSONEq(t, `{"sent":{"messageId":"m-1"}}`, string(res.Output))
	assert.Equal(t, 1, sends, "completed step must not repeat on re-invocation")
	assert.Equal(t, 2, flakyCalls)
	assert.Equal(t, 1, h.store.runCount())
	assert.Equal(t, 1.0, h.counter(t, "nodeflow_run_reinvocations_total"))

	events := h.store.eventTypes(res.RunID)
	assert.Equal(t, schema.EventRunStarted, events[0])
	assert.Contains(t, events, schema.EventRunFailed)
	assert.Equal(t, schema.EventRunCompleted, events[len(events)-1])

	rec, err := h.store.GetStepRecord(context.Background(), res.RunID, "mail:send")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StepStatusCompleted, rec.Status)
}

func TestInvoker_DoesNotRetryPermanentFailure(t *testing.T) {
	calls := &callCounter{}
	h := newHarness(t, failingExecutor(calls, schema.NewError(schema.ErrCodeValidation, "bad input")))
	h.seed(t, "wf", []schema.Node{typed("a", "fail", nil)})

	inv := NewInvoker(h.orch, RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond}, h.metrics, discardLogger())
	_, err := inv.Invoke(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeValidation)
	assert.Equal(t, 1, calls.count("a"))
	assert.Equal(t, 0.0, h.counter(t, "nodeflow_run_reinvocations_total"))
}

func TestInvoker_StopsAfterMaxAttempts(t *testing.T) {
	calls := &callCounter{}
	h := newHarness(t, failingExecutor(calls, schema.NewError(schema.ErrCodeExternal, "still down")))
	h.seed(t, "wf", []schema.Node{typed("a", "fail", nil)})

	inv := NewInvoker(h.orch, RetryPolicy{MaxAttempts: 3}, nil, discardLogger())
	res, err := inv.Invoke(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeExternal)
	assert.Equal(t, 3, calls.count("a"))
	assert.Equal(t, 1, h.store.runCount())
	assert.Equal(t, schema.RunStatusFailed, h.storedRun(t, res.RunID).Status)
}

func TestOrchestrator_OverlappingInvocationRunsOnce(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var mu sync.Mutex
	var sends int
	slow := &funcExecutor{typ: "slow", fn: func(ctx context.Context, req nodes.Request) (runctx.Context, error) {
		_, err := req.Steps.Run(ctx, req.NodeID+":send", func(context.Context) (any, error) {
			mu.Lock()
			sends++
			mu.Unlock()
			entered <- struct{}{}
			<-release
			return "sent", nil
		})
		return req.Context, err
	}}
	h := newHarness(t, slow)
	h.seed(t, "wf", []schema.Node{typed("mail", "slow", nil)})
	ev := schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "dup"}

	type outcome struct {
		res *RunResult
		err error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Execute(context.Background(), ev)
		firstDone <- outcome{res, err}
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first invocation never reached the node")
	}

	second, err := h.orch.Execute(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, second.InFlight)
	assert.Equal(t, schema.RunStatusRunning, second.Status)
	assert.Empty(t, second.Output)
	close(release)

	var first outcome
	select {
	case first = <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first invocation did not finish")
	}
	require.NoError(t, first.err)
	assert.Equal(t, schema.RunStatusSuccess, first.res.Status)
	assert.Equal(t, first.res.RunID, second.RunID)

	mu.Lock()
	assert.Equal(t, 1, sends)
	mu.Unlock()
	assert.Equal(t, 1, h.store.runCount())
	assert.Equal(t, 1, h.storedRun(t, first.res.RunID).Attempt)
	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventNodeStarted, schema.EventNodeCompleted,
		schema.EventRunCompleted,
	}, h.store.eventTypes(first.res.RunID))
}

func TestOrchestrator_RunLease(t *testing.T) {
	seedRunning := func(h *harness, lease time.Time) {
		h.store.putRun(&schema.Run{
			ID: "run-1", WorkflowID: "wf", CorrelationID: "c-1",
			Status: schema.RunStatusRunning, StartedAt: time.Now().UTC(),
			Attempt: 1, LeaseExpiresAt: &lease,
		})
	}
	ev := schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"}

	t.Run("held lease is left alone", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "wf", []schema.Node{typed("a", "echo", map[string]any{"input": "hi"})})
		seedRunning(h, time.Now().UTC().Add(time.Minute))

		res, err := h.orch.Execute(context.Background(), ev)
		require.NoError(t, err)
		assert.True(t, res.InFlight)
		assert.Equal(t, "run-1", res.RunID)
		assert.Equal(t, 0, h.calls.count("a"))
		assert.Empty(t, h.store.eventTypes("run-1"))
		assert.Equal(t, 1, h.storedRun(t, "run-1").Attempt)
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "wf", []schema.Node{typed("a", "echo", map[string]any{"input": "hi"})})
		seedRunning(h, time.Now().UTC().Add(-time.Minute))

		res, err := h.orch.Execute(context.Background(), ev)
		require.NoError(t, err)
		assert.False(t, res.InFlight)
		assert.Equal(t, "run-1", res.RunID)
		assert.Equal(t, schema.RunStatusSuccess, res.Status)
		assert.Equal(t, 2, res.Attempt)
		assert.Equal(t, 1, h.calls.count("a"))

		run := h.storedRun(t, "run-1")
		assert.Equal(t, schema.RunStatusSuccess, run.Status)
		assert.Equal(t, 2, run.Attempt)
	})
}

func TestOrchestrator_SupersededAttemptStops(t *testing.T) {
	var h *harness
	takeover := &funcExecutor{typ: "takeover", fn: func(_ context.Context, req nodes.Request) (runctx.Context, error) {
		run := h.storedRun(t, "run-1")
		run.Attempt = 5
		h.store.putRun(run)
		return req.Context, nil
	}}
	h = newHarness(t, takeover)
	h.seed(t, "wf", []schema.Node{
		typed("a", "takeover", nil),
		typed("b", "echo", map[string]any{"input": "late"}),
	}, conn("a", "b"))
	expired := time.Now().UTC().Add(-time.Minute)
	h.store.putRun(&schema.Run{
		ID: "run-1", WorkflowID: "wf", CorrelationID: "c-1",
		Status: schema.RunStatusFailed, StartedAt: time.Now().UTC(),
		Attempt: 1, LeaseExpiresAt: &expired,
	})

	_, err := h.orch.Execute(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeStore)
	assert.Contains(t, err.Error(), "not held by attempt 2")
	assert.Equal(t, 0, h.calls.count("b"))

	run := h.storedRun(t, "run-1")
	assert.Equal(t, schema.RunStatusRunning, run.Status, "the later attempt's run must not be failed")
	assert.Empty(t, run.Error)
	assert.NotContains(t, h.store.eventTypes("run-1"), schema.EventRunFailed)
}

func TestOrchestrator_SuccessWriteFailureKeepsRunResumable(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "wf", []schema.Node{typed("a", "echo", map[string]any{"input": "hi", "variableName": "x"})})
	h.store.failSuccessUpdates = 1
	ev := schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"}

	res, err := h.orch.Execute(context.Background(), ev)
	assertCode(t, err, schema.ErrCodeStore)

	run := h.storedRun(t, res.RunID)
	assert.Equal(t, schema.RunStatusRunning, run.Status)
	assert.Nil(t, run.LeaseExpiresAt, "lease is released after a failed success write")
	assert.NotContains(t, h.store.eventTypes(res.RunID), schema.EventRunCompleted)

	again, err := h.orch.Execute(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, again.RunID)
	assert.Equal(t, schema.RunStatusSuccess, again.Status)
	assert.Equal(t, 2, again.Attempt)

	events := h.store.eventTypes(res.RunID)
	assert.Equal(t, schema.EventRunCompleted, events[len(events)-1])
	completed := 0
	for _, typ := range events {
		if typ == schema.EventRunCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestInvoker_GivingUpRecordsFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "wf", []schema.Node{typed("a", "echo", map[string]any{"input": "hi"})})
	h.store.failSuccessUpdates = 2

	inv := NewInvoker(h.orch, RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}, nil, discardLogger())
	res, err := inv.Invoke(context.Background(), schema.TriggerEvent{WorkflowID: "wf", CorrelationID: "c-1"})
	assertCode(t, err, schema.ErrCodeStore)
	require.NotNil(t, res)
	assert.Equal(t, 2, h.calls.count("a"))

	run := h.storedRun(t, res.RunID)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "database is locked")
	assert.NotNil(t, run.CompletedAt)

	events := h.store.eventTypes(res.RunID)
	assert.Equal(t, schema.EventRunFailed, events[len(events)-1])
	assert.NotContains(t, events, schema.EventRunCompleted)
}
