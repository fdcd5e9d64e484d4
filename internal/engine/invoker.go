package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/pkg/schema"
)

// RunExecutor executes one invocation of a trigger event.
// Satisfied by *Orchestrator.
type RunExecutor interface {
	Execute(ctx context.Context, ev schema.TriggerEvent) (*RunResult, error)
}

// RunAbandoner records the failure of a run its invoker stopped retrying.
// Satisfied by *Orchestrator.
type RunAbandoner interface {
	Abandon(ctx context.Context, runID string, attempt int, cause error) error
}

// Invoker is the hosting substrate: it re-invokes the whole run on retriable
// failures. Re-invocations share the correlation id, so they land on the same
// run record and skip durable steps that already completed.
type Invoker struct {
	exec    RunExecutor
	policy  RetryPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewInvoker wraps exec with policy. A zero MaxAttempts means a single attempt.
func NewInvoker(exec RunExecutor, policy RetryPolicy, m *metrics.Metrics, logger *slog.Logger) *Invoker {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Invoker{exec: exec, policy: policy, metrics: m, logger: logging.OrDefault(logger)}
}

// Invoke runs ev until it succeeds, fails non-retriably, exhausts the policy
// or ctx ends. The last result and error are returned.
func (i *Invoker) Invoke(ctx context.Context, ev schema.TriggerEvent) (*RunResult, error) {
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.New().String()
	}
	ctx = logging.WithWorkflowID(ctx, ev.WorkflowID)

	for attempt := 0; ; attempt++ {
		result, err := i.exec.Execute(ctx, ev)
		if err == nil {
			return result, nil
		}
		if !IsRetryableError(err) {
			i.abandon(ctx, result, err)
			return result, err
		}
		if attempt+1 >= i.policy.MaxAttempts {
			i.logger.WarnContext(ctx, "run attempts exhausted",
				slog.String("correlation_id", ev.CorrelationID),
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()))
			i.abandon(ctx, result, err)
			return result, err
		}

		delay := ComputeBackoff(i.policy, attempt)
		i.logger.InfoContext(ctx, "re-invoking run after retriable failure",
			slog.String("correlation_id", ev.CorrelationID),
			slog.Int("attempt", attempt+2),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
			i.abandon(ctx, result, err)
			return result, err
		}
		i.metrics.Reinvoked()
	}
}

// abandon marks the run FAILED when the last attempt left it RUNNING, e.g.
// because its terminal write failed. It runs even after ctx is cancelled.
func (i *Invoker) abandon(ctx context.Context, result *RunResult, cause error) {
	ab, ok := i.exec.(RunAbandoner)
	if !ok || result == nil || result.RunID == "" || result.InFlight {
		return
	}
	if err := ab.Abandon(context.WithoutCancel(ctx), result.RunID, result.Attempt, cause); err != nil {
		i.logger.WarnContext(ctx, "record abandoned run",
			slog.String("run_id", result.RunID), slog.String("error", err.Error()))
	}
}
