// Package steps implements run-scoped durable steps.
//
// A step is a named unit of side-effecting work. Its outcome is recorded in a
// journal keyed by (run id, step name); when the same run is invoked again,
// a step that already completed returns its recorded result without running
// its body. Failed steps are recorded as failed and run again next time.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Func is the body of a durable step. Its result must be JSON-serializable.
type Func func(ctx context.Context) (any, error)

// Runner executes durable steps for one run.
type Runner interface {
	Run(ctx context.Context, name string, fn Func) (json.RawMessage, error)
}

// JournalRunner is a Runner backed by a store.StepJournal.
type JournalRunner struct {
	journal store.StepJournal
	runID   string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a JournalRunner.
type Option func(*JournalRunner)

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *JournalRunner) { r.logger = l }
}

// WithMetrics records step outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *JournalRunner) { r.metrics = m }
}

// NewJournalRunner returns a Runner scoped to runID.
func NewJournalRunner(journal store.StepJournal, runID string, opts ...Option) *JournalRunner {
	r := &JournalRunner{journal: journal, runID: runID}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger)
	return r
}

// RunID returns the run the runner is scoped to.
func (r *JournalRunner) RunID() string { return r.runID }

// Run returns the recorded result of a completed step, or executes fn and
// records its outcome. An error from fn is recorded and returned unchanged
// when it is already a *schema.NodeflowError, otherwise wrapped as STEP_FAILED.
func (r *JournalRunner) Run(ctx context.Context, name string, fn Func) (json.RawMessage, error) {
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "durable step name is empty")
	}

	rec, err := r.journal.GetStepRecord(ctx, r.runID, name)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load step %q: %s", name, err.Error()).WithCause(err)
	}
	if rec != nil && rec.Status == store.StepStatusCompleted {
		r.metrics.ObserveStep(metrics.StepCached)
		r.logger.DebugContext(ctx, "durable step replayed", slog.String("step", name))
		return rec.Result, nil
	}

	attempts := 1
	var createdAt time.Time
	if rec != nil {
		attempts = rec.Attempts + 1
		createdAt = rec.CreatedAt
	}

	out, fnErr := fn(ctx)
	if fnErr != nil {
		r.metrics.ObserveStep(metrics.StepFailed)
		failed := &store.StepRecord{
			RunID:     r.runID,
			Name:      name,
			Status:    store.StepStatusFailed,
			Error:     fnErr.Error(),
			Attempts:  attempts,
			CreatedAt: createdAt,
		}
		if err := r.journal.SaveStepRecord(ctx, failed); err != nil {
			r.logger.WarnContext(ctx, "record failed step", slog.String("step", name), slog.String("error", err.Error()))
		}
		return nil, stepError(name, fnErr)
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "step %q result is not JSON-serializable: %s", name, err.Error()).WithCause(err)
	}

	done := &store.StepRecord{
		RunID:     r.runID,
		Name:      name,
		Status:    store.StepStatusCompleted,
		Result:    result,
		Attempts:  attempts,
		CreatedAt: createdAt,
	}
	if err := r.journal.SaveStepRecord(ctx, done); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "record step %q: %s", name, err.Error()).WithCause(err)
	}
	r.metrics.ObserveStep(metrics.StepExecuted)
	r.logger.DebugContext(ctx, "durable step completed", slog.String("step", name), slog.Int("attempts", attempts))
	return result, nil
}

func stepError(name string, err error) error {
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %q failed: %s", name, err.Error()).WithCause(err)
}

// Do runs a durable step with a typed result. On replay the recorded JSON is
// decoded into T.
func Do[T any](ctx context.Context, r Runner, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := r.Run(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeExecution, "decode step %q result: %s", name, err.Error()).WithCause(err)
	}
	return out, nil
}

var _ Runner = (*JournalRunner)(nil)
