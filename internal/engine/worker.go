package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultPoolSize is the default number of runs executing at once.
const DefaultPoolSize = 10

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool. Runs share no state, so any two
// may execute concurrently, including two runs of the same workflow.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	logger  *slog.Logger
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logging.OrDefault(logger),
	}
}

// Submit starts fn once a slot is free. It blocks while the pool is at
// capacity and returns ctx.Err() if ctx ends first.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.ErrorContext(ctx, "worker panic",
					slog.String("panic", fmt.Sprint(r)),
					slog.String("stack", string(debug.Stack())))
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for active work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// Invocation is what an async trigger source hands to a TriggerQueue.
type Invocation interface {
	Invoke(ctx context.Context, ev schema.TriggerEvent) (*RunResult, error)
}

// TriggerQueue runs trigger events in the background on a WorkerPool.
// Webhooks, schedules and editor executes enqueue here and return at once.
type TriggerQueue struct {
	pool    *WorkerPool
	invoker Invocation
	logger  *slog.Logger
}

// NewTriggerQueue creates a queue that invokes runs on pool.
func NewTriggerQueue(pool *WorkerPool, invoker Invocation, logger *slog.Logger) *TriggerQueue {
	return &TriggerQueue{pool: pool, invoker: invoker, logger: logging.OrDefault(logger)}
}

// Enqueue schedules ev and returns its correlation id, generating one when
// ev has none. The run outlives ctx; ctx only bounds waiting for a slot.
func (q *TriggerQueue) Enqueue(ctx context.Context, ev schema.TriggerEvent) (string, error) {
	if ev.WorkflowID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "trigger event has no workflow id")
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.New().String()
	}
	runCtx := context.WithoutCancel(ctx)

	err := q.pool.Submit(ctx, func(context.Context) error {
		res, err := q.invoker.Invoke(runCtx, ev)
		if err != nil {
			q.logger.WarnContext(logging.WithWorkflowID(runCtx, ev.WorkflowID), "queued run failed",
				slog.String("correlation_id", ev.CorrelationID),
				slog.String("error", err.Error()))
			return err
		}
		switch {
		case res == nil:
		case res.Skipped:
			q.logger.InfoContext(runCtx, "queued run skipped", slog.String("workflow_id", ev.WorkflowID))
		case res.InFlight:
			q.logger.InfoContext(runCtx, "queued run already in flight",
				slog.String("run_id", res.RunID), slog.String("correlation_id", ev.CorrelationID))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ev.CorrelationID, nil
}

// Shutdown waits for queued runs to finish.
func (q *TriggerQueue) Shutdown() {
	q.pool.Shutdown()
}
