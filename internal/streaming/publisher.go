package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/pkg/schema"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 2 * time.Second
)

// Publisher delivers status events to a Hub from a single background
// goroutine. Callers never block on the hub and never see its errors; events
// leave in the order they were enqueued.
type Publisher struct {
	hub     Hub
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan StatusEvent
	done   chan struct{}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger used for delivery failures.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// WithPublisherMetrics counts delivery failures on m.
func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithQueueSize bounds the number of undelivered events.
func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan StatusEvent, n)
		}
	}
}

// NewPublisher starts a Publisher over hub. Close stops it.
func NewPublisher(hub Hub, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		hub:     hub,
		timeout: defaultPublishTimeout,
		queue:   make(chan StatusEvent, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger)
	go p.drain()
	return p
}

// Publish enqueues event. A full queue or a closed publisher drops it.
func (p *Publisher) Publish(ctx context.Context, event StatusEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped(ctx, event, "publisher closed")
		return
	}
	select {
	case p.queue <- event:
	default:
		p.dropped(ctx, event, "queue full")
	}
}

// For returns a publisher bound to one category and run.
func (p *Publisher) For(category, runID string) *CategoryPublisher {
	return &CategoryPublisher{p: p, category: category, runID: runID}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) drain() {
	defer close(p.done)
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.hub.Publish(ctx, ev)
		cancel()
		if err != nil {
			p.metrics.PublishFailed(ev.Category)
			p.logger.Warn("status publish failed",
				slog.String("category", ev.Category),
				slog.String("node_id", ev.NodeID),
				slog.String("status", string(ev.Status)),
				slog.String("error", err.Error()))
		}
	}
}

func (p *Publisher) dropped(ctx context.Context, ev StatusEvent, reason string) {
	p.metrics.PublishFailed(ev.Category)
	p.logger.WarnContext(ctx, "status event dropped",
		slog.String("category", ev.Category),
		slog.String("node_id", ev.NodeID),
		slog.String("reason", reason))
}

// CategoryPublisher publishes node status for one category within one run.
type CategoryPublisher struct {
	p        *Publisher
	category string
	runID    string
}

// Publish enqueues a status update for nodeID. It never fails.
func (c *CategoryPublisher) Publish(ctx context.Context, nodeID string, status schema.NodeStatus) {
	c.p.Publish(ctx, StatusEvent{
		Category: c.category,
		RunID:    c.runID,
		NodeID:   nodeID,
		Status:   status,
	})
}

// Category returns the bound category.
func (c *CategoryPublisher) Category() string { return c.category }
