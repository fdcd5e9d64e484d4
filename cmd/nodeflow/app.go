package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/scheduler"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
)

// app is the wired process: one store, one registry and one execution path
// shared by every surface.
type app struct {
	cfg       Config
	logger    *slog.Logger
	level     *slog.LevelVar
	store     *store.LibSQLStore
	registry  *nodes.Registry
	metrics   *metrics.Metrics
	hub       streaming.Hub
	redisHub  *streaming.RedisHub
	publisher *streaming.Publisher
	tokens    *streaming.TokenIssuer
	invoker   *engine.Invoker
	queue     *engine.TriggerQueue
	scheduler *scheduler.Scheduler
}

func newLogger(level string) (*slog.Logger, *slog.LevelVar) {
	lv := &slog.LevelVar{}
	lv.Set(logging.ParseLevel(level))
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv})
	return slog.New(logging.NewCorrelationHandler(inner)), lv
}

func buildApp(ctx context.Context, cfg Config) (*app, error) {
	logger, level := newLogger(cfg.LogLevel)
	a := &app{cfg: cfg, logger: logger, level: level}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = s
	if err := s.Migrate(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.registry, err = nodes.NewBuiltinRegistry(nodes.BuiltinOptions{})
	if err != nil {
		a.close()
		return nil, err
	}
	a.metrics = metrics.New(prometheus.DefaultRegisterer)

	if cfg.RedisURL != "" {
		a.redisHub, err = streaming.DialRedisHub(ctx, cfg.RedisURL, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.hub = a.redisHub
	} else {
		a.hub = streaming.NewMemoryHub()
	}
	a.publisher = streaming.NewPublisher(a.hub,
		streaming.WithPublisherLogger(logger),
		streaming.WithPublisherMetrics(a.metrics),
	)

	secret := cfg.TokenSecret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("token_secret not set; status tokens will not survive a restart")
	}
	a.tokens, err = streaming.NewTokenIssuer(secret)
	if err != nil {
		a.close()
		return nil, err
	}

	orch := engine.NewOrchestrator(engine.OrchestratorDeps{
		Store:      s,
		Dispatcher: a.registry,
		Publisher:  a.publisher,
		Metrics:    a.metrics,
		Logger:     logger,
		Lease:      time.Duration(cfg.RunLease),
	})
	a.invoker = engine.NewInvoker(orch, retryPolicy(cfg), a.metrics, logger)
	a.queue = engine.NewTriggerQueue(engine.NewWorkerPool(cfg.PoolSize, logger), a.invoker, logger)
	a.scheduler = scheduler.NewScheduler(s, a.queue, logger)
	return a, nil
}

func retryPolicy(cfg Config) engine.RetryPolicy {
	p := engine.DefaultRetryPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	p.Delay = time.Duration(cfg.RetryDelay)
	return p
}

// close releases resources in reverse construction order. Safe on a
// partially built app.
func (a *app) close() {
	if a.queue != nil {
		a.queue.Shutdown()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redisHub != nil {
		if err := a.redisHub.Close(); err != nil {
			a.logger.Warn("close redis", slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}
