package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/nodeflow/internal/api"
	"github.com/rendis/nodeflow/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func runServe(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	deps := api.Deps{
		Store:    a.store,
		Queue:    a.queue,
		Registry: a.registry,
		Hub:      a.hub,
		Tokens:   a.tokens,
		TokenTTL: time.Duration(cfg.TokenTTL),
		Logger:   a.logger,
	}
	if cfg.Scheduler {
		deps.Scheduler = a.scheduler
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("nodeflow listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Scheduler {
		g.Go(func() error {
			if err := a.scheduler.Start(gctx); err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
			<-gctx.Done()
			a.scheduler.Stop()
			return nil
		})
	}

	g.Go(func() error {
		return watchReload(gctx, a)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// watchReload re-reads the configuration on SIGHUP. The log level and the
// schedule table are applied live; anything else needs a restart.
func watchReload(ctx context.Context, a *app) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			next := loadConfig()
			applyReload(ctx, a, next)
		}
	}
}

func applyReload(ctx context.Context, a *app, next Config) {
	d := diffConfigs(a.cfg, next)
	if d.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
		a.cfg.LogLevel = next.LogLevel
		a.logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if d.SchedulerChanged {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler")
	}
	if len(d.RestartNeeded) > 0 {
		a.logger.Warn("config changes need a restart", slog.String("fields", strings.Join(d.RestartNeeded, ",")))
	}
	if a.cfg.Scheduler {
		n, err := a.scheduler.Reload(ctx)
		if err != nil {
			a.logger.Warn("reload schedules", slog.String("error", err.Error()))
			return
		}
		a.logger.Info("schedules reloaded", slog.Int("entries", n))
	}
}
