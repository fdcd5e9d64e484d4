package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/nodeflow/pkg/mcp"
)

// runMCP serves the MCP tools over stdio. Stdout carries the protocol, so
// logs stay on stderr.
func runMCP(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := mcp.NewServer(mcp.ServerDeps{
		Invoker: a.invoker,
		Store:   a.store,
		Logger:  a.logger,
		Version: version,
	})
	return srv.Serve(ctx)
}
