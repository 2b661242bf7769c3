package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cronpilot/internal/api"
	"cronpilot/internal/app"
	"cronpilot/internal/config"
	"cronpilot/internal/logging"
	cronpilotmcp "cronpilot/internal/mcp"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cronpilotd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// stdout carries the MCP stdio transport, so logs always go to stderr.
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting cronpilotd", "version", version, "mode", cfg.Server.Mode, "state_dir", cfg.StateDir, "tasks_dir", cfg.Tasks.Dir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		shutdown(a, cfg, logger)
		return fmt.Errorf("start: %w", err)
	}

	var runErr error
	switch cfg.Server.Mode {
	case "mcp":
		runErr = runMCPMode(ctx, a, logger)
	case "both":
		runErr = runHTTPMode(ctx, cfg, a, logger, true)
	default:
		runErr = runHTTPMode(ctx, cfg, a, logger, false)
	}

	shutdown(a, cfg, logger)
	return runErr
}

// runHTTPMode serves the API until ctx is done or the listener fails. With
// withMCP the MCP tools are also mounted at /mcp and served on stdio.
func runHTTPMode(ctx context.Context, cfg *config.Config, a *app.App, logger *slog.Logger, withMCP bool) error {
	var mcpHandler http.Handler
	if withMCP {
		mcpServer := cronpilotmcp.NewServer(a, version)
		mcpHandler = mcpServer.HTTPHandler()
		go func() {
			if err := mcpServer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("mcp stdio server stopped", "err", err)
			}
		}()
	}
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, a, mcpHandler)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err = <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown", "err", serr)
	}
	return err
}

// runMCPMode serves the MCP tools on stdio until the client disconnects or
// ctx is done.
func runMCPMode(ctx context.Context, a *app.App, logger *slog.Logger) error {
	err := cronpilotmcp.NewServer(a, version).Run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	logger.Info("mcp session ended, shutting down")
	return nil
}

func shutdown(a *app.App, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "err", err)
		return
	}
	logger.Info("shutdown complete")
}
