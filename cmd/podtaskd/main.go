package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"podtask/internal/api"
	"podtask/internal/config"
	"podtask/internal/core"
	"podtask/internal/kube"
	"podtask/internal/logging"
	podtaskmcp "podtask/internal/mcp"
	"podtask/internal/notify"
	"podtask/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the protocol in MCP stdio mode.
	var logOut io.Writer = os.Stdout
	if cfg.Server.Mode == "mcp" {
		logOut = os.Stderr
	}
	logger := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Writer:     logOut,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	client, err := kube.NewClient(cfg.Kube.Kubeconfig)
	if err != nil {
		logger.Error("create kubernetes client", "err", err)
		os.Exit(1)
	}
	driver := kube.NewDriver(client, kube.Config{
		Namespace:      cfg.Kube.Namespace,
		Image:          cfg.Kube.Image,
		PollInterval:   cfg.Kube.PollInterval,
		MaxOutputBytes: cfg.Kube.MaxOutputBytes,
		FetchTimeout:   cfg.Kube.FetchTimeout,
	}, logger)

	orchestrator := core.NewOrchestrator(storeInst, driver, logger, core.Options{
		WaitTimeout: cfg.Run.WaitTimeout,
		Notifier:    buildNotifier(cfg, logger),
	})

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	var sweeper *core.Sweeper
	if cfg.Sweep.Enabled {
		location := time.Local
		if cfg.UseUTC {
			location = time.UTC
		}
		sweeper = core.NewSweeper(driver, logger, cfg.Sweep.OrphanAge, location)
		if err := sweeper.Schedule(cfg.Sweep.Schedule); err != nil {
			logger.Error("schedule sweeper", "err", err)
			os.Exit(1)
		}
		sweeper.Start(ctx)
		if _, err := sweeper.SweepNow(ctx); err != nil {
			logger.Error("initial sweep", "err", err)
		}
	}

	// Run based on mode
	switch cfg.Server.Mode {
	case "http":
		server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, orchestrator, nil, logger)
		serveHTTP(cfg, server, logger)
	case "mcp":
		mcpServer := podtaskmcp.NewMCPServer(storeInst, orchestrator, logger)
		runMCPMode(mcpServer, logger, cancel)
	case "both":
		mcpServer := podtaskmcp.NewMCPServer(storeInst, orchestrator, logger)
		server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, orchestrator, mcpServer, logger)
		serveHTTP(cfg, server, logger)
	}

	if sweeper != nil {
		stopCtx := sweeper.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(cfg.ShutdownGrace):
			logger.Warn("sweeper stop timed out")
		}
	}
	logger.Info("shutdown complete")
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	if !cfg.Notification.Bark.Enabled {
		return nil
	}
	bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
	if err != nil {
		logger.Error("bark notifier disabled", "err", err)
		return nil
	}
	logger.Info("bark notifications enabled")
	return notify.NewMultiNotifier(bark)
}

// serveHTTP runs the HTTP server until a signal arrives or it fails.
func serveHTTP(cfg *config.Config, server *api.Server, logger *slog.Logger) {
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

// runMCPMode serves MCP over stdio until stdin closes or a signal arrives.
func runMCPMode(mcpServer *podtaskmcp.MCPServer, logger *slog.Logger, cancel context.CancelFunc) {
	mcpErr := make(chan error, 1)
	go func() {
		mcpErr <- mcpServer.Run()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal, shutting down...", "signal", sig.String())
	case err := <-mcpErr:
		if err != nil {
			logger.Error("mcp server error", "err", err)
		}
	}
	cancel()
}
