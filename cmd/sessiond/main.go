package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agenticwork/sessiond/internal/api"
	"github.com/agenticwork/sessiond/internal/config"
	"github.com/agenticwork/sessiond/internal/ide"
	"github.com/agenticwork/sessiond/internal/metrics"
	"github.com/agenticwork/sessiond/internal/objstore"
	"github.com/agenticwork/sessiond/internal/ports"
	"github.com/agenticwork/sessiond/internal/reaper"
	"github.com/agenticwork/sessiond/internal/sandbox"
	"github.com/agenticwork/sessiond/internal/session"
	"github.com/agenticwork/sessiond/internal/store"
	"github.com/agenticwork/sessiond/internal/workspace"
)

const reapInterval = 60 * time.Second

func main() {
	cfgPath := flag.String("config", "", "path to sessiond.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if cfg.InternalAPIKey == "" {
		logger.Warn("no internal API key configured — running in open access mode")
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	objStore := buildObjectStore(ctx, cfg, logger)
	workspaces := workspace.NewManager(cfg.Storage, cfg.WorkspacesPath, objStore, logger)

	sandboxes := sandbox.NewManager(cfg.Sandbox.HomesPath, cfg.WorkspacesPath, logger)
	if sandboxes.Initialize() {
		logger.Info("sandbox isolation enabled", "homes", cfg.Sandbox.HomesPath)
	} else {
		logger.Warn("sandbox isolation unavailable — sessions share the daemon user")
	}

	collector := metrics.NewCollector(logger)

	pool, err := ports.NewPool(cfg.IDE.BasePort, cfg.IDE.MaxInstances)
	if err != nil {
		logger.Error("ide port pool", "error", err)
		os.Exit(1)
	}
	ides := ide.NewManager(cfg.IDE, pool, logger)

	sessions := session.NewManager(cfg, st, workspaces, sandboxes, collector, logger)
	sessions.SetIDEStopper(ides)

	rpr := reaper.New(sessions, sandboxes, st, cfg.Sandbox.HomesPath,
		reapInterval, cfg.SessionIdleTimeout, cfg.SessionMaxLifetime, logger)
	go rpr.Run(ctx)

	srv := api.NewServer(cfg, sessions, ides, workspaces, collector, logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: the WebSocket channels are long-lived
		IdleTimeout: 60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		sessions.StopAll(shutdownCtx)
		ides.StopAll(shutdownCtx)
	}()

	logger.Info("listening", "addr", addr, "version", api.Version)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// buildObjectStore connects to the configured S3-compatible backend,
// falling back to the in-memory store when none is configured so local
// development works without MinIO.
func buildObjectStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) objstore.Store {
	if cfg.Storage.Endpoint == "" {
		logger.Warn("no object store endpoint configured — workspaces will not persist across restarts")
		return objstore.NewFake()
	}

	if !objstore.SupportedProvider(cfg.Storage.Provider) {
		logger.Error("unsupported storage provider", "provider", cfg.Storage.Provider)
		os.Exit(1)
	}

	client, err := objstore.NewClient(cfg.Storage, logger)
	if err != nil {
		logger.Error("object store client", "error", err)
		os.Exit(1)
	}

	bucketCtx, bucketCancel := context.WithTimeout(ctx, 30*time.Second)
	defer bucketCancel()
	if err := client.EnsureBucket(bucketCtx); err != nil {
		logger.Error("ensure bucket failed — is the object store reachable?", "error", err)
		os.Exit(1)
	}
	logger.Info("object store connection OK",
		"provider", cfg.Storage.Provider, "bucket", cfg.Storage.Bucket)
	return client
}
