// vibe80d is the orchestration server: it clones repositories into
// per-workspace session directories, supervises one AI coding agent per
// worktree, and streams turns to WebSocket subscribers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/attachments"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/common/tracing"
	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/httpapi"
	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/internal/messagelog"
	"github.com/vibe80/vibe80/internal/metrics"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/internal/worktree"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vibe80d:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return err
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer store.Close()

	eventBus, closeBus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer closeBus()

	m := metrics.New()
	if err := m.Observe(eventBus); err != nil {
		return fmt.Errorf("wire metrics to event bus: %w", err)
	}

	monoUser := cfg.Deployment.MonoUser()
	runner := isolation.NewRunner(!monoUser, log)
	var helper *isolation.Helper
	if !monoUser {
		helper = isolation.NewHelper(log)
	}

	workspaces := workspace.NewManager(cfg.Workspace, cfg.Deployment, store, helper, log)
	if monoUser {
		if _, err := workspaces.EnsureDefault(ctx); err != nil {
			return err
		}
	}

	worktrees := worktree.NewManager(runner, worktree.NewStore(store), log)
	msglog := messagelog.New(store, log)
	agents := agent.NewFactory(cfg.Agent, runner, log)
	atts := attachments.NewManager(runner, store, cfg.Attachments.MaxBytes, log)

	sessions := session.NewManager(cfg, store, workspaces, runner, worktrees, msglog, agents, eventBus, m, log)
	if err := sessions.Reconcile(ctx); err != nil {
		log.Warn("startup reconciliation failed", zap.Error(err))
	}
	go sessions.RunGC(ctx)

	api := httpapi.NewServer(cfg, workspaces, sessions, atts, m, log)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr),
			zap.String("mode", cfg.Deployment.Mode),
			zap.String("storage", cfg.Storage.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	sessions.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Debug("tracer shutdown failed", zap.Error(err))
	}
	return nil
}
