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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/spayyavula/campuspandit-sub002/internal/api"
	"github.com/spayyavula/campuspandit-sub002/internal/backoff"
	"github.com/spayyavula/campuspandit-sub002/internal/config"
	"github.com/spayyavula/campuspandit-sub002/internal/database"
	"github.com/spayyavula/campuspandit-sub002/internal/listener"
	"github.com/spayyavula/campuspandit-sub002/internal/logging"
	"github.com/spayyavula/campuspandit-sub002/internal/server"
	"github.com/spayyavula/campuspandit-sub002/internal/stats"
	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

func loadConfig(flags configFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.path)
	if err != nil {
		return nil, err
	}

	if flags.addr != "" {
		cfg.Server.Addr = flags.addr
	}
	if flags.dsn != "" {
		cfg.Database.DSN = flags.dsn
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openRepository(cfg *config.Config) (*database.PgMembershipRepository, error) {
	repo, err := database.NewPgMembershipRepository(cfg.Database.DSN, database.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return repo, nil
}

func runServe(ctx context.Context, flags configFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("db close", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	statsUpdater := stats.NewStatsUpdater(reg)
	statsUpdater.RegisterDefaults()

	hub := server.NewHub(server.OptionsFromConfig(cfg), repo, logger, statsUpdater)

	lst := listener.New(
		listener.PqDialer{DSN: cfg.Database.DSN, BufferSize: cfg.Realtime.IngressBuffer},
		listener.Options{
			Channels: cfg.Listener.Channels,
			Backoff: backoff.Policy{
				Initial: cfg.Listener.MinBackoff,
				Max:     cfg.Listener.MaxBackoff,
				Factor:  2,
			},
			PingInterval: cfg.Listener.PingInterval,
		},
		hubSink(hub),
		logger,
		statsUpdater,
	)

	app := api.NewRealtimeApp(http.NewServeMux(), logger, hub, repo, statsUpdater.Handler(), cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	listenCtx, stopListening := context.WithCancel(runCtx)
	defer stopListening()

	go hub.Run(runCtx)

	listenerDone := make(chan error, 1)
	go func() {
		listenerDone <- lst.Run(listenCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop listening first so no notification arrives at a hub that no
	// longer accepts events.
	stopListening()
	if err := <-listenerDone; err != nil {
		logger.Error("listener", "error", err)
	}

	// Push connections keep their requests open, so they are drained
	// before the HTTP server waits for idle connections.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub shutdown", "error", err)
	}
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	cancelRun()

	logger.Info("shutdown complete")
	return nil
}

// hubSink feeds the listener into hub. Events refused because the hub is
// shutting down are reported as a closed sink.
func hubSink(hub *server.Hub) listener.Sink {
	return func(ctx context.Context, ev types.ChangeEvent) error {
		err := hub.Submit(ctx, ev)
		if errors.Is(err, server.ErrShuttingDown) {
			return fmt.Errorf("%w: %w", listener.ErrSinkClosed, err)
		}
		return err
	}
}

func runMigrateUp(flags configFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := database.MigrateUp(repo.DB()); err != nil {
		return err
	}
	slog.Info("migrations applied")
	return nil
}

func runMigrateDown(flags configFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := database.MigrateDown(repo.DB()); err != nil {
		return err
	}
	slog.Warn("migrations rolled back")
	return nil
}

func runMigrateVersion(cmd *cobra.Command, flags configFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	current, dirty, err := database.MigrationVersion(repo.DB())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if dirty {
		fmt.Fprintf(out, "%d (dirty)\n", current)
		return nil
	}
	fmt.Fprintln(out, current)
	return nil
}

func runToken(cmd *cobra.Command, flags configFlags, userId, email, role string, ttl time.Duration) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	token, err := api.IssueToken(cfg.SigningKey, types.User{Id: userId, Email: email, Role: role}, ttl)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
