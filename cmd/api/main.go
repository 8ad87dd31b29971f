package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fleetroute/internal/api"
	"fleetroute/internal/auth"
	"fleetroute/internal/buildinfo"
	"fleetroute/internal/config"
	"fleetroute/internal/jobs"
	"fleetroute/internal/metrics"
	"fleetroute/internal/store"
	"fleetroute/internal/webhooks"
)

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	var broker api.EventBroker = api.NewBroker()
	if cfg.RedisURL != "" {
		rb, err := api.NewRedisBroker(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Error("connect redis", "err", err)
			os.Exit(1)
		}
		defer func() { _ = rb.Close() }()
		broker = rb
		logger.Info("job events via redis")
	}

	verifier, err := auth.NewVerifier(cfg.AuthOptions())
	if err != nil {
		logger.Error("auth", "err", err)
		os.Exit(1)
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	worker := webhooks.NewWorker(st, cfg.WebhookMaxAttempts, logger)
	worker.Start(workerCtx)

	runner := jobs.NewRunner(st, broker, webhooks.NewPublisher(st), cfg.SolverOptions(), cfg.MaxConcurrentJobs, logger)
	srv := api.NewServer(st, runner, broker, logger)
	srv.Auth = verifier

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API listening", "addr", cfg.HTTPAddr, "build", buildinfo.Info()["version"], "auth", cfg.AuthMode)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs still running at shutdown", "err", err)
	}
	stopWorker()
	worker.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		logger.Info("store: postgres")
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	case cfg.SQLitePath != "":
		logger.Info("store: sqlite", "path", cfg.SQLitePath)
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	default:
		logger.Info("store: memory")
		return store.NewMemory(), nil
	}
}
