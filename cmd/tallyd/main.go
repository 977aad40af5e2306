package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/tallycards/internal/config"
	"github.com/Spok95/tallycards/internal/domain/tally"
	"github.com/Spok95/tallycards/internal/infra/db"
	httpx "github.com/Spok95/tallycards/internal/infra/http"
	"github.com/Spok95/tallycards/internal/infra/logger"
	"github.com/Spok95/tallycards/internal/infra/metrics"
)

func main() {
	path := os.Getenv("TALLY_CONFIG")
	if path == "" {
		path = "config/example.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(err)
	}

	log := logger.Must(logger.New(cfg.App.Env))
	defer func() { _ = log.Sync() }()

	if err := db.Migrate(cfg.Postgres.DSN); err != nil {
		log.Error("migrations failed", zap.Error(err))
		return
	}
	log.Info("migrations applied")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Error("db connect failed", zap.Error(err))
		return
	}
	defer pool.Close()
	log.Info("db connected")

	repo := tally.NewRepo(pool)

	var locker tally.KeyLocker = tally.NewSemaphoreLocker(cfg.Apply.LockTimeout)
	if cfg.Apply.Lock == "advisory" {
		locker = tally.NewAdvisoryLocker(pool, cfg.Apply.LockTimeout)
	}

	var hooks tally.Hooks
	if cfg.Metrics.Enabled {
		hooks = metrics.New(nil)
	}

	svc := tally.NewService(tally.ServiceDeps{
		Store:          repo,
		Applier:        repo,
		Locker:         locker,
		Log:            log.Named("tally"),
		Hooks:          hooks,
		Mode:           tally.Mode(cfg.Apply.Mode),
		MaxReconcile:   cfg.Apply.MaxReconcile,
		RetryAttempts:  cfg.Apply.RetryAttempts,
		RetryBaseDelay: cfg.Apply.RetryBaseDelay,
	})
	log.Info("tally service ready",
		zap.String("mode", string(svc.Mode())),
		zap.String("lock", cfg.Apply.Lock))

	router := httpx.NewRouter(httpx.NewTallyHandler(svc, log.Named("http")), cfg.Metrics.Enabled, log.Named("router"))
	srv := httpx.New(cfg.HTTP.Addr, router)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	log.Info("HTTP server started", zap.String("addr", cfg.HTTP.Addr))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	log.Info("graceful shutdown complete")
}
