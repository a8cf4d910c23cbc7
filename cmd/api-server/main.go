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

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/api"
	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/calendar"
	"github.com/rezendedigital02/dash/internal/config"
	"github.com/rezendedigital02/dash/internal/db"
	"github.com/rezendedigital02/dash/internal/logging"
	"github.com/rezendedigital02/dash/internal/metrics"
	"github.com/rezendedigital02/dash/internal/notify"
	"github.com/rezendedigital02/dash/internal/reconcile"
	redisclient "github.com/rezendedigital02/dash/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("api-server starting up",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
	)

	metrics.Register()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	if err == nil {
		err = db.EnsureSchema(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		logger.Fatal("postgres setup error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	repo := appointment.NewPgRepository(pgPool)
	ownerLock := redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
	syncLock := redisclient.NewRedisLocker(rdb, cfg.SyncLockTTL, 0)

	var (
		mirror    appointment.Mirror
		calSync   api.CalendarSync
		connector calendar.Connector
	)
	if cfg.CalendarEnabled() {
		provider := calendar.NewGoogleProvider(calendar.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			BaseURL:      cfg.CalendarBaseURL,
			RatePerSec:   cfg.CalendarRatePerSec,
		})
		engine := reconcile.New(repo, ownerLock, syncLock, reconcile.Config{
			Provider:          provider,
			CallTimeout:       cfg.CalendarTimeout,
			ImportDaysBack:    cfg.ImportDaysBack,
			ImportDaysForward: cfg.ImportDaysForward,
		}, logger.Named("reconcile"))
		mirror, calSync, connector = engine, engine, provider
	} else {
		logger.Warn("GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET not set, calendar integration disabled")
	}

	var queue notify.Enqueuer
	if cfg.NotifyQueued {
		client := asynq.NewClient(redisclient.QueueOpt(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword))
		defer client.Close()
		queue = client
	}
	sink := notify.New(notify.Config{
		URL:     cfg.NotifyURL,
		Secret:  cfg.NotifySecret,
		Timeout: cfg.NotifyTimeout,
	}, queue, logger.Named("notify"))

	svc := appointment.NewService(repo, ownerLock, mirror, sink, logger.Named("appointment"))

	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET not set, automation webhooks will reject every request")
	}

	router := api.NewRouter(api.RouterConfig{
		Service:       svc,
		Owners:        repo,
		Calendar:      calSync,
		Connector:     connector,
		Tokens:        api.NewTokenValidator(cfg.JWTSecret),
		WebhookSecret: cfg.WebhookSecret,
		Postgres:      pgPool,
		Redis:         api.PingFunc(redisclient.Pinger(rdb)),
		Logger:        logger.Named("http"),
		Env:           cfg.Env,
		Version:       version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-rootCtx.Done()

	logger.Info("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
