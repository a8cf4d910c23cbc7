package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/calendar"
	"github.com/rezendedigital02/dash/internal/config"
	"github.com/rezendedigital02/dash/internal/db"
	"github.com/rezendedigital02/dash/internal/logging"
	"github.com/rezendedigital02/dash/internal/reconcile"
	redisclient "github.com/rezendedigital02/dash/internal/redis"
)

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

	if !cfg.CalendarEnabled() {
		logger.Fatal("sync worker needs GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET")
	}

	logger.Info("sync-worker starting up", zap.Duration("interval", cfg.SyncInterval))

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
	provider := calendar.NewGoogleProvider(calendar.GoogleConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		BaseURL:      cfg.CalendarBaseURL,
		RatePerSec:   cfg.CalendarRatePerSec,
	})
	// The api-server admits under the same owner locks, so imports here
	// cannot race a booking for the same instant.
	engine := reconcile.New(repo,
		redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait),
		redisclient.NewRedisLocker(rdb, cfg.SyncLockTTL, 0),
		reconcile.Config{
			Provider:          provider,
			CallTimeout:       cfg.CalendarTimeout,
			ImportDaysBack:    cfg.ImportDaysBack,
			ImportDaysForward: cfg.ImportDaysForward,
		},
		logger.Named("reconcile"),
	)

	w := &worker{
		repo:    repo,
		engine:  engine,
		timeout: cfg.SyncLockTTL,
		log:     logger,
	}

	// Run once at startup
	w.runOnce(rootCtx)

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping sync worker")
			return
		case <-ticker.C:
			w.runOnce(rootCtx)
		}
	}
}

type ownerLister interface {
	ListConnectedOwners(ctx context.Context) ([]appointment.Owner, error)
}

type syncer interface {
	Sync(ctx context.Context, ownerID uuid.UUID) (reconcile.SyncResult, error)
}

type worker struct {
	repo    ownerLister
	engine  syncer
	timeout time.Duration
	log     *zap.Logger
}

type runStats struct {
	owners, synced, busy, expired, failed int
}

// runOnce syncs every connected owner in turn. One owner's failure never
// stops the pass.
func (w *worker) runOnce(ctx context.Context) runStats {
	var stats runStats
	start := time.Now()

	owners, err := w.repo.ListConnectedOwners(ctx)
	if err != nil {
		w.log.Error("list connected owners failed", zap.Error(err))
		return stats
	}
	stats.owners = len(owners)

	for _, owner := range owners {
		if ctx.Err() != nil {
			break
		}

		runCtx, cancel := context.WithTimeout(ctx, w.timeout)
		res, err := w.engine.Sync(runCtx, owner.ID)
		cancel()

		switch {
		case err == nil:
			stats.synced++
			if res.CredentialExpired() {
				stats.expired++
			}
		case errors.Is(err, reconcile.ErrSyncInProgress):
			stats.busy++
			w.log.Debug("sync already running, skipped", zap.Stringer("owner_id", owner.ID))
		case errors.Is(err, calendar.ErrCredentialExpired):
			stats.expired++
			w.log.Warn("calendar credential expired, owner must reconnect", zap.Stringer("owner_id", owner.ID))
		default:
			stats.failed++
			w.log.Error("calendar sync failed", zap.Stringer("owner_id", owner.ID), zap.Error(err))
		}
	}

	w.log.Info("sync run complete",
		zap.Int("owners", stats.owners),
		zap.Int("synced", stats.synced),
		zap.Int("busy", stats.busy),
		zap.Int("credential_expired", stats.expired),
		zap.Int("failed", stats.failed),
		zap.Duration("took", time.Since(start)),
	)
	return stats
}
