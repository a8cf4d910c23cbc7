package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/config"
	"github.com/rezendedigital02/dash/internal/logging"
	"github.com/rezendedigital02/dash/internal/notify"
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

	if cfg.NotifyURL == "" {
		logger.Fatal("notify worker needs NOTIFY_URL")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := asynq.NewServer(
		redisclient.QueueOpt(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword),
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"default": 1,
			},
			Logger: logger.Named("asynq").Sugar(),
		},
	)

	webhook := notify.NewWebhookSink(notify.Config{
		URL:     cfg.NotifyURL,
		Secret:  cfg.NotifySecret,
		Timeout: cfg.NotifyTimeout,
	}, logger.Named("notify"))

	mux := asynq.NewServeMux()
	mux.HandleFunc(notify.TypeDeliver, notify.NewDeliveryHandler(webhook, logger.Named("notify")))

	logger.Info("notify-worker starting up", zap.String("target", cfg.NotifyURL))
	if err := srv.Start(mux); err != nil {
		logger.Fatal("start asynq server", zap.Error(err))
	}

	<-rootCtx.Done()

	logger.Info("shutdown signal received, stopping notify worker")
	srv.Shutdown()
}
