// Фоновый процесс: повторная доставка уведомлений (email/push) и очистка старых показаний.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cascowatch/internal/config"
	"github.com/cascowatch/internal/email"
	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/push"
	"github.com/cascowatch/internal/repository"
	"github.com/cascowatch/internal/service"
	"github.com/cascowatch/internal/startup"
)

func main() {
	logger.SetPrefix("worker")
	logger.Info("starting worker")
	cfg := config.Load()
	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			logger.Errorf("config: %s", p)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := startup.OpenDatabase(ctx, cfg.DatabaseURL(), cfg.Database.MaxConnections/4+1)
	if err != nil {
		logger.Errorf("database: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	store, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, cfg.Ingest.RecentWindow, cfg.Ingest.RecentMax, 60*time.Second)
	if err != nil {
		logger.Errorf("redis: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	var pusher service.PushSender
	keys, err := push.ResolveVAPIDKeys(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, push.DefaultVAPIDKeysPath)
	if err != nil {
		logger.Errorf("push disabled: %v", err)
	} else {
		pusher = push.NewProvider(keys, cfg.Push.Subscriber)
	}

	readingRepo := repository.NewReadingRepository(pool)
	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		RetryAttempts: cfg.Notify.RetryAttempts,
		RetryDelay:    cfg.Notify.RetryDelay,
		SweepBatch:    cfg.Notify.SweepBatch,
		SweepMaxAge:   cfg.Notify.SweepMaxAge,
	}, repository.NewNotificationRepository(pool), repository.NewUserRepository(pool), store, email.NewSender(&cfg.SMTP), pusher)

	maint := service.NewMaintenance(dispatcher, readingRepo, cfg.Notify.SweepInterval, cfg.Ingest.RetentionDays)
	logger.Infof("worker running: sweep every %v, retention %d days", cfg.Notify.SweepInterval, cfg.Ingest.RetentionDays)
	maint.Run(ctx)
	logger.Info("worker stopped")
}
