package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/app"
	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/lots"
	"github.com/meridian-erp/meridian-erp/internal/movements"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()
	events := jobs.NewPublisher(queue.Asynq(), logger)

	metrics := jobmetrics.NewMetrics(nil)

	auditLogger := shared.NewAuditLogger(pool)
	approvalRecorder := shared.NewApprovalRecorder(pool, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	authorizer := shared.NewPgAuthorizer(pool)

	lotRepo := lots.NewRepository(pool)
	lotService := lots.NewService(lotRepo, auditLogger, events)

	movementRepo := movements.NewRepository(pool)
	movementService := movements.NewService(movementRepo, authorizer, auditLogger, approvalRecorder, idempotencyStore, events)

	ledgerRepo := ledger.NewRepository(pool)

	expiryJob := jobs.NewExpirySweepJob(pool, lotService, logger, metrics)
	lowStockJob := jobs.NewLowStockScanJob(pool, ledgerRepo, redisClient, events, logger, metrics)
	staleJob := jobs.NewStaleApprovalSweepJob(movementService, cfg.ApprovalPendingTTL, logger, metrics)
	reminderJob := jobs.NewClosingReminderJob(pool, logger, metrics)
	notifyJob := &jobs.NotifyJob{Logger: logger}

	now := time.Now().UTC()
	expiryTask, err := jobs.NewExpirySweepTask(now)
	if err != nil {
		logger.Error("build expiry task", slog.Any("error", err))
		os.Exit(1)
	}
	lowStockTask, err := jobs.NewLowStockScanTask(now)
	if err != nil {
		logger.Error("build low stock task", slog.Any("error", err))
		os.Exit(1)
	}
	staleTask, err := jobs.NewStaleApprovalSweepTask(now)
	if err != nil {
		logger.Error("build stale approval task", slog.Any("error", err))
		os.Exit(1)
	}
	reminderTask, err := jobs.NewClosingReminderTask(now)
	if err != nil {
		logger.Error("build closing reminder task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskExpirySweep, Handler: expiryJob.Handle},
			{Type: jobs.TaskLowStockScan, Handler: lowStockJob.Handle},
			{Type: jobs.TaskStaleApprovalSweep, Handler: staleJob.Handle},
			{Type: jobs.TaskClosingReminder, Handler: reminderJob.Handle},
			{Type: jobs.TaskNotifyEvent, Handler: notifyJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: expiryTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "*/15 * * * *", Task: lowStockTask, Options: []asynq.Option{asynq.MaxRetry(2)}},
			{Spec: "30 * * * *", Task: staleTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 6 2 * *", Task: reminderTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
