package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"retail-backbone/relay/internal/worker"
	"retail-backbone/shared/metricsx"
	"retail-backbone/shared/mqx"
	"retail-backbone/shared/outbox"
	"retail-backbone/shared/svc"
)

func main() {
	app := svc.Init("", "outbox-relay", 8095)
	cfg := app.Cfg
	if cfg.AsynqRedisAddr == "" {
		app.Logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("problems", "ASYNQ_REDIS_ADDR is required"),
		)
		app.Close()
		os.Exit(1)
	}
	app.Migrate(outbox.Schema)

	publisher, err := mqx.NewPublisher(app.Broker, app.Topology.Exchange, cfg.ServiceName)
	if err != nil {
		app.Logger.Error(context.Background(), "publisher_init_failed", "publisher init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		app.Close()
		os.Exit(1)
	}
	repo := outbox.NewRepo(app.Pool)
	relay, err := outbox.NewRelay(repo, publisher, cfg.OutboxMaxAttempts, app.Logger)
	if err != nil {
		app.Logger.Error(context.Background(), "relay_init_failed", "relay init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		app.Close()
		os.Exit(1)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	client := asynq.NewClient(redisOpt)
	app.OnClose(func() { _ = client.Close() })

	hostname, _ := os.Hostname()
	w, err := worker.New(relay, repo, client, worker.Options{
		Owner:      cfg.ServiceName + "@" + hostname,
		Queue:      cfg.AsynqQueue,
		BatchSize:  cfg.OutboxBatchSize,
		StaleAfter: 2 * time.Minute,
		Lock:       app.Cache.Client(),
		LockTTL:    time.Duration(cfg.OutboxScanSec*4) * time.Second,
	}, app.Logger)
	if err != nil {
		app.Logger.Error(context.Background(), "worker_init_failed", "worker init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		app.Close()
		os.Exit(1)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	app.Go(func(ctx context.Context) error {
		if err := server.Start(w.Mux()); err != nil {
			return err
		}
		app.Logger.Info(ctx, "worker_start", "outbox relay started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
		)
		<-ctx.Done()
		server.Shutdown()
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxScanSec)+"s", w.ScanTask()); err != nil {
		app.Logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		app.Close()
		os.Exit(1)
	}
	app.Go(func(ctx context.Context) error {
		if err := scheduler.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		scheduler.Shutdown()
		return nil
	})

	inspector := asynq.NewInspector(redisOpt)
	app.OnClose(func() { _ = inspector.Close() })
	app.Go(func(ctx context.Context) error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
				if err != nil {
					continue
				}
				metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
			}
		}
	})

	app.Run()
}
