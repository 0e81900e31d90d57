package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ordermesh/ordermesh-backend/api/routes"
	"github.com/ordermesh/ordermesh-backend/internal/cron"
	ordersvc "github.com/ordermesh/ordermesh-backend/internal/orders"
	"github.com/ordermesh/ordermesh-backend/pkg/config"
	"github.com/ordermesh/ordermesh-backend/pkg/db"
	"github.com/ordermesh/ordermesh-backend/pkg/inbox"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/metrics"
	"github.com/ordermesh/ordermesh-backend/pkg/migrate"
	"github.com/ordermesh/ordermesh-backend/pkg/outbox"
	"github.com/ordermesh/ordermesh-backend/pkg/pubsub"
	"github.com/ordermesh/ordermesh-backend/pkg/redis"
	"github.com/ordermesh/ordermesh-backend/pkg/supervisor"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "orders-api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "orders-api"

	logg = logger.New(logger.Options{
		ServiceName: "orders-api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	promRegistry := prometheus.NewRegistry()

	outboxRepo := outbox.NewRepository(dbClient.DB())
	outboxDLQ := outbox.NewDLQRepository(dbClient.DB())
	inboxRepo := inbox.NewRepository(dbClient.DB())
	inboxDLQ := inbox.NewDLQRepository(dbClient.DB())
	emitter := outbox.NewService(outboxRepo, logg)

	eventRegistry, err := outbox.NewRegistry(cfg.PubSub)
	if err != nil {
		logg.Error(context.Background(), "failed to build event registry", err)
		os.Exit(1)
	}

	publisher, err := outbox.NewPublisher(outbox.PublisherParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Broker:        pubsubClient,
		Repository:    outboxRepo,
		DLQRepository: outboxDLQ,
		Registry:      eventRegistry,
		Metrics:       metrics.NewOutboxMetrics(promRegistry),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox publisher", err)
		os.Exit(1)
	}

	retention, err := buildRetention(cfg, logg, redisClient, promRegistry, outboxRepo, inboxRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create retention scheduler", err)
		os.Exit(1)
	}

	ordersService := ordersvc.NewService(ordersvc.NewRepository(dbClient.DB()), dbClient, emitter, logg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(logg, nil)
	sup.Add("outbox-publisher", publisher.Run)
	sup.Add("retention", retention.Run)
	go func() {
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "background tasks stopped unexpectedly", err)
		}
	}()

	checks := routes.Checks{
		"database": dbClient,
		"redis":    redisClient,
		"pubsub":   pubsubClient,
	}
	handler := routes.NewOrdersRouter(cfg, logg, promRegistry, checks, ordersService, outboxRepo, outboxDLQ, inboxDLQ)

	addr := ":" + cfg.App.Port
	server := &http.Server{Addr: addr, Handler: handler}

	serveCtx := logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(serveCtx, "starting orders api")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(serveCtx, "server shutdown error", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(serveCtx, "orders api stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(serveCtx, "orders api shut down gracefully")
}

func buildRetention(
	cfg *config.Config,
	logg *logger.Logger,
	redisClient *redis.Client,
	promRegistry *prometheus.Registry,
	outboxRepo *outbox.Repository,
	inboxRepo *inbox.Repository,
) (*cron.Service, error) {
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("orders-retention"), cfg.Retention.LockTTL)
	if err != nil {
		return nil, err
	}
	outboxJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		Repository: outboxRepo,
		MaxAge:     cfg.Retention.OutboxMaxAge,
	})
	if err != nil {
		return nil, err
	}
	inboxJob, err := cron.NewInboxRetentionJob(cron.InboxRetentionJobParams{
		Logger:     logg,
		Repository: inboxRepo,
		MaxAge:     cfg.Retention.InboxMaxAge,
	})
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(outboxJob, inboxJob),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(promRegistry),
		Interval: cfg.Retention.Interval,
	})
}
