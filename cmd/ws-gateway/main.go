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
	"github.com/ordermesh/ordermesh-backend/internal/fanout"
	"github.com/ordermesh/ordermesh-backend/pkg/config"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/metrics"
	"github.com/ordermesh/ordermesh-backend/pkg/pubsub"
	"github.com/ordermesh/ordermesh-backend/pkg/supervisor"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "ws-gateway"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "ws-gateway"

	logg = logger.New(logger.Options{
		ServiceName: "ws-gateway",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

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

	hub := fanout.NewHub(cfg.Fanout, logg, metrics.NewFanoutMetrics(promRegistry))
	consumer, err := fanout.NewConsumer(hub, pubsubClient.PaymentsSubscription(), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create fanout consumer", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(logg, nil)
	sup.Add("fanout-consumer", consumer.Run)
	go func() {
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "background tasks stopped unexpectedly", err)
		}
	}()

	checks := routes.Checks{
		"pubsub": pubsubClient,
	}
	handler := routes.NewGatewayRouter(cfg, logg, promRegistry, checks, hub)

	addr := ":" + cfg.App.Port
	server := &http.Server{Addr: addr, Handler: handler}

	serveCtx := logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(serveCtx, "starting websocket gateway")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(serveCtx, "server shutdown error", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(serveCtx, "websocket gateway stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(serveCtx, "websocket gateway shut down gracefully")
}
