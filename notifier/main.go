package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/config"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/maciekb2/content-pipeline/pkg/telemetry"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

const serviceName = "notifier"

type BusClient interface {
	Close()
	EnsureQueue(q bus.Queue, work *nats.StreamConfig, policy bus.RetryPolicy) (*nats.ConsumerConfig, error)
	PullSubscribe(subject, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
	Consume(ctx context.Context, sub *nats.Subscription, opts bus.ConsumeOptions, handler bus.Handler) error
}

var (
	busConnect = func(cfg bus.Config) (BusClient, error) {
		return bus.Connect(cfg)
	}
	initTelemetryFunc = telemetry.Init
)

func main() {
	if err := run(context.Background()); err != nil {
		logger.Fatal("notifier run failed", err)
	}
}

func run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Getenv("PIPELINE_CONFIG"))
	if err != nil {
		return err
	}
	logger.Setup(serviceName, cfg.Log.Level)

	shutdown, err := initTelemetryFunc(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		MetricsPort: cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer shutdown(context.Background())

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	natsCfg := cfg.NATS
	if natsCfg.Name == "" {
		natsCfg.Name = serviceName
	}
	busClient, err := busConnect(natsCfg)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer busClient.Close()

	q := bus.NotificationQueue
	policy := cfg.Retry.For(q.Stage)
	consumerCfg, err := busClient.EnsureQueue(q, bus.NotificationStreamConfig(), policy)
	if err != nil {
		return fmt.Errorf("queue %s: %w", q.Name, err)
	}
	sub, err := busClient.PullSubscribe(q.Name, consumerCfg.Durable)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.Name, err)
	}

	notifier := NewNotifier(rdb, otel.Tracer(serviceName), cfg.Inbox.Limit)
	slog.Info("notifier: running", "queue", q.Name, "inbox_limit", cfg.Inbox.Limit)

	opts := bus.ConsumeOptions{Batch: 10, MaxWait: cfg.Stage.FetchWait, Route: bus.RouteFor(q, policy)}
	if err := busClient.Consume(ctx, sub, opts, notifier.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consume: %w", err)
	}
	slog.Info("notifier: stopped")
	return nil
}
