package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/config"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/maciekb2/content-pipeline/pkg/telemetry"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

const serviceName = "deadletter"

type BusClient interface {
	Close()
	EnsureStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	EnsureConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
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
		logger.Fatal("deadletter run failed", err)
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

	service := NewDeadLetterService(rdb, otel.Tracer(serviceName))

	type binding struct {
		queue bus.Queue
		sub   *nats.Subscription
	}
	var bindings []binding
	for _, q := range bus.Queues() {
		if _, err := busClient.EnsureStream(bus.DeadLetterStreamConfig(q)); err != nil {
			return fmt.Errorf("stream %s: %w", q.DeadLetterStream, err)
		}
		consumerCfg := archiveConsumer(q)
		if _, err := busClient.EnsureConsumer(q.DeadLetterStream, consumerCfg); err != nil {
			return fmt.Errorf("consumer %s: %w", consumerCfg.Durable, err)
		}
		sub, err := busClient.PullSubscribe(q.DeadLetter, consumerCfg.Durable)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", q.DeadLetter, err)
		}
		bindings = append(bindings, binding{queue: q, sub: sub})
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, b := range bindings {
		wg.Add(1)
		go func(b binding) {
			defer wg.Done()
			opts := bus.ConsumeOptions{Batch: 10, MaxWait: cfg.Stage.FetchWait, Route: bus.RouteFor(b.queue, archivePolicy)}
			err := busClient.Consume(ctx, b.sub, opts, service.Handler(b.queue))
			if err != nil && !errors.Is(err, context.Canceled) {
				once.Do(func() {
					firstErr = fmt.Errorf("consume %s: %w", b.queue.DeadLetter, err)
					stop()
				})
			}
		}(b)
	}
	slog.Info("deadletter: running", "queues", len(bindings))

	wg.Wait()
	slog.Info("deadletter: stopped")
	return firstErr
}
