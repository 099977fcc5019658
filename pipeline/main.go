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
	"github.com/maciekb2/content-pipeline/pkg/autoscale"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/config"
	"github.com/maciekb2/content-pipeline/pkg/consumer"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/maciekb2/content-pipeline/pkg/notify"
	"github.com/maciekb2/content-pipeline/pkg/pipeline"
	"github.com/maciekb2/content-pipeline/pkg/store"
	"github.com/maciekb2/content-pipeline/pkg/telemetry"
	"github.com/nats-io/nats.go"
)

const serviceName = "pipeline"

type BusClient interface {
	Close()
	EnsureStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	EnsureQueue(q bus.Queue, work *nats.StreamConfig, policy bus.RetryPolicy) (*nats.ConsumerConfig, error)
	PullSubscribe(subject, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
	PublishJSON(ctx context.Context, subject string, payload any, headers nats.Header, opts ...nats.PubOpt) (*nats.PubAck, error)
	Depth(ctx context.Context, queue string) (int, error)
}

var (
	busConnect = func(cfg bus.Config) (BusClient, error) {
		return bus.Connect(cfg)
	}
	initTelemetryFunc = telemetry.Init
)

func main() {
	if err := run(context.Background()); err != nil {
		logger.Fatal("pipeline run failed", err)
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
	st, err := store.Open(cfg.Store, rdb)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer st.Close()

	classifier, embedder, err := newModels(cfg.AI)
	if err != nil {
		return fmt.Errorf("models: %w", err)
	}

	natsCfg := cfg.NATS
	if natsCfg.Name == "" {
		natsCfg.Name = serviceName
	}
	busClient, err := busConnect(natsCfg)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer busClient.Close()
	for _, streamCfg := range []*nats.StreamConfig{bus.EventsStreamConfig(), bus.NotificationStreamConfig()} {
		if _, err := busClient.EnsureStream(streamCfg); err != nil {
			return fmt.Errorf("stream %s: %w", streamCfg.Name, err)
		}
	}

	emitter := notify.New(busClient, cfg.Notify)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Stage.ShutdownTimeout)
		defer cancel()
		if err := emitter.Close(closeCtx); err != nil {
			logger.Error("notification drain incomplete", err)
		}
	}()

	handlers := map[string]consumer.Handler{
		bus.StageAudit:  pipeline.NewModerator(st, classifier, busClient, emitter, cfg.Stage.Timeouts).Handle,
		bus.StageVector: pipeline.NewPublisher(st, embedder, busClient, emitter, cfg.Stage.Timeouts).Handle,
	}

	var stages []*stage
	for _, name := range cfg.Stage.Enabled {
		s, err := newStage(busClient, cfg, name, handlers)
		if err != nil {
			return err
		}
		stages = append(stages, s)
	}
	if len(stages) == 0 {
		return errors.New("no stages enabled")
	}

	var wg sync.WaitGroup
	for _, s := range stages {
		s.start(ctx, &wg)
	}
	slog.Info("pipeline: running", "stages", cfg.Stage.Enabled)

	<-ctx.Done()
	slog.Info("pipeline: shutting down")
	wg.Wait()
	for _, s := range stages {
		if err := s.pool.Close(cfg.Stage.ShutdownTimeout); err != nil {
			logger.Error("pool close timed out", err, "stage", s.name)
		}
	}
	slog.Info("pipeline: stopped")
	return nil
}

// stage is one autoscaled consumer pool over a stage queue.
type stage struct {
	name   string
	pool   *consumer.Pool
	scaler *autoscale.Autoscaler
}

func newStage(busClient BusClient, cfg config.Config, name string, handlers map[string]consumer.Handler) (*stage, error) {
	q, err := bus.LookupQueue(name)
	if err != nil {
		return nil, err
	}
	handler, ok := handlers[q.Stage]
	if !ok {
		return nil, fmt.Errorf("no handler for stage %s", q.Stage)
	}
	work := bus.AuditStreamConfig()
	if q.Stage == bus.StageVector {
		work = bus.VectorStreamConfig()
	}
	policy := cfg.Retry.For(q.Stage)
	consumerCfg, err := busClient.EnsureQueue(q, work, policy)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", q.Name, err)
	}
	sub, err := busClient.PullSubscribe(q.Name, consumerCfg.Durable)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", q.Name, err)
	}

	scaleCfg := cfg.Autoscale.For(q.Stage)
	// Same ceiling the autoscaler applies on every resize.
	headroom := scaleCfg.MinWorkers + scaleCfg.HeadroomBuffer
	if headroom < scaleCfg.MaxWorkers {
		headroom = scaleCfg.MaxWorkers
	}
	pool, err := consumer.New(
		consumer.SubscriptionSource{Sub: sub, MaxWait: cfg.Stage.FetchWait},
		busClient,
		handler,
		consumer.Options{
			Name:     q.Stage,
			Size:     scaleCfg.MinWorkers,
			Headroom: headroom,
			Route:    bus.RouteFor(q, policy),
		},
	)
	if err != nil {
		return nil, err
	}
	scaler := autoscale.New(q.Stage, q.Name, pool, busClient, scaleCfg,
		autoscale.WithObserver(autoscale.EventPublisher{Bus: busClient}),
	)
	return &stage{name: q.Stage, pool: pool, scaler: scaler}, nil
}

func (s *stage) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.pool.Run(ctx); err != nil {
			logger.Error("pool stopped", err, "stage", s.name)
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.scaler.Run(ctx); err != nil {
			logger.Error("autoscaler stopped", err, "stage", s.name)
		}
	}()
}

