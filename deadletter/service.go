package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// archivePolicy never gives up: the dead-letter stream keeps the message
// until Redis accepts it.
var archivePolicy = bus.RetryPolicy{
	MaxAttempts:    math.MaxInt32,
	InitialBackoff: bus.DefaultRetryPolicy.InitialBackoff,
	Multiplier:     bus.DefaultRetryPolicy.Multiplier,
	MaxBackoff:     30 * bus.DefaultRetryPolicy.InitialBackoff,
}

// archiveConsumer reads a dead-letter stream without a delivery limit.
func archiveConsumer(q bus.Queue) *nats.ConsumerConfig {
	cfg := bus.ConsumerConfig(bus.DurableName(q.DeadLetterStream, "archiver"), q.DeadLetter, archivePolicy)
	cfg.MaxDeliver = -1
	return cfg
}

type DeadLetterService struct {
	rdb    redis.Cmdable
	tracer trace.Tracer
}

func NewDeadLetterService(rdb redis.Cmdable, tracer trace.Tracer) *DeadLetterService {
	return &DeadLetterService{
		rdb:    rdb,
		tracer: tracer,
	}
}

// Handler archives the dead letters of q.
func (s *DeadLetterService) Handler(q bus.Queue) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		var entry flow.DeadLetter
		if err := json.Unmarshal(msg.Data(), &entry); err != nil {
			logger.WithContext(ctx).Warn("deadletter: bad payload, dropping", "subject", msg.Subject(), "error", err.Error())
			return nil
		}
		if entry.Stage == "" {
			entry.Stage = q.Stage
		}
		if err := s.Persist(ctx, entry, msg); err != nil {
			return err
		}
		logger.WithContext(ctx).Info("deadletter: archived", "stage", entry.Stage, "subject", entry.Subject, "reason", entry.Reason)
		return nil
	}
}

// Persist appends entry to its stage's Redis list.
func (s *DeadLetterService) Persist(ctx context.Context, entry flow.DeadLetter, msg bus.Message) error {
	ctxSpan, span := s.tracer.Start(ctx, "deadletter.persist")
	defer span.End()
	bus.AnnotateSpan(span, msg)

	span.SetAttributes(
		attribute.String("deadletter.stage", entry.Stage),
		attribute.String("deadletter.reason", entry.Reason),
		attribute.String("deadletter.subject", entry.Subject),
	)

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}

	if err := s.rdb.RPush(ctxSpan, bus.DeadLetterKey(entry.Stage), payload).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persist failed: %w", err)
	}

	return nil
}
