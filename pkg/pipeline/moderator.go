package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/ai"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/maciekb2/content-pipeline/pkg/store"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const moderatorSource = "moderator"

// Moderator is the first stage: it classifies PENDING content, commits the
// verdict and hands approved content to the vector stage.
type Moderator struct {
	store      store.Store
	classifier ai.Classifier
	bus        bus.Publisher
	notifier   Notifier
	tracer     trace.Tracer
	cfg        Config
	sleep      func(context.Context, time.Duration) error
}

func NewModerator(st store.Store, classifier ai.Classifier, pub bus.Publisher, notifier Notifier, cfg Config) *Moderator {
	return &Moderator{
		store:      st,
		classifier: classifier,
		bus:        pub,
		notifier:   notifier,
		tracer:     otel.Tracer(moderatorSource),
		cfg:        cfg.withDefaults(),
		sleep:      sleepCtx,
	}
}

// Handle processes one audit.queue delivery. A nil return acks it.
func (m *Moderator) Handle(ctx context.Context, msg bus.Message) error {
	started := time.Now()
	taskID, err := decodeTaskRef(msg.Data())
	if err != nil {
		recordOutcome(bus.StageAudit, outcomeFailed, started)
		return err
	}

	ctx, span := m.tracer.Start(ctx, "moderation.process")
	defer span.End()
	bus.AnnotateSpan(span, msg)
	span.SetAttributes(attribute.String("task.id", taskID))
	log := logger.WithContext(ctx).With("task_id", taskID, "attempt", msg.DeliveryAttempt())

	outcome, err := m.moderate(ctx, log, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome = outcomeFailed
	}
	span.SetAttributes(attribute.String("moderation.outcome", outcome))
	recordOutcome(bus.StageAudit, outcome, started)
	return err
}

func (m *Moderator) moderate(ctx context.Context, log *slog.Logger, taskID string) (string, error) {
	content, err := m.lookup(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("moderator: task not found after retry, dropping")
		return outcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", taskID, err)
	}

	switch content.State {
	case flow.StateRejected, flow.StatePublished:
		log.Info("moderator: task already settled", "state", content.State)
		return outcomeDuplicate, nil
	case flow.StateApproved:
		// Committed on an earlier delivery that crashed before the hand-off.
		analysis := flow.AnalysisResult{Approved: true}
		if content.Analysis != nil {
			analysis = *content.Analysis
		}
		if err := m.proceed(ctx, taskID, analysis); err != nil {
			return "", err
		}
		log.Info("moderator: proceed event republished")
		return outcomeRepublished, nil
	}

	classifyCtx, cancel := context.WithTimeout(ctx, m.cfg.ClassifyTimeout)
	classifyStart := time.Now()
	result, err := m.classifier.Classify(classifyCtx, content.Title, content.Body)
	cancel()
	recordModel("classify", err, classifyStart)
	if err != nil {
		if bus.IsPermanent(err) {
			return "", err
		}
		return "", fmt.Errorf("classify %s: %w", taskID, err)
	}

	if result.Approved {
		return m.approve(ctx, log, content, result)
	}
	return m.reject(ctx, log, content, result)
}

func (m *Moderator) approve(ctx context.Context, log *slog.Logger, content store.Content, result flow.AnalysisResult) (string, error) {
	applied, err := m.commit(ctx, content.ID, store.Transition{
		From:     flow.StatePending,
		To:       flow.StateApproved,
		Analysis: &result,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		log.Warn("moderator: state moved on concurrently, dropping")
		return outcomeDuplicate, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("moderator: task deleted during classification, dropping")
		return outcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("commit approval %s: %w", content.ID, err)
	}
	if applied {
		publishStatus(ctx, m.bus, content.ID, flow.StatePending, flow.StateApproved, "", moderatorSource)
	}
	if err := m.proceed(ctx, content.ID, result); err != nil {
		return "", err
	}
	log.Info("moderator: content approved", "keywords", len(result.Keywords))
	return outcomeApproved, nil
}

func (m *Moderator) reject(ctx context.Context, log *slog.Logger, content store.Content, result flow.AnalysisResult) (string, error) {
	applied, err := m.commit(ctx, content.ID, store.Transition{
		From:   flow.StatePending,
		To:     flow.StateRejected,
		Reason: result.Reason,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		log.Warn("moderator: state moved on concurrently, dropping")
		return outcomeDuplicate, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("moderator: task deleted during classification, dropping")
		return outcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("commit rejection %s: %w", content.ID, err)
	}
	if applied {
		publishStatus(ctx, m.bus, content.ID, flow.StatePending, flow.StateRejected, result.Reason, moderatorSource)
		m.notifier.Emit(ctx, notification(content, flow.EventArticleRejected, result.Reason))
	}
	log.Info("moderator: content rejected", "reason", result.Reason)
	return outcomeRejected, nil
}

// lookup reads the task, re-reading once after LookupRetryDelay when the
// producer's write is not visible yet.
func (m *Moderator) lookup(ctx context.Context, id string) (store.Content, error) {
	content, err := m.get(ctx, id)
	if !errors.Is(err, store.ErrNotFound) {
		return content, err
	}
	if err := m.sleep(ctx, m.cfg.LookupRetryDelay); err != nil {
		return store.Content{}, err
	}
	return m.get(ctx, id)
}

func (m *Moderator) get(ctx context.Context, id string) (store.Content, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	return m.store.Get(ctx, id)
}

func (m *Moderator) commit(ctx context.Context, id string, t store.Transition) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	return m.store.Commit(ctx, id, t)
}

// proceed hands the task to the vector stage. The message id lets JetStream
// drop the duplicate a redelivered approval would otherwise create.
func (m *Moderator) proceed(ctx context.Context, taskID string, result flow.AnalysisResult) error {
	pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()
	event := flow.ProceedEvent{TaskID: taskID, AnalysisResult: result}
	if _, err := m.bus.PublishJSON(pubCtx, bus.SubjectVectorQueue, event, nil, nats.MsgId(bus.ProceedMsgID(taskID))); err != nil {
		return fmt.Errorf("publish proceed %s: %w", taskID, err)
	}
	return nil
}
