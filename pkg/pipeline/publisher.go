package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/ai"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/maciekb2/content-pipeline/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const publisherSource = "publisher"

// Publisher is the second stage: it embeds approved content and publishes
// it to the search index. It never calls the classifier.
type Publisher struct {
	store    store.Store
	embedder ai.Embedder
	bus      bus.Publisher
	notifier Notifier
	tracer   trace.Tracer
	cfg      Config
}

func NewPublisher(st store.Store, embedder ai.Embedder, pub bus.Publisher, notifier Notifier, cfg Config) *Publisher {
	return &Publisher{
		store:    st,
		embedder: embedder,
		bus:      pub,
		notifier: notifier,
		tracer:   otel.Tracer(publisherSource),
		cfg:      cfg.withDefaults(),
	}
}

// Handle processes one vector.queue delivery. A nil return acks it.
func (p *Publisher) Handle(ctx context.Context, msg bus.Message) error {
	started := time.Now()
	event, err := decodeProceed(msg.Data())
	if err != nil {
		recordOutcome(bus.StageVector, outcomeFailed, started)
		return err
	}

	ctx, span := p.tracer.Start(ctx, "publish.process")
	defer span.End()
	bus.AnnotateSpan(span, msg)
	span.SetAttributes(attribute.String("task.id", event.TaskID))
	log := logger.WithContext(ctx).With("task_id", event.TaskID, "attempt", msg.DeliveryAttempt())

	outcome, err := p.publish(ctx, log, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome = outcomeFailed
	}
	span.SetAttributes(attribute.String("publish.outcome", outcome))
	recordOutcome(bus.StageVector, outcome, started)
	return err
}

func (p *Publisher) publish(ctx context.Context, log *slog.Logger, event flow.ProceedEvent) (string, error) {
	getCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	content, err := p.store.Get(getCtx, event.TaskID)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("publisher: task not found, dropping")
		return outcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", event.TaskID, err)
	}

	switch content.State {
	case flow.StatePublished:
		log.Info("publisher: already published")
		return outcomeDuplicate, nil
	case flow.StateRejected:
		log.Warn("publisher: proceed event for rejected content, dropping")
		return outcomeDuplicate, nil
	case flow.StatePending:
		return "", fmt.Errorf("%s: %w", event.TaskID, ErrNotApproved)
	}

	keywords := event.AnalysisResult.Keywords
	if len(keywords) == 0 && content.Analysis != nil {
		keywords = content.Analysis.Keywords
	}
	if keywords == nil {
		keywords = []string{}
	}

	embedding, err := p.embed(ctx, EmbeddingSource(content.Title, content.Description, content.Tags, keywords))
	if err != nil {
		return "", err
	}

	tags := content.Tags
	if tags == nil {
		tags = []string{}
	}
	doc := flow.IndexDocument{
		ID:          content.ID,
		Slug:        content.Slug,
		Title:       content.Title,
		Description: content.Description,
		Keywords:    keywords,
		Tags:        tags,
		AuthorName:  content.AuthorName,
		CreatedAt:   content.CreatedAt,
		Embedding:   embedding,
	}

	commitCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	applied, err := p.store.Commit(commitCtx, content.ID, store.Transition{
		From:     flow.StateApproved,
		To:       flow.StatePublished,
		Document: &doc,
	})
	cancel()
	if errors.Is(err, store.ErrInvalidTransition) {
		log.Warn("publisher: state moved on concurrently, dropping")
		return outcomeDuplicate, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("publisher: task deleted during embedding, dropping")
		return outcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("commit publish %s: %w", content.ID, err)
	}
	if !applied {
		log.Info("publisher: published by a concurrent delivery")
		return outcomeDuplicate, nil
	}

	publishStatus(ctx, p.bus, content.ID, flow.StateApproved, flow.StatePublished, "", publisherSource)
	p.notifier.Emit(ctx, notification(content, flow.EventArticleApproved, ""))
	log.Info("publisher: content published", "dimensions", len(embedding))
	return outcomePublished, nil
}

// embed returns the vector for source. An empty source yields a zero vector
// without calling the embedder.
func (p *Publisher) embed(ctx context.Context, source string) ([]float32, error) {
	if source == "" {
		return make([]float32, p.embedder.Dimensions()), nil
	}
	embedCtx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
	defer cancel()
	started := time.Now()
	vec, err := p.embedder.Embed(embedCtx, source)
	recordModel("embed", err, started)
	if err != nil {
		if errors.Is(err, ai.ErrDimensionMismatch) {
			return nil, bus.Permanent(err)
		}
		return nil, fmt.Errorf("embed: %w", err)
	}
	if dims := p.embedder.Dimensions(); dims > 0 && len(vec) != dims {
		return nil, bus.Permanent(fmt.Errorf("%w: got %d, want %d", ai.ErrDimensionMismatch, len(vec), dims))
	}
	return vec, nil
}

// EmbeddingSource joins the non-empty parts of the text that is embedded:
// title, description, tags and keywords, one per line.
func EmbeddingSource(title, description string, tags, keywords []string) string {
	parts := make([]string, 0, 4)
	if t := strings.TrimSpace(title); t != "" {
		parts = append(parts, t)
	}
	if d := strings.TrimSpace(description); d != "" {
		parts = append(parts, d)
	}
	if list := joinNonEmpty(tags); list != "" {
		parts = append(parts, "Tags: "+list)
	}
	if list := joinNonEmpty(keywords); list != "" {
		parts = append(parts, "Keywords: "+list)
	}
	return strings.Join(parts, "\n")
}

func joinNonEmpty(items []string) string {
	kept := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			kept = append(kept, item)
		}
	}
	return strings.Join(kept, ", ")
}
