package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/maciekb2/content-pipeline/pkg/ai"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

var errNoChoices = errors.New("no choices returned")

// generator is the part of llms.Model the classifier needs.
type generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Classifier asks a chat model for a moderation verdict in JSON mode.
type Classifier struct {
	client    generator
	bodyLimit int
	attempts  int
}

// NewClassifier connects to cfg.Host using cfg.ClassifierModel.
func NewClassifier(cfg ai.Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.Host),
		openai.WithToken(cfg.Token),
		openai.WithModel(cfg.ClassifierModel),
	)
	if err != nil {
		return nil, fmt.Errorf("openai classifier client: %w", err)
	}
	return newClassifier(client, cfg), nil
}

func newClassifier(client generator, cfg ai.Config) *Classifier {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return &Classifier{client: client, bodyLimit: cfg.BodyLimit, attempts: attempts}
}

// Classify returns the verdict for title and body. Transport errors are
// returned as is; replies that never decode yield ai.ErrMalformedResponse.
func (c *Classifier) Classify(ctx context.Context, title, body string) (flow.AnalysisResult, error) {
	log := logger.WithContext(ctx).With("component", "openai-classifier")
	content := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, userPrompt(title, ai.Truncate(body, c.bodyLimit))),
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		resp, err := c.client.GenerateContent(ctx, content, llms.WithTemperature(0.0), llms.WithJSONMode())
		if err != nil {
			return flow.AnalysisResult{}, fmt.Errorf("classify: %w", err)
		}
		if len(resp.Choices) == 0 {
			lastErr = errNoChoices
			log.Warn("classifier returned no choices", "attempt", attempt)
			continue
		}
		result, err := parseVerdict(resp.Choices[0].Content)
		if err != nil {
			lastErr = err
			log.Warn("error parsing classifier response", "attempt", attempt, "response", resp.Choices[0].Content, "error", err)
			continue
		}
		if !result.Approved && result.Reason == "" {
			result.Reason = "rejected by classifier"
		}
		return result, nil
	}
	return flow.AnalysisResult{}, fmt.Errorf("%w: %v", ai.ErrMalformedResponse, lastErr)
}
