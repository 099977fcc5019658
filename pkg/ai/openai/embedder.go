package openai

import (
	"context"
	"fmt"

	"github.com/maciekb2/content-pipeline/pkg/ai"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder implements ai.Embedder with a langchaingo embeddings client.
type Embedder struct {
	embedder   embeddings.Embedder
	dimensions int
}

// NewEmbedder connects to cfg.Host using cfg.EmbeddingModel.
func NewEmbedder(cfg ai.Config) (*Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.Host),
		openai.WithToken(cfg.Token),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	)
	if err != nil {
		return nil, fmt.Errorf("openai embedding client: %w", err)
	}
	e, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return &Embedder{embedder: e, dimensions: cfg.Dimensions}, nil
}

func (e *Embedder) Dimensions() int { return e.dimensions }

// Embed returns the vector for text. A vector of the wrong width wraps
// ai.ErrDimensionMismatch.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	logger.WithContext(ctx).Debug("generating embedding", "length", len(text))
	vectors, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, ai.ErrEmptyEmbedding
	}
	if got := len(vectors[0]); e.dimensions > 0 && got != e.dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", ai.ErrDimensionMismatch, got, e.dimensions)
	}
	return vectors[0], nil
}
