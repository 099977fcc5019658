// Package ai defines the model-facing contracts the pipeline stages consume:
// a content classifier for moderation and a text embedder for indexing.
package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/maciekb2/content-pipeline/pkg/flow"
)

var (
	// ErrMalformedResponse is returned when the model reply cannot be decoded
	// into an AnalysisResult after every repair attempt.
	ErrMalformedResponse = errors.New("ai: malformed model response")
	// ErrDimensionMismatch is returned when an embedding does not have the
	// configured number of dimensions.
	ErrDimensionMismatch = errors.New("ai: embedding dimension mismatch")
	// ErrEmptyEmbedding is returned when the embedding service answers with no vectors.
	ErrEmptyEmbedding = errors.New("ai: empty embedding response")
)

// Classifier decides whether content may be published and extracts keywords.
type Classifier interface {
	Classify(ctx context.Context, title, body string) (flow.AnalysisResult, error)
}

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// Config selects and configures the model provider.
type Config struct {
	// Provider is "openai" for any OpenAI-compatible endpoint or "mock" for
	// the deterministic in-process implementation.
	Provider string `mapstructure:"provider"`
	// Host is the base URL of the OpenAI-compatible API. "/v1" is appended
	// when missing.
	Host string `mapstructure:"host"`
	// Token is sent as the bearer token. Local servers accept "none".
	Token           string `mapstructure:"token"`
	ClassifierModel string `mapstructure:"classifier_model"`
	EmbeddingModel  string `mapstructure:"embedding_model"`
	Dimensions      int    `mapstructure:"dimensions"`
	// BodyLimit truncates the body handed to the classifier, counted in runes.
	BodyLimit int `mapstructure:"body_limit"`
	// Attempts bounds how many times a reply is requested before giving up
	// with ErrMalformedResponse.
	Attempts int `mapstructure:"attempts"`
}

// DefaultConfig targets a local OpenAI-compatible server.
func DefaultConfig() Config {
	return Config{
		Provider:        ProviderOpenAI,
		Host:            "http://localhost:11434/v1",
		Token:           "none",
		ClassifierModel: "qwen2.5:3b",
		EmbeddingModel:  "embeddinggemma",
		Dimensions:      768,
		BodyLimit:       2000,
		Attempts:        3,
	}
}

// Normalize makes sure Host ends with /v1.
func (c *Config) Normalize() {
	if c.Host != "" && !strings.HasSuffix(c.Host, "/v1") {
		c.Host = strings.TrimSuffix(c.Host, "/") + "/v1"
	}
	if c.Token == "" {
		c.Token = "none"
	}
}

// Validate normalizes the config and reports the first problem found.
func (c *Config) Validate() error {
	c.Normalize()
	switch c.Provider {
	case ProviderMock:
		if c.Dimensions <= 0 {
			return errors.New("ai config: dimensions must be positive")
		}
		return nil
	case ProviderOpenAI:
	default:
		return errors.New("ai config: provider must be openai or mock")
	}
	if c.Host == "" {
		return errors.New("ai config: host is required")
	}
	if c.ClassifierModel == "" {
		return errors.New("ai config: classifier_model is required")
	}
	if c.EmbeddingModel == "" {
		return errors.New("ai config: embedding_model is required")
	}
	if c.Dimensions <= 0 {
		return errors.New("ai config: dimensions must be positive")
	}
	if c.Attempts < 1 {
		return errors.New("ai config: attempts must be at least 1")
	}
	return nil
}

// Truncate cuts s to at most limit runes. A non-positive limit disables it.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
