package main

import (
	"fmt"

	"github.com/maciekb2/content-pipeline/pkg/ai"
	"github.com/maciekb2/content-pipeline/pkg/ai/mock"
	"github.com/maciekb2/content-pipeline/pkg/ai/openai"
)

func newModels(cfg ai.Config) (ai.Classifier, ai.Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	switch cfg.Provider {
	case ai.ProviderMock:
		return mock.NewClassifier(), mock.NewEmbedder(cfg.Dimensions), nil
	case ai.ProviderOpenAI:
		classifier, err := openai.NewClassifier(cfg)
		if err != nil {
			return nil, nil, err
		}
		embedder, err := openai.NewEmbedder(cfg)
		if err != nil {
			return nil, nil, err
		}
		return classifier, embedder, nil
	}
	return nil, nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
}
