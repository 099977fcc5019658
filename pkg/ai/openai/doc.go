// Package openai implements ai.Classifier and ai.Embedder on top of any
// OpenAI-compatible HTTP API through langchaingo.
package openai
