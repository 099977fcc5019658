package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/maciekb2/content-pipeline/pkg/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type scriptedModel struct {
	replies []string
	err     error
	calls   int
	last    []llms.MessageContent
}

func (m *scriptedModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls++
	m.last = messages
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return &llms.ContentResponse{}, nil
	}
	reply := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func testConfig() ai.Config {
	cfg := ai.DefaultConfig()
	cfg.BodyLimit = 10
	return cfg
}

func TestClassifyApproved(t *testing.T) {
	model := &scriptedModel{replies: []string{"```json\n{\"approved\": true, \"keywords\": [\"go\", \" \", \"nats\"], \"reason\": \"ok\"}\n```"}}
	c := newClassifier(model, testConfig())

	got, err := c.Classify(context.Background(), "Title", "body")
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.Equal(t, []string{"go", "nats"}, got.Keywords)
	assert.Equal(t, "ok", got.Reason)
	assert.Equal(t, 1, model.calls)
}

func TestClassifyRejectedGetsReason(t *testing.T) {
	model := &scriptedModel{replies: []string{`{"approved": false, "keywords": []}`}}
	c := newClassifier(model, testConfig())

	got, err := c.Classify(context.Background(), "Title", "body")
	require.NoError(t, err)
	assert.False(t, got.Approved)
	assert.NotEmpty(t, got.Reason)
}

func TestClassifyRetriesMalformedReply(t *testing.T) {
	model := &scriptedModel{replies: []string{
		"I think this is fine",
		`Sure! {"approved": true, "keywords": ["a",], "reason": "fine",}`,
	}}
	c := newClassifier(model, testConfig())

	got, err := c.Classify(context.Background(), "Title", "body")
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.Equal(t, []string{"a"}, got.Keywords)
	assert.Equal(t, 2, model.calls)
}

func TestClassifyMalformedAfterAttempts(t *testing.T) {
	model := &scriptedModel{replies: []string{`{"keywords": ["x"]}`}}
	c := newClassifier(model, testConfig())

	_, err := c.Classify(context.Background(), "Title", "body")
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrMalformedResponse)
	assert.Equal(t, 3, model.calls)
}

func TestClassifyNoChoices(t *testing.T) {
	model := &scriptedModel{}
	c := newClassifier(model, testConfig())

	_, err := c.Classify(context.Background(), "Title", "body")
	assert.ErrorIs(t, err, ai.ErrMalformedResponse)
}

func TestClassifyTransportErrorNotRetried(t *testing.T) {
	boom := errors.New("connection refused")
	model := &scriptedModel{err: boom}
	c := newClassifier(model, testConfig())

	_, err := c.Classify(context.Background(), "Title", "body")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ai.ErrMalformedResponse)
	assert.Equal(t, 1, model.calls)
}

func TestClassifyTruncatesBody(t *testing.T) {
	model := &scriptedModel{replies: []string{`{"approved": true}`}}
	c := newClassifier(model, testConfig())

	_, err := c.Classify(context.Background(), "Title", "0123456789abcdef")
	require.NoError(t, err)
	require.Len(t, model.last, 2)
	human := model.last[1].Parts[0].(llms.TextContent).Text
	assert.Contains(t, human, "0123456789")
	assert.NotContains(t, human, "abcdef")
}

func TestDropTrailingCommasKeepsStrings(t *testing.T) {
	assert.Equal(t, `{"a": "x,}", "b": [1]}`, dropTrailingCommas(`{"a": "x,}", "b": [1,],}`))
}
