package bus

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/maciekb2/content-pipeline/pkg/bus/bustest"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestBuildDeadLetter(t *testing.T) {
	data := []byte(`{"taskId":"42"}`)
	msg := bustest.NewMessage(SubjectAuditQueue, data, 5)
	msg.Header().Set("X-Test", "value")

	entry := BuildDeadLetter(msg, StageAudit, "classifier timeout")

	assert.Equal(t, SubjectAuditQueue, entry.Subject)
	assert.Equal(t, StageAudit, entry.Stage)
	assert.Equal(t, "classifier timeout", entry.Reason)
	assert.Equal(t, base64.StdEncoding.EncodeToString(data), entry.Payload)
	assert.Equal(t, []string{"value"}, entry.Headers["X-Test"])
	assert.NotEmpty(t, entry.ReceivedAt)

	decoded, err := DecodePayload(entry)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestTracePropagation(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	require.True(t, sc.IsValid())
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	headers := nats.Header{}
	injectTrace(ctx, headers)
	assert.NotEmpty(t, headers.Get("traceparent"))

	extracted := ContextFromHeaders(context.Background(), headers)
	assert.Equal(t, sc.TraceID(), trace.SpanFromContext(extracted).SpanContext().TraceID())
}

func TestCloneHeadersIsDeep(t *testing.T) {
	orig := nats.Header{"A": []string{"1"}}
	clone := cloneHeaders(orig)
	clone["A"][0] = "2"
	assert.Equal(t, "1", orig.Get("A"))
	assert.NotNil(t, cloneHeaders(nil))
}

func TestLookupQueue(t *testing.T) {
	q, err := LookupQueue("audit.queue")
	require.NoError(t, err)
	assert.Equal(t, AuditQueue, q)

	q, err = LookupQueue("vector")
	require.NoError(t, err)
	assert.Equal(t, StreamVector, q.Stream)
	assert.Equal(t, SubjectVectorDead, q.DeadLetter)

	q, err = LookupQueue("notification")
	require.NoError(t, err)
	assert.Equal(t, "notification-inbox", q.Durable)
	assert.Len(t, Queues(), 3)

	_, err = LookupQueue("orders")
	assert.Error(t, err)
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "audit-moderator", DurableName(StreamAudit, "moderator"))
	assert.Equal(t, "moderator", DurableName("", "moderator"))
	assert.Equal(t, "audit", DurableName("AUDIT", ""))
}

func TestConsumerConfigMaxDeliver(t *testing.T) {
	cfg := ConsumerConfig("audit-moderator", SubjectAuditQueue, DefaultRetryPolicy)
	assert.Equal(t, 6, cfg.MaxDeliver)
	assert.Equal(t, nats.AckExplicitPolicy, cfg.AckPolicy)
	assert.Equal(t, SubjectAuditQueue, cfg.FilterSubject)

	assert.Equal(t, 4, MaxDeliver(RetryPolicy{MaxAttempts: 3}))
	assert.Equal(t, 6, MaxDeliver(RetryPolicy{}))
}

func TestDeadLetterStreamCapturesDeadSubject(t *testing.T) {
	cfg := DeadLetterStreamConfig(AuditQueue)
	assert.Equal(t, StreamAuditDLQ, cfg.Name)
	assert.Equal(t, []string{SubjectAuditDead}, cfg.Subjects)
	assert.Equal(t, nats.LimitsPolicy, cfg.Retention)
}

func TestMessageAttributesWithoutMetadata(t *testing.T) {
	attrs := MessageAttributes(bustest.NewMessage(SubjectVectorQueue, nil, 1))
	require.Len(t, attrs, 1)
	assert.Equal(t, SubjectVectorQueue, attrs[0].Value.AsString())
}
