package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/bus/bustest"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rejected(target int64) flow.NotificationEvent {
	return flow.NotificationEvent{
		ActorID:      flow.SystemActorID,
		TargetUserID: target,
		EventType:    flow.EventArticleRejected,
		ResourceID:   "a-1",
		ResourceSlug: "a-1",
		Payload:      "blocked",
	}
}

func TestEmitPublishes(t *testing.T) {
	pub := &bustest.Publisher{}
	e := New(pub, Config{})

	e.Emit(context.Background(), rejected(7))
	require.NoError(t, e.Close(context.Background()))

	got := pub.On(bus.SubjectNotificationQueue)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"actorId":-1,"targetUserId":7,"eventType":"ARTICLE_REJECTED","resourceId":"a-1","resourceSlug":"a-1","payload":"blocked"}`, string(got[0].Data))
}

func TestEmitDropsSelfNotification(t *testing.T) {
	pub := &bustest.Publisher{}
	e := New(pub, Config{})

	ev := rejected(7)
	ev.ActorID = 7
	e.Emit(context.Background(), ev)
	require.NoError(t, e.Close(context.Background()))

	assert.Empty(t, pub.All())
}

func TestEmitSurvivesPublishFailure(t *testing.T) {
	pub := &bustest.Publisher{Fail: map[string]error{bus.SubjectNotificationQueue: errors.New("nats down")}}
	e := New(pub, Config{})

	assert.NotPanics(t, func() { e.Emit(context.Background(), rejected(7)) })
	require.NoError(t, e.Close(context.Background()))
	assert.Empty(t, pub.All())
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	pub := &bustest.Publisher{}
	e := New(pub, Config{})
	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))

	e.Emit(context.Background(), rejected(7))
	assert.Empty(t, pub.All())
}

func TestEmitUsesCallerCancellationFreeContext(t *testing.T) {
	pub := &bustest.Publisher{}
	e := New(pub, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	e.Emit(ctx, rejected(7))
	cancel()
	require.NoError(t, e.Close(context.Background()))
	assert.Len(t, pub.All(), 1)
}

// blockingPublisher holds every publish until release is closed.
type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	count   int
}

func (p *blockingPublisher) PublishJSON(ctx context.Context, _ string, _ any, _ nats.Header, _ ...nats.PubOpt) (*nats.PubAck, error) {
	<-p.release
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
	return &nats.PubAck{}, nil
}

func TestEmitNeverBlocksWhenBufferFull(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	e := New(pub, Config{Buffer: 1, Senders: 1, PublishTimeout: time.Second})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			e.Emit(context.Background(), rejected(7))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	close(pub.release)
	require.NoError(t, e.Close(context.Background()))
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.LessOrEqual(t, pub.count, 2)
	assert.GreaterOrEqual(t, pub.count, 1)
}

func TestCloseHonorsContext(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	e := New(pub, Config{Buffer: 4, Senders: 1})
	e.Emit(context.Background(), rejected(7))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(pub.release)
}
