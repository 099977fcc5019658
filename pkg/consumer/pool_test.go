package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/bus/bustest"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueSource struct {
	mu      sync.Mutex
	pending []bus.Message
	batches []int
	err     error
}

func (s *queueSource) Next(ctx context.Context, batch int) ([]bus.Message, error) {
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	if s.err != nil {
		err := s.err
		s.err = nil
		s.mu.Unlock()
		return nil, err
	}
	n := batch
	if n > len(s.pending) {
		n = len(s.pending)
	}
	out := s.pending[:n]
	s.pending = s.pending[n:]
	s.mu.Unlock()

	if len(out) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
	}
	return out, nil
}

func (s *queueSource) requested() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batches...)
}

func TestPool_ProcessesAndSettles(t *testing.T) {
	ok := bustest.NewMessage(bus.SubjectAuditQueue, []byte(`{"taskId":"1"}`), 1)
	failing := bustest.NewMessage(bus.SubjectAuditQueue, []byte(`{"taskId":"2"}`), 1)
	source := &queueSource{pending: []bus.Message{ok, failing}}
	pub := &bustest.Publisher{}

	handler := func(ctx context.Context, msg bus.Message) error {
		if msg == failing {
			return errors.New("classifier timeout")
		}
		return nil
	}
	pool, err := New(source, pub, handler, Options{Name: "audit", Size: 2, Route: bus.RouteFor(bus.AuditQueue, bus.DefaultRetryPolicy)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return ok.Acks() == 1 && len(failing.Naks()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, pool.Close(time.Second))
	assert.Equal(t, []time.Duration{time.Second}, failing.Naks())
}

func TestPool_ResizeAndHeadroomBoundBatch(t *testing.T) {
	source := &queueSource{}
	pool, err := New(source, &bustest.Publisher{}, func(context.Context, bus.Message) error { return nil }, Options{Name: "vector", Size: 2})
	require.NoError(t, err)
	defer pool.Close(time.Second)

	assert.Equal(t, 2, pool.Concurrency())
	assert.Equal(t, 2, pool.batchSize())

	pool.Resize(12)
	assert.Equal(t, 12, pool.Concurrency())
	assert.Equal(t, 2, pool.batchSize(), "headroom still caps prefetch")

	pool.SetHeadroom(20)
	assert.Equal(t, 12, pool.batchSize())

	pool.Resize(0)
	assert.Equal(t, 1, pool.Concurrency())
}

func TestPool_RunsUpToCapacityConcurrently(t *testing.T) {
	const size = 4
	var msgs []bus.Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs, bustest.NewMessage(bus.SubjectVectorQueue, []byte(`{}`), 1))
	}
	source := &queueSource{pending: msgs}

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	handler := func(ctx context.Context, msg bus.Message) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}

	pool, err := New(source, &bustest.Publisher{}, handler, Options{Name: "vector", Size: size, Headroom: 20})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return inFlight.Load() == size }, time.Second, 5*time.Millisecond)
	close(release)
	assert.Eventually(t, func() bool {
		for _, m := range msgs {
			if m.(*bustest.Message).Acks() != 1 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, pool.Close(time.Second))
	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.LessOrEqual(t, source.requested()[0], 20)
}

func TestPool_ShutdownDrainsInFlightHandlers(t *testing.T) {
	msg := bustest.NewMessage(bus.SubjectAuditQueue, []byte(`{"taskId":"1"}`), 5)
	source := &queueSource{pending: []bus.Message{msg}}

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerErr atomic.Value
	handler := func(ctx context.Context, _ bus.Message) error {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			handlerErr.Store(err)
			return err
		}
		return nil
	}
	pool, err := New(source, &bustest.Publisher{}, handler, Options{Name: "audit", Size: 1, Route: bus.RouteFor(bus.AuditQueue, bus.DefaultRetryPolicy)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	<-done
	close(release)
	require.NoError(t, pool.Close(time.Second))

	assert.Nil(t, handlerErr.Load())
	assert.Equal(t, 1, msg.Acks())
	assert.Empty(t, msg.Naks())
	assert.Zero(t, msg.Terms())
}

func TestPool_FetchErrorBacksOff(t *testing.T) {
	source := &queueSource{err: errors.New("connection closed")}
	pool, err := New(source, &bustest.Publisher{}, func(context.Context, bus.Message) error { return nil }, Options{Name: "audit", Size: 1, ErrorBackoff: 10 * time.Millisecond})
	require.NoError(t, err)
	defer pool.Close(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = pool.Run(ctx) }()
	assert.Eventually(t, func() bool { return len(source.requested()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, &bustest.Publisher{}, func(context.Context, bus.Message) error { return nil }, Options{})
	assert.Error(t, err)
}

type fakeFetcher struct {
	msgs []*nats.Msg
	err  error
}

func (f fakeFetcher) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return f.msgs, f.err
}

func TestSubscriptionSource(t *testing.T) {
	msgs, err := SubscriptionSource{Sub: fakeFetcher{err: nats.ErrTimeout}}.Next(context.Background(), 5)
	assert.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = SubscriptionSource{Sub: fakeFetcher{err: nats.ErrConnectionClosed}}.Next(context.Background(), 5)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)

	msgs, err = SubscriptionSource{Sub: fakeFetcher{msgs: []*nats.Msg{{Subject: bus.SubjectAuditQueue, Data: []byte("x")}}}}.Next(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, bus.SubjectAuditQueue, msgs[0].Subject())
	assert.Equal(t, 1, msgs[0].DeliveryAttempt())
}
