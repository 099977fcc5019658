// Package consumer runs a resizable pool of competing consumers over one
// JetStream pull subscription.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
)

// Fetcher is satisfied by *nats.Subscription.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// Source yields the next batch of deliveries. An empty batch with a nil
// error means nothing arrived in time.
type Source interface {
	Next(ctx context.Context, batch int) ([]bus.Message, error)
}

type SubscriptionSource struct {
	Sub     Fetcher
	MaxWait time.Duration
}

func (s SubscriptionSource) Next(ctx context.Context, batch int) ([]bus.Message, error) {
	maxWait := s.MaxWait
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	msgs, err := s.Sub.Fetch(batch, nats.MaxWait(maxWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]bus.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, bus.NatsMessage{Msg: msg})
	}
	return out, nil
}

type Handler func(ctx context.Context, msg bus.Message) error

type Options struct {
	Name     string
	Size     int
	Headroom int
	Route    bus.Route
	// ErrorBackoff is the pause after a failed fetch.
	ErrorBackoff time.Duration
}

// Pool owns an ants worker pool. Only its controller may call Resize.
type Pool struct {
	name         string
	source       Source
	pub          bus.Publisher
	handler      Handler
	route        bus.Route
	workers      *ants.Pool
	headroom     atomic.Int64
	errorBackoff time.Duration
	log          *slog.Logger
}

func New(source Source, pub bus.Publisher, handler Handler, opts Options) (*Pool, error) {
	if source == nil || pub == nil || handler == nil {
		return nil, errors.New("consumer: source, publisher and handler are required")
	}
	size := opts.Size
	if size <= 0 {
		size = 1
	}
	log := slog.Default().With("pool", opts.Name)

	workers, err := ants.NewPool(size,
		ants.WithPanicHandler(func(v any) {
			log.Error("handler panicked", "panic", fmt.Sprint(v))
		}),
		ants.WithLogger(antsLogger{log: log}),
	)
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}

	p := &Pool{
		name:         opts.Name,
		source:       source,
		pub:          pub,
		handler:      handler,
		route:        opts.Route,
		workers:      workers,
		errorBackoff: opts.ErrorBackoff,
		log:          log,
	}
	if p.errorBackoff <= 0 {
		p.errorBackoff = time.Second
	}
	headroom := opts.Headroom
	if headroom <= 0 {
		headroom = size
	}
	p.headroom.Store(int64(headroom))
	poolCapacity.WithLabelValues(p.name).Set(float64(size))
	return p, nil
}

func (p *Pool) Concurrency() int {
	return p.workers.Cap()
}

func (p *Pool) Resize(n int) {
	if n < 1 {
		n = 1
	}
	p.workers.Tune(n)
	poolCapacity.WithLabelValues(p.name).Set(float64(n))
}

// SetHeadroom bounds how many deliveries a single fetch may pull. A fetch
// never exceeds the free workers either, so a headroom at or above the pool
// capacity acts only as a ceiling.
func (p *Pool) SetHeadroom(n int) {
	if n < 1 {
		n = 1
	}
	p.headroom.Store(int64(n))
}

func (p *Pool) Running() int {
	return p.workers.Running()
}

func (p *Pool) batchSize() int {
	n := p.workers.Free()
	if h := int(p.headroom.Load()); n > h {
		n = h
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Run fetches and dispatches until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := p.source.Next(ctx, p.batchSize())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("fetch failed", err, "pool", p.name)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.errorBackoff):
			}
			continue
		}

		// Handlers outlive Run's ctx so a shutdown does not fail in-flight
		// work; the stage call timeouts bound them and Close drains.
		handlerCtx := context.WithoutCancel(ctx)
		for _, msg := range msgs {
			msg := msg // go 1.21 loop-var semantics: pin per iteration
			if err := p.workers.Submit(func() { p.process(handlerCtx, msg) }); err != nil {
				logger.Error("submit failed, redelivering", err, "pool", p.name)
				_ = msg.Nak(0)
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, msg bus.Message) {
	poolRunning.WithLabelValues(p.name).Set(float64(p.workers.Running()))
	msgCtx := bus.ContextFromHeaders(ctx, msg.Header())

	start := time.Now()
	err := p.handler(msgCtx, msg)
	handlerDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())

	outcome := bus.Settle(msgCtx, p.pub, msg, p.route, err)
	messagesSettled.WithLabelValues(p.name, string(outcome)).Inc()
}

// Close waits up to timeout for in-flight handlers.
func (p *Pool) Close(timeout time.Duration) error {
	return p.workers.ReleaseTimeout(timeout)
}

type antsLogger struct {
	log *slog.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
