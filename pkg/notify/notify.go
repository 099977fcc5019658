// Package notify emits user notifications about moderation outcomes without
// ever blocking or failing the caller.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	emitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_emitted_total",
			Help: "Notifications published, by event type",
		},
		[]string{"event_type"},
	)

	dropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notifications not published, by reason",
		},
		[]string{"reason"},
	)
)

const (
	dropSelf    = "self"
	dropFull    = "buffer_full"
	dropPublish = "publish_failed"
	dropClosed  = "closed"
)

type Config struct {
	Subject        string        `mapstructure:"subject"`
	Buffer         int           `mapstructure:"buffer"`
	Senders        int           `mapstructure:"senders"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Subject:        bus.SubjectNotificationQueue,
		Buffer:         256,
		Senders:        2,
		PublishTimeout: 2 * time.Second,
	}
}

type pending struct {
	ctx   context.Context
	event flow.NotificationEvent
}

// Emitter queues notifications in a bounded buffer drained by a fixed set of
// sender goroutines.
type Emitter struct {
	pub     bus.Publisher
	cfg     Config
	queue   chan pending
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	closing sync.Once
}

// New starts the sender goroutines. Zero fields of cfg take defaults.
func New(pub bus.Publisher, cfg Config) *Emitter {
	def := DefaultConfig()
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Senders <= 0 {
		cfg.Senders = def.Senders
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}

	e := &Emitter{pub: pub, cfg: cfg, queue: make(chan pending, cfg.Buffer)}
	for i := 0; i < cfg.Senders; i++ {
		e.wg.Add(1)
		go e.send()
	}
	return e
}

// Emit queues event for delivery and returns immediately. Self-notifications
// are discarded.
func (e *Emitter) Emit(ctx context.Context, event flow.NotificationEvent) {
	if event.SelfNotification() {
		dropped.WithLabelValues(dropSelf).Inc()
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		dropped.WithLabelValues(dropClosed).Inc()
		logger.WithContext(ctx).Warn("notification dropped after close", "resource_id", event.ResourceID)
		return
	}
	select {
	case e.queue <- pending{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		dropped.WithLabelValues(dropFull).Inc()
		logger.WithContext(ctx).Warn("notification buffer full", "resource_id", event.ResourceID, "event_type", event.EventType)
	}
}

func (e *Emitter) send() {
	defer e.wg.Done()
	for item := range e.queue {
		ctx, cancel := context.WithTimeout(item.ctx, e.cfg.PublishTimeout)
		_, err := e.pub.PublishJSON(ctx, e.cfg.Subject, item.event, nil)
		cancel()
		if err != nil {
			dropped.WithLabelValues(dropPublish).Inc()
			logger.Error("notification publish failed", err,
				"resource_id", item.event.ResourceID,
				"event_type", item.event.EventType,
				"target_user_id", item.event.TargetUserID,
			)
			continue
		}
		emitted.WithLabelValues(string(item.event.EventType)).Inc()
	}
}

// Close stops accepting events and waits for the buffer to drain or ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.closing.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notify: close before drain"), ctx.Err())
	}
}
