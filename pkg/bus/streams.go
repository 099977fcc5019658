package bus

import (
	"time"

	"github.com/nats-io/nats.go"
)

const (
	StreamMaxAge      = 24 * time.Hour
	DeadLetterMaxAge  = 14 * 24 * time.Hour
	StreamMaxMsgs     = 1_000_000
	StreamMaxBytes    = 512 * 1024 * 1024
	DuplicatesWindow  = 2 * time.Minute
	ConsumerAckWait   = 60 * time.Second
	ConsumerMaxAckPnd = 1000
)

func workStream(name string, subjects ...string) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  nats.WorkQueuePolicy,
		MaxAge:     StreamMaxAge,
		MaxMsgs:    StreamMaxMsgs,
		MaxBytes:   StreamMaxBytes,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: DuplicatesWindow,
	}
}

func AuditStreamConfig() *nats.StreamConfig {
	return workStream(StreamAudit, SubjectAuditQueue)
}

func VectorStreamConfig() *nats.StreamConfig {
	return workStream(StreamVector, SubjectVectorQueue)
}

// DeadLetterStreamConfig keeps dead letters on a limits policy so that
// inspection does not consume them.
func DeadLetterStreamConfig(q Queue) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      q.DeadLetterStream,
		Subjects:  []string{q.DeadLetter},
		Retention: nats.LimitsPolicy,
		MaxAge:    DeadLetterMaxAge,
		MaxMsgs:   StreamMaxMsgs,
		MaxBytes:  StreamMaxBytes,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	}
}

// NotificationStreamConfig uses interest retention so every durable
// subscriber of the queue sees each notification.
func NotificationStreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      StreamNotification,
		Subjects:  []string{SubjectNotificationQueue},
		Retention: nats.InterestPolicy,
		MaxAge:    StreamMaxAge,
		MaxMsgs:   StreamMaxMsgs,
		MaxBytes:  StreamMaxBytes,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	}
}

func EventsStreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      StreamEvents,
		Subjects:  []string{SubjectEventStatus, SubjectEventScale},
		Retention: nats.LimitsPolicy,
		MaxAge:    StreamMaxAge,
		MaxMsgs:   StreamMaxMsgs,
		MaxBytes:  StreamMaxBytes,
		Discard:   nats.DiscardOld,
		Storage:   nats.MemoryStorage,
	}
}

// ConsumerConfig builds a pull consumer whose broker-side redelivery limit
// sits one past the retry policy, so settlement always dead-letters first.
func ConsumerConfig(durable, filterSubject string, policy RetryPolicy) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:       durable,
		Name:          durable,
		FilterSubject: filterSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       ConsumerAckWait,
		MaxDeliver:    MaxDeliver(policy),
		MaxAckPending: ConsumerMaxAckPnd,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}
}

func MaxDeliver(policy RetryPolicy) int {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRetryPolicy.MaxAttempts
	}
	return attempts + 1
}
