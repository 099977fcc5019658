package bus

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/nats-io/nats.go"
)

// RetryPolicy bounds redelivery of one stage. MaxAttempts counts the first
// delivery.
type RetryPolicy struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	Multiplier:     2,
	MaxBackoff:     10 * time.Second,
}

// BackoffFor returns the redelivery delay after the given failed attempt.
// Zero fields fall back to DefaultRetryPolicy; a multiplier of 1 is a
// constant backoff.
func BackoffFor(policy RetryPolicy, attempt int) time.Duration {
	base := policy.InitialBackoff
	if base <= 0 {
		base = DefaultRetryPolicy.InitialBackoff
	}
	multiplier := policy.Multiplier
	if multiplier == 0 {
		multiplier = DefaultRetryPolicy.Multiplier
	}
	if attempt <= 1 {
		return base
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if policy.MaxBackoff > 0 && delay > float64(policy.MaxBackoff) {
		return policy.MaxBackoff
	}
	return time.Duration(delay)
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; settlement dead-letters it on
// the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Publisher publishes JSON payloads onto JetStream.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, payload any, headers nats.Header, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Route says where a stage's exhausted messages go.
type Route struct {
	Stage      string
	DeadLetter string
	Policy     RetryPolicy
}

func RouteFor(q Queue, policy RetryPolicy) Route {
	return Route{Stage: q.Stage, DeadLetter: q.DeadLetter, Policy: policy}
}

type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Settle acknowledges, redelivers or dead-letters msg according to the
// handler result. A message is never dropped while its dead letter is
// unpublished.
func Settle(ctx context.Context, pub Publisher, msg Message, route Route, handlerErr error) Outcome {
	log := logger.WithContext(ctx).With("subject", msg.Subject(), "stage", route.Stage)

	if handlerErr == nil {
		if err := msg.Ack(); err != nil {
			logger.Error("ack failed", err, "subject", msg.Subject())
		}
		return OutcomeAcked
	}

	attempt := msg.DeliveryAttempt()
	maxAttempts := route.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryPolicy.MaxAttempts
	}

	if !IsPermanent(handlerErr) && attempt < maxAttempts {
		delay := BackoffFor(route.Policy, attempt)
		log.Warn("handler failed, scheduling redelivery", "attempt", attempt, "max_attempts", maxAttempts, "delay", delay.String(), "error", handlerErr.Error())
		if err := msg.Nak(delay); err != nil {
			logger.Error("nak failed", err, "subject", msg.Subject())
		}
		return OutcomeRetried
	}

	entry := BuildDeadLetter(msg, route.Stage, handlerErr.Error())
	if _, err := pub.PublishJSON(ctx, route.DeadLetter, entry, nil); err != nil {
		logger.Error("dead-letter publish failed, redelivering", err, "subject", msg.Subject(), "dead_letter", route.DeadLetter)
		if nakErr := msg.Nak(BackoffFor(route.Policy, attempt)); nakErr != nil {
			logger.Error("nak failed", nakErr, "subject", msg.Subject())
		}
		return OutcomeRetried
	}

	log.Error("message dead-lettered", "attempt", attempt, "dead_letter", route.DeadLetter, "error", handlerErr.Error())
	if err := msg.Term(); err != nil {
		logger.Error("term failed", err, "subject", msg.Subject())
	}
	return OutcomeDeadLettered
}
