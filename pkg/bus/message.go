package bus

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Message is the part of a JetStream delivery the pipeline touches.
type Message interface {
	Data() []byte
	Subject() string
	Header() nats.Header
	Metadata() (*nats.MsgMetadata, error)
	Ack() error
	Nak(delay time.Duration) error
	Term() error
	DeliveryAttempt() int
}

// NatsMessage adapts *nats.Msg to Message.
type NatsMessage struct {
	Msg *nats.Msg
}

func (m NatsMessage) Data() []byte        { return m.Msg.Data }
func (m NatsMessage) Subject() string     { return m.Msg.Subject }
func (m NatsMessage) Header() nats.Header { return m.Msg.Header }
func (m NatsMessage) Ack() error          { return m.Msg.Ack() }
func (m NatsMessage) Term() error         { return m.Msg.Term() }

func (m NatsMessage) Metadata() (*nats.MsgMetadata, error) {
	return m.Msg.Metadata()
}

func (m NatsMessage) Nak(delay time.Duration) error {
	if delay <= 0 {
		return m.Msg.Nak()
	}
	return m.Msg.NakWithDelay(delay)
}

func (m NatsMessage) DeliveryAttempt() int {
	return DeliveryAttempt(m.Msg)
}

// DeliveryAttempt is the 1-based delivery count, 1 when metadata is missing.
func DeliveryAttempt(msg *nats.Msg) int {
	if msg == nil {
		return 0
	}
	meta, err := msg.Metadata()
	if err != nil || meta == nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}
