package main

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/nats-io/nats.go"
)

const (
	KindStatus     = "status"
	KindScale      = "scale"
	KindDeadLetter = "dead_letter"
	KindOther      = "other"
)

type Broadcaster interface {
	Broadcast(event Event)
}

type Consumer struct {
	hub Broadcaster
	now func() time.Time
}

func NewConsumer(hub Broadcaster) *Consumer {
	return &Consumer{hub: hub, now: time.Now}
}

func (c *Consumer) HandleMessage(msg *nats.Msg) {
	var payload any
	// Non-JSON payloads are forwarded as text.
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		payload = string(msg.Data)
	}

	c.hub.Broadcast(Event{
		Kind:      kindOf(msg.Subject),
		Subject:   msg.Subject,
		Data:      payload,
		Timestamp: c.now().UnixMilli(),
	})
}

func kindOf(subject string) string {
	switch {
	case subject == bus.SubjectEventStatus:
		return KindStatus
	case subject == bus.SubjectEventScale:
		return KindScale
	case strings.HasSuffix(subject, ".dead"):
		return KindDeadLetter
	}
	return KindOther
}
