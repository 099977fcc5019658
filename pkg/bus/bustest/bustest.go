// Package bustest provides in-memory stand-ins for JetStream deliveries and
// publishers.
package bustest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Message records how it was settled.
type Message struct {
	mu      sync.Mutex
	subject string
	data    []byte
	header  nats.Header
	attempt int
	acks    int
	terms   int
	naks    []time.Duration
}

func NewMessage(subject string, data []byte, attempt int) *Message {
	return &Message{subject: subject, data: data, header: nats.Header{}, attempt: attempt}
}

// NewJSONMessage panics if payload cannot be encoded.
func NewJSONMessage(subject string, payload any, attempt int) *Message {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return NewMessage(subject, data, attempt)
}

func (m *Message) Data() []byte        { return m.data }
func (m *Message) Subject() string     { return m.subject }
func (m *Message) Header() nats.Header { return m.header }

func (m *Message) Metadata() (*nats.MsgMetadata, error) {
	return nil, errors.New("bustest: no metadata")
}

func (m *Message) DeliveryAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Message) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *Message) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms++
	return nil
}

func (m *Message) Nak(delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks = append(m.naks, delay)
	return nil
}

// Redeliver simulates the broker handing the message out again.
func (m *Message) Redeliver() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt++
}

func (m *Message) Acks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks
}

func (m *Message) Terms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terms
}

func (m *Message) Naks() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.naks...)
}

type Published struct {
	Subject string
	Payload any
	Data    []byte
	Opts    []nats.PubOpt
}

// Publisher captures everything published through it. Subjects listed in
// Fail return the mapped error instead.
type Publisher struct {
	mu        sync.Mutex
	published []Published
	Fail      map[string]error
}

func (p *Publisher) PublishJSON(ctx context.Context, subject string, payload any, headers nats.Header, opts ...nats.PubOpt) (*nats.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.Fail[subject]; ok {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	p.published = append(p.published, Published{Subject: subject, Payload: payload, Data: data, Opts: opts})
	return &nats.PubAck{Sequence: uint64(len(p.published))}, nil
}

func (p *Publisher) On(subject string) []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Published
	for _, msg := range p.published {
		if msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

func (p *Publisher) All() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.published...)
}
