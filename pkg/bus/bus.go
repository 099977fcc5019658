package bus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const DefaultURL = "nats://nats:4222"

type Config struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
}

type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

type ConsumeOptions struct {
	Batch   int
	MaxWait time.Duration
	Route   Route
}

type Handler func(context.Context, Message) error

func Connect(cfg Config, opts ...nats.Option) (*Client, error) {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}

	options := make([]nats.Option, 0, 6+len(opts))
	if cfg.Name != "" {
		options = append(options, nats.Name(cfg.Name))
	}
	if cfg.Timeout > 0 {
		options = append(options, nats.Timeout(cfg.Timeout))
	}
	if cfg.MaxReconnects != 0 {
		options = append(options, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		options = append(options, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.User != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.User, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	options = append(options, opts...)

	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Client{nc: nc, js: js}, nil
}

func (c *Client) Close() {
	if c == nil || c.nc == nil {
		return
	}
	c.nc.Close()
}

func (c *Client) Conn() *nats.Conn {
	if c == nil {
		return nil
	}
	return c.nc
}

func (c *Client) EnsureStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	if c == nil || c.js == nil {
		return nil, errors.New("jetstream not initialized")
	}
	if cfg == nil {
		return nil, errors.New("stream config is nil")
	}

	info, err := c.js.StreamInfo(cfg.Name)
	if err == nil {
		return c.js.UpdateStream(cfg)
	}
	if errors.Is(err, nats.ErrStreamNotFound) {
		return c.js.AddStream(cfg)
	}
	return info, err
}

func (c *Client) EnsureConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	if c == nil || c.js == nil {
		return nil, errors.New("jetstream not initialized")
	}
	if cfg == nil {
		return nil, errors.New("consumer config is nil")
	}
	if stream == "" {
		return nil, errors.New("stream name is required")
	}

	name := cfg.Durable
	if name == "" {
		name = cfg.Name
	}
	if name == "" {
		return nil, errors.New("consumer durable/name is required")
	}

	info, err := c.js.ConsumerInfo(stream, name)
	if err == nil {
		return c.js.UpdateConsumer(stream, cfg)
	}
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return c.js.AddConsumer(stream, cfg)
	}
	return info, err
}

// EnsureQueue provisions the work stream, its dead-letter stream and the
// durable pull consumer of q.
func (c *Client) EnsureQueue(q Queue, work *nats.StreamConfig, policy RetryPolicy) (*nats.ConsumerConfig, error) {
	if _, err := c.EnsureStream(work); err != nil {
		return nil, fmt.Errorf("stream %s: %w", work.Name, err)
	}
	if _, err := c.EnsureStream(DeadLetterStreamConfig(q)); err != nil {
		return nil, fmt.Errorf("stream %s: %w", q.DeadLetterStream, err)
	}
	consumerCfg := ConsumerConfig(q.Durable, q.Name, policy)
	if _, err := c.EnsureConsumer(q.Stream, consumerCfg); err != nil {
		return nil, fmt.Errorf("consumer %s: %w", q.Durable, err)
	}
	return consumerCfg, nil
}

func (c *Client) Publish(ctx context.Context, subject string, data []byte, headers nats.Header, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if c == nil || c.js == nil {
		return nil, errors.New("jetstream not initialized")
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	if len(headers) > 0 || ctx != nil {
		msg.Header = cloneHeaders(headers)
		injectTrace(ctx, msg.Header)
	}
	return c.js.PublishMsg(msg, opts...)
}

func (c *Client) PublishJSON(ctx context.Context, subject string, payload any, headers nats.Header, opts ...nats.PubOpt) (*nats.PubAck, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.Publish(ctx, subject, data, headers, opts...)
}

func (c *Client) PullSubscribe(subject, durable string, opts ...nats.SubOpt) (*nats.Subscription, error) {
	if c == nil || c.js == nil {
		return nil, errors.New("jetstream not initialized")
	}
	return c.js.PullSubscribe(subject, durable, opts...)
}

// Depth reports the backlog of a named queue: messages not yet delivered
// plus deliveries awaiting acknowledgement.
func (c *Client) Depth(ctx context.Context, queue string) (int, error) {
	if c == nil || c.js == nil {
		return 0, errors.New("jetstream not initialized")
	}
	q, err := LookupQueue(queue)
	if err != nil {
		return 0, err
	}
	info, err := c.js.ConsumerInfo(q.Stream, q.Durable, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("consumer info %s: %w", q.Durable, err)
	}
	return int(info.NumPending) + info.NumAckPending, nil
}

// Consume runs a single-goroutine fetch loop and settles every message with
// opts.Route. Services without an autoscaled pool use it.
func (c *Client) Consume(ctx context.Context, sub *nats.Subscription, opts ConsumeOptions, handler Handler) error {
	if sub == nil {
		return errors.New("subscription is nil")
	}
	if handler == nil {
		return errors.New("handler is nil")
	}

	batch := opts.Batch
	if batch <= 0 {
		batch = 10
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(batch, nats.MaxWait(maxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return err
		}

		for _, raw := range msgs {
			msg := NatsMessage{Msg: raw}
			msgCtx := ContextFromHeaders(ctx, raw.Header)
			Settle(msgCtx, c, msg, opts.Route, handler(msgCtx, msg))
		}
	}
}

func BuildDeadLetter(msg Message, stage, reason string) flow.DeadLetter {
	entry := flow.DeadLetter{
		Subject:    msg.Subject(),
		Stage:      stage,
		Reason:     reason,
		Payload:    base64.StdEncoding.EncodeToString(msg.Data()),
		Headers:    cloneHeaders(msg.Header()),
		ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	meta, err := msg.Metadata()
	if err == nil && meta != nil {
		entry.Stream = meta.Stream
		entry.Consumer = meta.Consumer
		entry.Sequence = meta.Sequence.Stream
		entry.NumDelivered = meta.NumDelivered
		entry.Timestamp = meta.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return entry
}

// DecodePayload returns the original message body of a dead letter.
func DecodePayload(entry flow.DeadLetter) ([]byte, error) {
	return base64.StdEncoding.DecodeString(entry.Payload)
}

func ContextFromHeaders(ctx context.Context, header nats.Header) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(header) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier{header})
}

func injectTrace(ctx context.Context, header nats.Header) {
	if ctx == nil || header == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{header})
}

func cloneHeaders(header nats.Header) nats.Header {
	if len(header) == 0 {
		return nats.Header{}
	}
	clone := make(nats.Header, len(header))
	for key, values := range header {
		copyValues := make([]string, len(values))
		copy(copyValues, values)
		clone[key] = copyValues
	}
	return clone
}

type headerCarrier struct {
	nats.Header
}

func (c headerCarrier) Get(key string) string {
	return c.Header.Get(key)
}

func (c headerCarrier) Set(key, value string) {
	c.Header.Set(key, value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}
