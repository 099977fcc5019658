package bus

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrMessageSubject      = "message.subject"
	AttrMessageStream       = "message.stream"
	AttrMessageConsumer     = "message.consumer"
	AttrMessageDeliverCount = "message.deliver_count"
)

func MessageAttributes(msg Message) []attribute.KeyValue {
	if msg == nil {
		return nil
	}

	attrs := []attribute.KeyValue{attribute.String(AttrMessageSubject, msg.Subject())}
	meta, err := msg.Metadata()
	if err != nil || meta == nil {
		return attrs
	}
	if meta.Stream != "" {
		attrs = append(attrs, attribute.String(AttrMessageStream, meta.Stream))
	}
	if meta.Consumer != "" {
		attrs = append(attrs, attribute.String(AttrMessageConsumer, meta.Consumer))
	}
	if meta.NumDelivered > 0 {
		attrs = append(attrs, attribute.Int64(AttrMessageDeliverCount, int64(meta.NumDelivered)))
	}
	return attrs
}

func AnnotateSpan(span trace.Span, msg Message) {
	if span == nil || msg == nil {
		return
	}
	span.SetAttributes(MessageAttributes(msg)...)
}
