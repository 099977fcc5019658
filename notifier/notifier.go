package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// inboxScript stores a notification once per dedup key. The seen set is a
// sorted set ordered by arrival and trimmed to the same limit as the list.
// KEYS: inbox list, unread counter, seen set. ARGV: dedup key, entry, limit.
var inboxScript = redis.NewScript(`if redis.call("ZSCORE", KEYS[3], ARGV[1]) then return 0 end
local limit = tonumber(ARGV[3])
local top = redis.call("ZREVRANGE", KEYS[3], 0, 0, "WITHSCORES")
local seq = 1
if top[2] then seq = tonumber(top[2]) + 1 end
redis.call("ZADD", KEYS[3], seq, ARGV[1])
redis.call("ZREMRANGEBYRANK", KEYS[3], 0, -limit - 1)
redis.call("LPUSH", KEYS[1], ARGV[2])
redis.call("LTRIM", KEYS[1], 0, limit - 1)
redis.call("INCR", KEYS[2])
return 1`)

type Notifier struct {
	RDB    redis.Cmdable
	Tracer trace.Tracer
	Limit  int64
	now    func() string
}

func NewNotifier(rdb redis.Cmdable, tracer trace.Tracer, limit int64) *Notifier {
	if limit < 1 {
		limit = 1
	}
	return &Notifier{RDB: rdb, Tracer: tracer, Limit: limit, now: flow.Now}
}

// HandleMessage stores one NotificationEvent in the target user's inbox.
func (n *Notifier) HandleMessage(ctx context.Context, msg bus.Message) error {
	ctx, span := n.Tracer.Start(ctx, "notifier.deliver")
	defer span.End()
	bus.AnnotateSpan(span, msg)

	var event flow.NotificationEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		span.SetStatus(codes.Error, "bad payload")
		return bus.Permanent(fmt.Errorf("decode notification: %w", err))
	}
	span.SetAttributes(
		attribute.String("notification.type", string(event.EventType)),
		attribute.String("notification.resource", event.ResourceID),
		attribute.Int64("notification.target", event.TargetUserID),
	)

	log := logger.WithContext(ctx).With("event_type", event.EventType, "resource_id", event.ResourceID, "target", event.TargetUserID)
	switch {
	case event.TargetUserID == 0:
		log.Warn("notifier: no target user, dropping")
		return nil
	case event.SelfNotification():
		log.Debug("notifier: self notification, dropping")
		return nil
	}

	dedup := dedupKey(event)
	entry := toEntry(event, dedup, n.now())
	data, err := json.Marshal(entry)
	if err != nil {
		return bus.Permanent(fmt.Errorf("encode inbox entry: %w", err))
	}

	keys := []string{flow.InboxKey(event.TargetUserID), flow.UnreadKey(event.TargetUserID), flow.SeenKey(event.TargetUserID)}
	stored, err := inboxScript.Run(ctx, n.RDB, keys, dedup, data, strconv.FormatInt(n.Limit, 10)).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inbox write failed")
		return fmt.Errorf("inbox write: %w", err)
	}
	if stored == 0 {
		log.Info("notifier: duplicate notification ignored")
		return nil
	}
	log.Info("notifier: notification stored", "entry_id", entry.ID)
	return nil
}

func dedupKey(event flow.NotificationEvent) string {
	return event.ResourceID + ":" + string(event.EventType)
}

func toEntry(event flow.NotificationEvent, dedup, now string) flow.InboxEntry {
	entry := flow.InboxEntry{
		ID:           uuid.NewSHA1(uuid.NameSpaceURL, []byte(dedup)).String(),
		EventType:    event.EventType,
		ResourceID:   event.ResourceID,
		ResourceSlug: event.ResourceSlug,
		Content:      event.Payload,
		CreatedAt:    now,
	}
	if event.ActorID != flow.SystemActorID {
		actor := event.ActorID
		entry.ActorID = &actor
	}
	return entry
}
