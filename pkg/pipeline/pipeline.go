// Package pipeline holds the two stage handlers: Moderator classifies
// pending content and Publisher vectorizes approved content into the search
// index. Both are bus handlers settled by the consumer pool.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/maciekb2/content-pipeline/pkg/store"
)

var (
	ErrBadPayload = errors.New("bad payload")
	// ErrNotApproved means a proceed event arrived before its approval is
	// visible in the store.
	ErrNotApproved = errors.New("content not approved yet")
)

// Notifier is satisfied by notify.Emitter.
type Notifier interface {
	Emit(ctx context.Context, event flow.NotificationEvent)
}

type Config struct {
	// LookupRetryDelay is the wait before the single re-read of a task the
	// producer may not have committed yet.
	LookupRetryDelay time.Duration `mapstructure:"lookup_retry_delay"`
	ClassifyTimeout  time.Duration `mapstructure:"classify_timeout"`
	EmbedTimeout     time.Duration `mapstructure:"embed_timeout"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
}

func DefaultConfig() Config {
	return Config{
		LookupRetryDelay: 500 * time.Millisecond,
		ClassifyTimeout:  30 * time.Second,
		EmbedTimeout:     30 * time.Second,
		StoreTimeout:     5 * time.Second,
		PublishTimeout:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LookupRetryDelay <= 0 {
		c.LookupRetryDelay = def.LookupRetryDelay
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = def.ClassifyTimeout
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = def.EmbedTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	return c
}

const statusPublishTimeout = time.Second

// publishStatus records a committed transition on the events stream. Failures
// are logged only.
func publishStatus(ctx context.Context, pub bus.Publisher, taskID string, from, to flow.ModerationState, reason, source string) {
	event := flow.StatusEvent{
		TaskID:    taskID,
		From:      from,
		To:        to,
		Reason:    reason,
		Source:    source,
		Timestamp: flow.Now(),
	}
	pubCtx, cancel := context.WithTimeout(ctx, statusPublishTimeout)
	defer cancel()
	if _, err := pub.PublishJSON(pubCtx, bus.SubjectEventStatus, event, nil); err != nil {
		logger.Error("status event publish failed", err, "task_id", taskID, "to", to)
	}
}

func notification(c store.Content, eventType flow.EventType, payload string) flow.NotificationEvent {
	return flow.NotificationEvent{
		ActorID:      flow.SystemActorID,
		TargetUserID: c.AuthorID,
		EventType:    eventType,
		ResourceID:   c.ID,
		ResourceSlug: c.Slug,
		Payload:      payload,
	}
}

// decodeTaskRef accepts {"taskId": ...}, a bare JSON string or number, or
// the raw id bytes of a producer that does not JSON-encode.
func decodeTaskRef(data []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		if id, ok := rawTaskID(data); ok {
			return id, nil
		}
		return "", bus.Permanent(fmt.Errorf("%w: no task id", ErrBadPayload))
	}
	if ref, ok := v.(map[string]any); ok {
		v = ref["taskId"]
	}
	if id := scalarID(v); id != "" {
		return id, nil
	}
	return "", bus.Permanent(fmt.Errorf("%w: no task id", ErrBadPayload))
}

func scalarID(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case json.Number:
		return id.String()
	}
	return ""
}

// rawTaskID takes the payload as the id when it is a single printable token.
func rawTaskID(data []byte) (string, bool) {
	id := strings.TrimSpace(string(data))
	if id == "" || !utf8.ValidString(id) || strings.ContainsAny(id, `{}[]"`) {
		return "", false
	}
	if strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || !unicode.IsPrint(r) }) >= 0 {
		return "", false
	}
	return id, true
}

func decodeProceed(data []byte) (flow.ProceedEvent, error) {
	var event flow.ProceedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, bus.Permanent(fmt.Errorf("%w: %v", ErrBadPayload, err))
	}
	if strings.TrimSpace(event.TaskID) == "" {
		return event, bus.Permanent(fmt.Errorf("%w: no task id", ErrBadPayload))
	}
	return event, nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
