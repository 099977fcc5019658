// Package e2e drives a running pipeline deployment. It needs NATS, Redis,
// the pipeline service with the mock model provider and the notifier. Set
// PIPELINE_E2E=1 to enable it.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/config"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	rdb   *redis.Client
	store store.Store
	bus   *bus.Client
}

func setup(t *testing.T) *env {
	t.Helper()
	if os.Getenv("PIPELINE_E2E") == "" {
		t.Skip("PIPELINE_E2E not set")
	}
	cfg, err := config.Load(os.Getenv("PIPELINE_CONFIG"))
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewRedisStore(rdb)

	var client *bus.Client
	deadline := time.Now().Add(60 * time.Second)
	for {
		client, err = bus.Connect(cfg.NATS)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("NATS did not become ready in time: %v", err)
		}
		time.Sleep(2 * time.Second)
	}
	t.Cleanup(client.Close)
	return &env{rdb: rdb, store: st, bus: client}
}

func (e *env) submit(t *testing.T, title, body string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	require.NoError(t, e.store.Put(ctx, store.Content{
		ID:         id,
		Slug:       "slug-" + id,
		Title:      title,
		Body:       body,
		Tags:       []string{"e2e"},
		AuthorID:   4242,
		AuthorName: "e2e",
	}))
	e.enqueue(t, id)
	log.Printf("content submitted. ID: %s", id)
	return id
}

func (e *env) enqueue(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.bus.PublishJSON(ctx, bus.SubjectAuditQueue, flow.TaskRef{TaskID: id}, nil)
	require.NoError(t, err)
}

func (e *env) waitForState(t *testing.T, id string, targets ...flow.ModerationState) store.Content {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		c, err := e.store.Get(context.Background(), id)
		if err == nil {
			for _, target := range targets {
				if c.State == target {
					log.Printf("[%s] state: %s", id, c.State)
					return c
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("content %s never reached %v", id, targets)
	return store.Content{}
}

func (e *env) inbox(t *testing.T, user int64, resource string) []flow.InboxEntry {
	t.Helper()
	raw, err := e.rdb.LRange(context.Background(), flow.InboxKey(user), 0, -1).Result()
	require.NoError(t, err)
	var out []flow.InboxEntry
	for _, r := range raw {
		var entry flow.InboxEntry
		if json.Unmarshal([]byte(r), &entry) == nil && entry.ResourceID == resource {
			out = append(out, entry)
		}
	}
	return out
}

func (e *env) waitForInbox(t *testing.T, user int64, resource string) []flow.InboxEntry {
	t.Helper()
	var entries []flow.InboxEntry
	require.Eventually(t, func() bool {
		entries = e.inbox(t, user, resource)
		return len(entries) > 0
	}, 30*time.Second, 500*time.Millisecond)
	return entries
}

func TestE2E(t *testing.T) {
	e := setup(t)

	t.Run("ApprovedContentIsPublished", func(t *testing.T) {
		id := e.submit(t, "Scaling consumers", "Autoscaled consumers drain pipelines while messages keep arriving.")
		e.waitForState(t, id, flow.StatePublished)

		doc, err := e.store.IndexDocument(context.Background(), id)
		require.NoError(t, err)
		assert.NotEmpty(t, doc.Embedding)
		assert.Equal(t, []string{"e2e"}, doc.Tags)

		entries := e.waitForInbox(t, 4242, id)
		assert.Equal(t, flow.EventArticleApproved, entries[0].EventType)
	})

	t.Run("BlockedContentIsRejected", func(t *testing.T) {
		id := e.submit(t, "Cheap offer", "This is spam.")
		c := e.waitForState(t, id, flow.StateRejected)
		assert.NotEmpty(t, c.RejectReason)

		entries := e.waitForInbox(t, 4242, id)
		assert.Equal(t, flow.EventArticleRejected, entries[0].EventType)
		assert.Equal(t, c.RejectReason, entries[0].Content)
	})

	t.Run("RedeliveredTaskIsNotReprocessed", func(t *testing.T) {
		id := e.submit(t, "Idempotent stages", "Duplicate deliveries settle without side effects.")
		e.waitForState(t, id, flow.StatePublished)
		e.waitForInbox(t, 4242, id)

		e.enqueue(t, id)
		time.Sleep(3 * time.Second)

		assert.Len(t, e.inbox(t, 4242, id), 1)
		c, err := e.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, flow.StatePublished, c.State)
	})

	t.Run("QueuesDrain", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, q := range []bus.Queue{bus.AuditQueue, bus.VectorQueue} {
			require.Eventually(t, func() bool {
				depth, err := e.bus.Depth(ctx, q.Name)
				return err == nil && depth == 0
			}, 30*time.Second, time.Second, "queue %s did not drain", q.Name)
		}
	})
}
