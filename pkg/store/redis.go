package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/content-pipeline/pkg/flow"
)

const (
	contentKeyPrefix = "content:"
	indexKeyPrefix   = "index:"
	indexIDsKey      = "index:ids"
)

var putScript = redis.NewScript(`if redis.call("EXISTS", KEYS[1]) == 1 then return 0 end
redis.call("HSET", KEYS[1], "record", ARGV[1], "state", ARGV[2], "updated_at", ARGV[3])
return 1`)

// commitScript returns -1 when the record is missing, -2 for a rejected
// edge, 0 when already in the target state and 1 when applied.
var commitScript = redis.NewScript(`local state = redis.call("HGET", KEYS[1], "state")
if not state then return -1 end
local to = ARGV[2]
if state == to then return 0 end
if ARGV[1] ~= "" and ARGV[1] ~= state then return -2 end
local edges = {PENDING = {APPROVED = true, REJECTED = true}, APPROVED = {PUBLISHED = true}}
if not (edges[state] and edges[state][to]) then return -2 end
redis.call("HSET", KEYS[1], "state", to, "updated_at", ARGV[3])
if ARGV[4] ~= "" then redis.call("HSET", KEYS[1], "reject_reason", ARGV[4]) end
if ARGV[5] ~= "" then redis.call("HSET", KEYS[1], "analysis", ARGV[5]) end
if ARGV[6] ~= "" then
  redis.call("SET", KEYS[2], ARGV[6])
  redis.call("SADD", KEYS[3], ARGV[7])
end
return 1`)

type RedisStore struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func contentKey(id string) string { return contentKeyPrefix + id }
func indexKey(id string) string   { return indexKeyPrefix + id }

func (s *RedisStore) Put(ctx context.Context, c Content) error {
	c = newContent(c, s.now().UTC())
	record, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	res, err := putScript.Run(ctx, s.rdb, []string{contentKey(c.ID)}, record, string(c.State), c.UpdatedAt.Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return fmt.Errorf("put %s: %w", c.ID, err)
	}
	if res == 0 {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Content, error) {
	fields, err := s.rdb.HGetAll(ctx, contentKey(id)).Result()
	if err != nil {
		return Content{}, fmt.Errorf("get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Content{}, ErrNotFound
	}

	var c Content
	if err := json.Unmarshal([]byte(fields["record"]), &c); err != nil {
		return Content{}, fmt.Errorf("decode %s: %w", id, err)
	}
	c.State = flow.ModerationState(fields["state"])
	c.RejectReason = fields["reject_reason"]
	if raw := fields["analysis"]; raw != "" {
		var analysis flow.AnalysisResult
		if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
			return Content{}, fmt.Errorf("decode analysis %s: %w", id, err)
		}
		c.Analysis = &analysis
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		c.UpdatedAt = ts
	}
	return c, nil
}

func (s *RedisStore) SetState(ctx context.Context, id string, state flow.ModerationState) error {
	_, err := s.Commit(ctx, id, Transition{To: state})
	return err
}

func (s *RedisStore) SetIndexDocument(ctx context.Context, id string, doc flow.IndexDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal index document: %w", err)
	}
	if _, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, indexKey(id), data, 0)
		pipe.SAdd(ctx, indexIDsKey, id)
		return nil
	}); err != nil {
		return fmt.Errorf("index %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) IndexDocument(ctx context.Context, id string) (flow.IndexDocument, error) {
	data, err := s.rdb.Get(ctx, indexKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return flow.IndexDocument{}, ErrNotFound
	}
	if err != nil {
		return flow.IndexDocument{}, fmt.Errorf("index %s: %w", id, err)
	}
	var doc flow.IndexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return flow.IndexDocument{}, fmt.Errorf("decode index %s: %w", id, err)
	}
	return doc, nil
}

func (s *RedisStore) Commit(ctx context.Context, id string, t Transition) (bool, error) {
	var analysis, doc []byte
	var err error
	if t.Analysis != nil {
		if analysis, err = json.Marshal(t.Analysis); err != nil {
			return false, fmt.Errorf("marshal analysis: %w", err)
		}
	}
	if t.Document != nil {
		if doc, err = json.Marshal(t.Document); err != nil {
			return false, fmt.Errorf("marshal index document: %w", err)
		}
	}

	res, err := commitScript.Run(ctx, s.rdb,
		[]string{contentKey(id), indexKey(id), indexIDsKey},
		string(t.From), string(t.To), s.now().UTC().Format(time.RFC3339Nano),
		t.Reason, string(analysis), string(doc), id,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("commit %s: %w", id, err)
	}

	switch res {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, ErrNotFound
	default:
		return false, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, id, t.To)
	}
}

// Close is a no-op; the caller owns the Redis client.
func (s *RedisStore) Close() error {
	return nil
}
