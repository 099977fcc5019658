package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/maciekb2/content-pipeline/pkg/flow"
)

const badgerConflictRetries = 3

// BadgerStore keeps everything in one embedded database. It suits a single
// process running both stages.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadger opens the database at path, or an in-memory one.
func OpenBadger(path string, inMemory bool) (*BadgerStore, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("badger dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLoggerAdapter{logger: slog.Default().With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func badgerContentKey(id string) []byte { return []byte("content/" + id) }
func badgerIndexKey(id string) []byte   { return []byte("index/" + id) }

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func writeJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (s *BadgerStore) Put(_ context.Context, c Content) error {
	c = newContent(c, s.now().UTC())
	return s.update(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerContentKey(c.ID))
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeJSON(txn, badgerContentKey(c.ID), c)
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (Content, error) {
	var c Content
	err := s.db.View(func(txn *badger.Txn) error {
		return readJSON(txn, badgerContentKey(id), &c)
	})
	if err != nil {
		return Content{}, err
	}
	return c, nil
}

func (s *BadgerStore) SetState(ctx context.Context, id string, state flow.ModerationState) error {
	_, err := s.Commit(ctx, id, Transition{To: state})
	return err
}

func (s *BadgerStore) SetIndexDocument(_ context.Context, id string, doc flow.IndexDocument) error {
	return s.update(func(txn *badger.Txn) error {
		return writeJSON(txn, badgerIndexKey(id), doc)
	})
}

func (s *BadgerStore) IndexDocument(_ context.Context, id string) (flow.IndexDocument, error) {
	var doc flow.IndexDocument
	err := s.db.View(func(txn *badger.Txn) error {
		return readJSON(txn, badgerIndexKey(id), &doc)
	})
	if err != nil {
		return flow.IndexDocument{}, err
	}
	return doc, nil
}

func (s *BadgerStore) Commit(_ context.Context, id string, t Transition) (bool, error) {
	applied := false
	err := s.update(func(txn *badger.Txn) error {
		applied = false
		var c Content
		if err := readJSON(txn, badgerContentKey(id), &c); err != nil {
			return err
		}
		apply, err := checkTransition(c.State, t)
		if err != nil {
			return fmt.Errorf("%w: %s %s to %s", err, id, c.State, t.To)
		}
		if !apply {
			return nil
		}

		c.State = t.To
		c.UpdatedAt = s.now().UTC()
		if t.Reason != "" {
			c.RejectReason = t.Reason
		}
		if t.Analysis != nil {
			c.Analysis = t.Analysis
		}
		if err := writeJSON(txn, badgerContentKey(id), c); err != nil {
			return err
		}
		if t.Document != nil {
			if err := writeJSON(txn, badgerIndexKey(id), t.Document); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
