// Package store persists content records, their moderation state and the
// search index documents produced for published content.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/flow"
)

var (
	ErrNotFound          = errors.New("content not found")
	ErrExists            = errors.New("content already exists")
	ErrInvalidTransition = errors.New("invalid state transition")
)

type Content struct {
	ID           string               `json:"id"`
	Slug         string               `json:"slug"`
	Title        string               `json:"title"`
	Description  string               `json:"description,omitempty"`
	Body         string               `json:"body"`
	Tags         []string             `json:"tags,omitempty"`
	AuthorID     int64                `json:"authorId"`
	AuthorName   string               `json:"authorName"`
	CreatedAt    time.Time            `json:"createdAt"`
	State        flow.ModerationState `json:"state"`
	RejectReason string               `json:"rejectReason,omitempty"`
	Analysis     *flow.AnalysisResult `json:"analysis,omitempty"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// Transition is one state change plus the data that must land with it.
// An empty From accepts any state with a forward edge to To.
type Transition struct {
	From     flow.ModerationState
	To       flow.ModerationState
	Reason   string
	Analysis *flow.AnalysisResult
	Document *flow.IndexDocument
}

// Store is implemented by the Redis and Badger backends.
type Store interface {
	// Put creates a content record. The state defaults to PENDING.
	Put(ctx context.Context, c Content) error
	Get(ctx context.Context, id string) (Content, error)
	// SetState moves id forward to state. Setting the current state again
	// is a no-op.
	SetState(ctx context.Context, id string, state flow.ModerationState) error
	SetIndexDocument(ctx context.Context, id string, doc flow.IndexDocument) error
	IndexDocument(ctx context.Context, id string) (flow.IndexDocument, error)
	// Commit applies t atomically. It reports false without writing when
	// the record is already in t.To.
	Commit(ctx context.Context, id string, t Transition) (bool, error)
	Close() error
}

// checkTransition decides a commit against the current state.
func checkTransition(current flow.ModerationState, t Transition) (apply bool, err error) {
	if current == t.To {
		return false, nil
	}
	if t.From != "" && t.From != current {
		return false, ErrInvalidTransition
	}
	if !flow.CanTransition(current, t.To) {
		return false, ErrInvalidTransition
	}
	return true, nil
}

func newContent(c Content, now time.Time) Content {
	if c.State == "" {
		c.State = flow.StatePending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return c
}
