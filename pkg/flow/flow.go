package flow

import (
	"fmt"
	"strings"
	"time"
)

// ModerationState is the lifecycle state of a content item.
type ModerationState string

const (
	StatePending   ModerationState = "PENDING"
	StateApproved  ModerationState = "APPROVED"
	StateRejected  ModerationState = "REJECTED"
	StatePublished ModerationState = "PUBLISHED"
)

// Terminal reports whether no further transition may leave s.
func (s ModerationState) Terminal() bool {
	return s == StateRejected || s == StatePublished
}

// CanTransition reports whether from -> to is a forward edge of the
// moderation chain.
func CanTransition(from, to ModerationState) bool {
	switch from {
	case StatePending:
		return to == StateApproved || to == StateRejected
	case StateApproved:
		return to == StatePublished
	}
	return false
}

func ParseState(s string) (ModerationState, error) {
	switch st := ModerationState(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatePending, StateApproved, StateRejected, StatePublished:
		return st, nil
	}
	return "", fmt.Errorf("unknown moderation state %q", s)
}

type EventType string

const (
	EventArticleApproved EventType = "ARTICLE_APPROVED"
	EventArticleRejected EventType = "ARTICLE_REJECTED"
)

// SystemActorID marks notifications that no user triggered.
const SystemActorID int64 = -1

// TaskRef is the Stage1 input: a bare task id.
type TaskRef struct {
	TaskID string `json:"taskId"`
}

type AnalysisResult struct {
	Approved bool     `json:"approved"`
	Keywords []string `json:"keywords"`
	Reason   string   `json:"reason"`
}

// ProceedEvent hands an approved task from moderation to publishing.
type ProceedEvent struct {
	TaskID         string         `json:"taskId"`
	AnalysisResult AnalysisResult `json:"analysisResult"`
}

type NotificationEvent struct {
	ActorID      int64     `json:"actorId"`
	TargetUserID int64     `json:"targetUserId"`
	EventType    EventType `json:"eventType"`
	ResourceID   string    `json:"resourceId"`
	ResourceSlug string    `json:"resourceSlug,omitempty"`
	Payload      string    `json:"payload,omitempty"`
}

// SelfNotification reports whether the actor would notify themselves.
func (e NotificationEvent) SelfNotification() bool {
	return e.ActorID == e.TargetUserID
}

type IndexDocument struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Keywords    []string  `json:"keywords"`
	Tags        []string  `json:"tags"`
	AuthorName  string    `json:"authorName"`
	CreatedAt   time.Time `json:"createdAt"`
	Embedding   []float32 `json:"embedding"`
}

type StatusEvent struct {
	TaskID    string          `json:"task_id"`
	From      ModerationState `json:"from"`
	To        ModerationState `json:"to"`
	Reason    string          `json:"reason,omitempty"`
	Source    string          `json:"source"`
	Timestamp string          `json:"timestamp"`
}

type ScaleEvent struct {
	Pool       string `json:"pool"`
	QueueDepth int    `json:"queue_depth"`
	Current    int    `json:"current"`
	Desired    int    `json:"desired"`
	Applied    bool   `json:"applied"`
	Reason     string `json:"reason"`
	Timestamp  string `json:"timestamp"`
}

type DeadLetter struct {
	Subject      string              `json:"subject"`
	Stage        string              `json:"stage,omitempty"`
	Reason       string              `json:"reason"`
	Payload      string              `json:"payload"`
	Headers      map[string][]string `json:"headers,omitempty"`
	Stream       string              `json:"stream,omitempty"`
	Consumer     string              `json:"consumer,omitempty"`
	Sequence     uint64              `json:"sequence,omitempty"`
	Timestamp    string              `json:"timestamp,omitempty"`
	NumDelivered uint64              `json:"num_delivered,omitempty"`
	ReceivedAt   string              `json:"received_at"`
}

// InboxEntry is one stored notification. A nil ActorID means the system.
type InboxEntry struct {
	ID           string    `json:"id"`
	ActorID      *int64    `json:"actorId"`
	EventType    EventType `json:"eventType"`
	ResourceID   string    `json:"resourceId"`
	ResourceSlug string    `json:"resourceSlug,omitempty"`
	Content      string    `json:"content,omitempty"`
	Read         bool      `json:"read"`
	CreatedAt    string    `json:"createdAt"`
}

func InboxKey(userID int64) string {
	return fmt.Sprintf("notifications:%d", userID)
}

func UnreadKey(userID int64) string {
	return InboxKey(userID) + ":unread"
}

// SeenKey holds the notifications already delivered to a user.
func SeenKey(userID int64) string {
	return InboxKey(userID) + ":seen"
}

func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
