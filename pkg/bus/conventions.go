package bus

import (
	"fmt"
	"strings"
)

const (
	StreamAudit           = "AUDIT"
	StreamAuditDLQ        = "AUDIT_DLQ"
	StreamVector          = "VECTOR"
	StreamVectorDLQ       = "VECTOR_DLQ"
	StreamNotification    = "NOTIFICATION"
	StreamNotificationDLQ = "NOTIFICATION_DLQ"
	StreamEvents          = "EVENTS"
)

const (
	SubjectAuditQueue        = "audit.queue"
	SubjectAuditDead         = "audit.dead"
	SubjectVectorQueue       = "vector.queue"
	SubjectVectorDead        = "vector.dead"
	SubjectNotificationQueue = "notification.queue"
	SubjectNotificationDead  = "notification.dead"
)

const (
	SubjectEventStatus = "events.status"
	SubjectEventScale  = "events.scale"
)

const (
	StageAudit        = "audit"
	StageVector       = "vector"
	StageNotification = "notification"
)

// Queue binds a logical work queue to the JetStream objects that back it.
type Queue struct {
	Name             string
	Stage            string
	Stream           string
	Durable          string
	DeadLetter       string
	DeadLetterStream string
}

var (
	AuditQueue = Queue{
		Name:             SubjectAuditQueue,
		Stage:            StageAudit,
		Stream:           StreamAudit,
		Durable:          DurableName(StreamAudit, "moderator"),
		DeadLetter:       SubjectAuditDead,
		DeadLetterStream: StreamAuditDLQ,
	}
	VectorQueue = Queue{
		Name:             SubjectVectorQueue,
		Stage:            StageVector,
		Stream:           StreamVector,
		Durable:          DurableName(StreamVector, "publisher"),
		DeadLetter:       SubjectVectorDead,
		DeadLetterStream: StreamVectorDLQ,
	}
	NotificationQueue = Queue{
		Name:             SubjectNotificationQueue,
		Stage:            StageNotification,
		Stream:           StreamNotification,
		Durable:          DurableName(StreamNotification, "inbox"),
		DeadLetter:       SubjectNotificationDead,
		DeadLetterStream: StreamNotificationDLQ,
	}
)

// Queues lists every queue that owns a dead-letter stream.
func Queues() []Queue {
	return []Queue{AuditQueue, VectorQueue, NotificationQueue}
}

// LookupQueue resolves a queue by subject name or stage name.
func LookupQueue(name string) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case SubjectAuditQueue, StageAudit:
		return AuditQueue, nil
	case SubjectVectorQueue, StageVector:
		return VectorQueue, nil
	case SubjectNotificationQueue, StageNotification:
		return NotificationQueue, nil
	}
	return Queue{}, fmt.Errorf("unknown queue %q", name)
}

func DurableName(stream, service string) string {
	stream = strings.ToLower(strings.TrimSpace(stream))
	service = strings.TrimSpace(service)
	if stream == "" {
		return service
	}
	if service == "" {
		return stream
	}
	return stream + "-" + service
}

// DeadLetterKey is the Redis list holding a stage's dead letters.
func DeadLetterKey(stage string) string {
	return "dead_letter:" + stage
}

// ProceedMsgID is the dedup id of the stage handoff for a task.
func ProceedMsgID(taskID string) string {
	return taskID + ":proceed"
}
