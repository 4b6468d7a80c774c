package model

import (
	"encoding/json"
	"time"
)

// Audit event types written by the pipeline.
const (
	AuditLetterCreated       = "letter.created"
	AuditLetterUpdated       = "letter.updated"
	AuditDeliveryScheduled   = "delivery.scheduled"
	AuditDeliveryRescheduled = "delivery.rescheduled"
	AuditDeliveryCanceled    = "delivery.canceled"
	AuditDeliverySent        = "delivery.sent"
	AuditDeliveryFailed      = "delivery.failed"
	AuditEventDeadLettered   = "billing.event_dead_lettered"
	AuditReconcilerVolume    = "system.reconciler_high_volume"
)

// AuditEvent is an append-only record. UserID is empty for system events.
type AuditEvent struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewAudit builds an audit event with data marshalled from v. Marshal failures
// degrade to an empty object.
func NewAudit(userID, typ string, v any, at time.Time) AuditEvent {
	data, err := json.Marshal(v)
	if err != nil || v == nil {
		data = json.RawMessage("{}")
	}
	return AuditEvent{UserID: userID, Type: typ, Data: data, CreatedAt: at}
}

// Event is an externally delivered notification identified by a globally
// unique id.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created"`
}

// EventStatus is the state of an idempotency record.
type EventStatus string

const (
	EventClaimed    EventStatus = "CLAIMED"
	EventProcessing EventStatus = "PROCESSING"
	EventCompleted  EventStatus = "COMPLETED"
	EventFailed     EventStatus = "FAILED"
)

// WebhookEvent is the idempotency record for an ingested event.
type WebhookEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      EventStatus     `json:"status"`
	ClaimToken  string          `json:"claimToken"`
	ClaimedAt   time.Time       `json:"claimedAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	RetryCount  int             `json:"retryCount"`
	Error       string          `json:"error,omitempty"`
}

// FailedEvent is a dead-lettered event kept for diagnosis and replay.
type FailedEvent struct {
	ID         string          `json:"id"`
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	RetryCount int             `json:"retryCount"`
	FailedAt   time.Time       `json:"failedAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}
