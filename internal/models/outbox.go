package models

import (
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery status of an outbox event
type OutboxStatus string

// Outbox event statuses. Transitions are monotonic: pending records move
// to published or failed and never leave a terminal state.
const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxEvent is a domain event persisted in the same transaction as the
// business mutation it describes. Rows are created by the outbox writer and
// mutated only by the outbox processor; they are never deleted, so the table
// doubles as an audit trail of everything the service has published.
type OutboxEvent struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	EventType      string       `gorm:"not null;index" json:"event_type"`
	AggregateType  string       `gorm:"not null" json:"aggregate_type"`
	AggregateID    uuid.UUID    `gorm:"type:uuid;not null;index" json:"aggregate_id"`
	Payload        []byte       `gorm:"type:jsonb;not null" json:"payload"`
	IdempotencyKey uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex" json:"idempotency_key"`
	Status         OutboxStatus `gorm:"type:varchar(16);not null;default:'pending';index:idx_outbox_status_created,priority:1" json:"status"`
	RetryCount     int          `gorm:"not null;default:0" json:"retry_count"`
	LastError      *string      `gorm:"type:text" json:"last_error,omitempty"`
	NextAttemptAt  *time.Time   `gorm:"index" json:"next_attempt_at,omitempty"`
	PublishedAt    *time.Time   `json:"published_at,omitempty"`
	CreatedAt      time.Time    `gorm:"autoCreateTime;index:idx_outbox_status_created,priority:2" json:"created_at"`
}

// TableName specifies the table name for the OutboxEvent model
func (OutboxEvent) TableName() string {
	return "outbox_events"
}

// Terminal reports whether the event has reached a terminal status
func (e *OutboxEvent) Terminal() bool {
	return e.Status == OutboxStatusPublished || e.Status == OutboxStatusFailed
}
