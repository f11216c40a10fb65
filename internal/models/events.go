package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a kind of domain event. Kinds serialize as
// lowercase strings and are used as the routing key for handler dispatch.
type EventKind string

// Domain event kinds
const (
	EventProtocolUploaded  EventKind = "protocol_uploaded"
	EventCriteriaExtracted EventKind = "criteria_extracted"
	EventCriteriaGrounded  EventKind = "criteria_grounded"
	EventProtocolDeleted   EventKind = "protocol_deleted"
)

// String returns the wire form of the event kind
func (k EventKind) String() string {
	return string(k)
}

// Envelope wraps a domain event: identity, kind, payload and creation time.
// Envelopes are immutable once constructed; the ID is stable for the life of
// the event. A non-serializable payload surfaces when the envelope is
// persisted, not at construction.
type Envelope struct {
	ID        uuid.UUID   `json:"id"`
	Kind      EventKind   `json:"kind"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEnvelope builds an envelope with a fresh ID and the current UTC time
func NewEnvelope(kind EventKind, payload interface{}) Envelope {
	return NewEnvelopeWithID(uuid.New(), kind, payload)
}

// NewEnvelopeWithID builds an envelope with a caller-supplied ID
func NewEnvelopeWithID(id uuid.UUID, kind EventKind, payload interface{}) Envelope {
	return Envelope{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
