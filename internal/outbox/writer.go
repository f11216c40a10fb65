package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
)

// keyNamespace is the UUIDv5 namespace for deterministic idempotency keys
var keyNamespace = uuid.MustParse("8f3c6d1a-55e4-4f6b-9a21-04fd1c2a9b7e")

// EventParams describes the outbox event to record alongside a business
// mutation. If IdempotencyKey is left zero a random key is generated, so
// every call produces a distinct event; callers whose logic may be retried
// should supply a stable key via StableKey to deduplicate.
type EventParams struct {
	EventType      models.EventKind
	AggregateType  string
	AggregateID    uuid.UUID
	Payload        interface{}
	IdempotencyKey uuid.UUID
}

// StableKey derives a deterministic idempotency key from the event kind and
// a caller-chosen discriminator (e.g. a document checksum), so retried
// producer transactions map to the same logical event.
func StableKey(kind models.EventKind, discriminator string) uuid.UUID {
	return uuid.NewSHA1(keyNamespace, []byte(string(kind)+":"+discriminator))
}

// PersistWithOutbox saves the business entity and inserts a matching outbox
// event on the caller's transaction handle. It never commits; the caller's
// surrounding transaction boundary is authoritative, which is what makes the
// mutation and the event atomic. A nil entity skips the entity save and only
// records the event.
//
// A duplicate idempotency key surfaces as a uniqueness violation on the
// caller's transaction. Callers should treat that as "already recorded"
// (see IsDuplicateEvent), not as an error to retry blindly.
func PersistWithOutbox(tx *gorm.DB, entity interface{}, params EventParams) (*models.OutboxEvent, error) {
	if entity != nil {
		if err := tx.Save(entity).Error; err != nil {
			return nil, errors.Wrap(err, "failed to persist entity")
		}
	}

	event, err := newOutboxEvent(params)
	if err != nil {
		return nil, err
	}

	if err := tx.Create(event).Error; err != nil {
		return nil, errors.Wrap(err, "failed to insert outbox event")
	}

	return event, nil
}

// newOutboxEvent builds the pending outbox row for the given params
func newOutboxEvent(params EventParams) (*models.OutboxEvent, error) {
	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event payload")
	}

	key := params.IdempotencyKey
	if key == uuid.Nil {
		key = uuid.New()
	}

	return &models.OutboxEvent{
		ID:             uuid.New(),
		EventType:      params.EventType.String(),
		AggregateType:  params.AggregateType,
		AggregateID:    params.AggregateID,
		Payload:        payload,
		IdempotencyKey: key,
		Status:         models.OutboxStatusPending,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// IsDuplicateEvent reports whether err is a uniqueness violation on the
// outbox idempotency key. The gorm postgres driver translates these to
// gorm.ErrDuplicatedKey when error translation is enabled; the raw
// postgres message is matched as a fallback.
func IsDuplicateEvent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
