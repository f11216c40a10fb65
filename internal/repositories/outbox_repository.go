package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
)

// OutboxFilter narrows queries over recorded outbox events
type OutboxFilter struct {
	Status      models.OutboxStatus
	EventType   string
	AggregateID uuid.UUID
	Limit       int
}

// OutboxEventRepository provides access to outbox events. It implements the
// processor's store contract plus the query surface used for operational
// visibility into pending and failed events.
type OutboxEventRepository interface {
	FetchDue(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID, retryCount int, lastError string, nextAttempt *time.Time, terminal bool) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error)
	Find(ctx context.Context, filter OutboxFilter) ([]models.OutboxEvent, error)
	CountByStatus(ctx context.Context) (map[models.OutboxStatus]int64, error)
}

// outboxEventRepository implements OutboxEventRepository
type outboxEventRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewOutboxEventRepository creates a new outbox event repository
func NewOutboxEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) OutboxEventRepository {
	return &outboxEventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// FetchDue returns pending events whose next attempt is due, oldest first.
// Reads go through the write database so the processor never lags behind a
// replica and misses freshly committed rows.
func (r *outboxEventRepository) FetchDue(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			models.OutboxStatusPending, time.Now().UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch due outbox events")
	}
	return events, nil
}

// MarkPublished transitions a pending event to published. The status guard
// in the WHERE clause keeps terminal states immutable: an event already
// published or failed is left untouched.
func (r *outboxEventRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, models.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusPublished,
			"published_at":    &now,
			"next_attempt_at": nil,
			"last_error":      nil,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark outbox event published")
	}
	return nil
}

// RecordFailure records a failed dispatch attempt. Non-terminal failures
// stay pending with a scheduled next attempt; terminal failures move the
// event to the failed state. The same status guard as MarkPublished keeps
// the transition monotonic.
func (r *outboxEventRepository) RecordFailure(ctx context.Context, id uuid.UUID, retryCount int, lastError string, nextAttempt *time.Time, terminal bool) error {
	status := models.OutboxStatusPending
	if terminal {
		status = models.OutboxStatusFailed
	}

	err := r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, models.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":          status,
			"retry_count":     retryCount,
			"last_error":      lastError,
			"next_attempt_at": nextAttempt,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to record outbox event failure")
	}
	return nil
}

// GetByID gets an outbox event by ID
func (r *outboxEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	var event models.OutboxEvent
	err := r.readOnlyDB.WithContext(ctx).First(&event, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get outbox event by ID")
	}
	return &event, nil
}

// Find queries outbox events for operational dashboards
func (r *outboxEventRepository) Find(ctx context.Context, filter OutboxFilter) ([]models.OutboxEvent, error) {
	query := r.readOnlyDB.WithContext(ctx).Model(&models.OutboxEvent{})

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.AggregateID != uuid.Nil {
		query = query.Where("aggregate_id = ?", filter.AggregateID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var events []models.OutboxEvent
	err := query.Order("created_at DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query outbox events")
	}
	return events, nil
}

// CountByStatus returns event counts grouped by delivery status
func (r *outboxEventRepository) CountByStatus(ctx context.Context) (map[models.OutboxStatus]int64, error) {
	type row struct {
		Status models.OutboxStatus
		Count  int64
	}

	var rows []row
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to count outbox events by status")
	}

	counts := make(map[models.OutboxStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
