package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/cache"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/outbox"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/repositories"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/tracing"
)

// ErrDuplicateUpload is returned when a protocol with the same checksum has
// already been registered.
var ErrDuplicateUpload = errors.New("protocol already uploaded")

// ProtocolService handles protocol document business logic. Every state
// change is committed together with a matching outbox event, so downstream
// consumers observe exactly the mutations that actually happened.
type ProtocolService struct {
	db           *gorm.DB // Write database
	protocolRepo repositories.ProtocolRepository
	criteriaRepo repositories.CriteriaSetRepository
	outboxRepo   repositories.OutboxEventRepository
	cache        *cache.RedisCache
	tracer       tracing.Tracer
}

// NewProtocolService creates a new protocol service
func NewProtocolService(
	db *gorm.DB,
	readOnlyDB *gorm.DB,
	redisCache *cache.RedisCache,
	tracer tracing.Tracer,
) *ProtocolService {
	return &ProtocolService{
		db:           db,
		protocolRepo: repositories.NewProtocolRepository(db, readOnlyDB),
		criteriaRepo: repositories.NewCriteriaSetRepository(db, readOnlyDB),
		outboxRepo:   repositories.NewOutboxEventRepository(db, readOnlyDB),
		cache:        redisCache,
		tracer:       tracer,
	}
}

// RegisterUpload records an uploaded protocol document and a matching
// protocol_uploaded event in one transaction. The idempotency key is derived
// from the document checksum, so a retried upload of the same document maps
// to the same logical event and is rejected as a duplicate rather than
// recorded twice.
func (s *ProtocolService) RegisterUpload(ctx context.Context, payload *models.ProtocolUpload) (*models.Protocol, error) {
	txn := s.tracer.StartTransaction("register-protocol-upload")
	defer s.tracer.EndTransaction(txn)

	protocol := &models.Protocol{
		ID:        uuid.New(),
		Title:     payload.Title,
		Filename:  payload.Filename,
		Checksum:  payload.Checksum,
		Status:    models.ProtocolStatusUploaded,
		PageCount: payload.PageCount,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		_, err := outbox.PersistWithOutbox(tx.WithContext(ctx), protocol, outbox.EventParams{
			EventType:     models.EventProtocolUploaded,
			AggregateType: "protocol",
			AggregateID:   protocol.ID,
			Payload: models.NewEnvelope(models.EventProtocolUploaded, map[string]interface{}{
				"protocol_id": protocol.ID.String(),
				"title":       protocol.Title,
				"filename":    protocol.Filename,
				"checksum":    protocol.Checksum,
				"page_count":  protocol.PageCount,
			}),
			IdempotencyKey: outbox.StableKey(models.EventProtocolUploaded, payload.Checksum),
		})
		return err
	})

	if err != nil {
		if outbox.IsDuplicateEvent(err) {
			return nil, ErrDuplicateUpload
		}
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to register protocol upload")
	}

	log.Info().
		Str("protocol_id", protocol.ID.String()).
		Str("filename", protocol.Filename).
		Msg("Protocol upload registered")

	return protocol, nil
}

// RecordExtraction stores the criteria extracted from a protocol, moves the
// protocol to the extracted status and records a criteria_extracted event,
// all in one transaction.
func (s *ProtocolService) RecordExtraction(ctx context.Context, protocolID uuid.UUID, criteria []byte, modelName string) (*models.CriteriaSet, error) {
	txn := s.tracer.StartTransaction("record-extraction")
	defer s.tracer.EndTransaction(txn)

	protocol, err := s.protocolRepo.GetByID(ctx, protocolID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	set := &models.CriteriaSet{
		ID:         uuid.New(),
		ProtocolID: protocol.ID,
		Criteria:   criteria,
		ModelName:  modelName,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(set).Error; err != nil {
			return errors.Wrap(err, "failed to create criteria set")
		}

		protocol.Status = models.ProtocolStatusExtracted
		_, err := outbox.PersistWithOutbox(tx.WithContext(ctx), protocol, outbox.EventParams{
			EventType:     models.EventCriteriaExtracted,
			AggregateType: "protocol",
			AggregateID:   protocol.ID,
			Payload: models.NewEnvelope(models.EventCriteriaExtracted, map[string]interface{}{
				"protocol_id":     protocol.ID.String(),
				"criteria_set_id": set.ID.String(),
				"model_name":      modelName,
			}),
		})
		return err
	})

	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to record extraction")
	}

	log.Info().
		Str("protocol_id", protocol.ID.String()).
		Str("criteria_set_id", set.ID.String()).
		Str("model", modelName).
		Msg("Criteria extraction recorded")

	return set, nil
}

// RecordGrounding marks a criteria set as grounded against the terminology
// service and records a criteria_grounded event in the same transaction.
func (s *ProtocolService) RecordGrounding(ctx context.Context, criteriaSetID uuid.UUID) error {
	txn := s.tracer.StartTransaction("record-grounding")
	defer s.tracer.EndTransaction(txn)

	set, err := s.criteriaRepo.GetByID(ctx, criteriaSetID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	protocol, err := s.protocolRepo.GetByID(ctx, set.ProtocolID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		set.Grounded = true
		if err := tx.WithContext(ctx).Save(set).Error; err != nil {
			return errors.Wrap(err, "failed to update criteria set")
		}

		protocol.Status = models.ProtocolStatusGrounded
		_, err := outbox.PersistWithOutbox(tx.WithContext(ctx), protocol, outbox.EventParams{
			EventType:     models.EventCriteriaGrounded,
			AggregateType: "protocol",
			AggregateID:   protocol.ID,
			Payload: models.NewEnvelope(models.EventCriteriaGrounded, map[string]interface{}{
				"protocol_id":     protocol.ID.String(),
				"criteria_set_id": set.ID.String(),
			}),
		})
		return err
	})

	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to record grounding")
	}

	log.Info().
		Str("protocol_id", protocol.ID.String()).
		Str("criteria_set_id", set.ID.String()).
		Msg("Criteria grounding recorded")

	return nil
}

// DeleteProtocol removes a protocol and its criteria sets and records a
// protocol_deleted event in the same transaction. Cached copies are evicted
// asynchronously by the cache invalidation handler consuming that event.
func (s *ProtocolService) DeleteProtocol(ctx context.Context, id uuid.UUID) error {
	txn := s.tracer.StartTransaction("delete-protocol")
	defer s.tracer.EndTransaction(txn)

	protocol, err := s.protocolRepo.GetByID(ctx, id)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Where("protocol_id = ?", protocol.ID).Delete(&models.CriteriaSet{}).Error; err != nil {
			return errors.Wrap(err, "failed to delete criteria sets")
		}
		if err := tx.WithContext(ctx).Delete(&models.Protocol{}, "id = ?", protocol.ID).Error; err != nil {
			return errors.Wrap(err, "failed to delete protocol")
		}

		_, err := outbox.PersistWithOutbox(tx.WithContext(ctx), nil, outbox.EventParams{
			EventType:     models.EventProtocolDeleted,
			AggregateType: "protocol",
			AggregateID:   protocol.ID,
			Payload: models.NewEnvelope(models.EventProtocolDeleted, map[string]interface{}{
				"protocol_id": protocol.ID.String(),
				"checksum":    protocol.Checksum,
			}),
		})
		return err
	})

	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to delete protocol")
	}

	log.Info().
		Str("protocol_id", protocol.ID.String()).
		Msg("Protocol deleted")

	return nil
}

// GetProtocol retrieves a protocol, reading through the cache when enabled
func (s *ProtocolService) GetProtocol(ctx context.Context, id uuid.UUID) (*models.Protocol, error) {
	var cached models.Protocol
	if err := s.cache.Get(ctx, cache.GetProtocolCacheKey(id), &cached); err == nil {
		return &cached, nil
	}

	protocol, err := s.protocolRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, cache.GetProtocolCacheKey(id), protocol, 10*time.Minute); err != nil {
		log.Debug().Err(err).Str("protocol_id", id.String()).Msg("Failed to cache protocol")
	}

	return protocol, nil
}

// ListOutboxEvents queries recorded outbox events for operational dashboards
func (s *ProtocolService) ListOutboxEvents(ctx context.Context, filter repositories.OutboxFilter) ([]models.OutboxEvent, error) {
	return s.outboxRepo.Find(ctx, filter)
}
