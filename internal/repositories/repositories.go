package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
)

// ProtocolRepository provides access to protocol documents
type ProtocolRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Protocol, error)
	GetByChecksum(ctx context.Context, checksum string) (*models.Protocol, error)
	List(ctx context.Context, limit int) ([]models.Protocol, error)
}

// protocolRepository implements ProtocolRepository
type protocolRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewProtocolRepository creates a new protocol repository
func NewProtocolRepository(db *gorm.DB, readOnlyDB *gorm.DB) ProtocolRepository {
	return &protocolRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a protocol by ID
func (r *protocolRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Protocol, error) {
	var protocol models.Protocol
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).First(&protocol, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get protocol by ID")
	}
	return &protocol, nil
}

// GetByChecksum gets a protocol by its document checksum
func (r *protocolRepository) GetByChecksum(ctx context.Context, checksum string) (*models.Protocol, error) {
	var protocol models.Protocol
	err := r.readOnlyDB.WithContext(ctx).Where("checksum = ?", checksum).First(&protocol).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get protocol by checksum")
	}
	return &protocol, nil
}

// List lists protocols, newest first
func (r *protocolRepository) List(ctx context.Context, limit int) ([]models.Protocol, error) {
	if limit <= 0 {
		limit = 50
	}
	var protocols []models.Protocol
	err := r.readOnlyDB.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&protocols).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list protocols")
	}
	return protocols, nil
}

// CriteriaSetRepository provides access to extracted criteria sets
type CriteriaSetRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.CriteriaSet, error)
	GetByProtocolID(ctx context.Context, protocolID uuid.UUID) ([]models.CriteriaSet, error)
}

// criteriaSetRepository implements CriteriaSetRepository
type criteriaSetRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewCriteriaSetRepository creates a new criteria set repository
func NewCriteriaSetRepository(db *gorm.DB, readOnlyDB *gorm.DB) CriteriaSetRepository {
	return &criteriaSetRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a criteria set by ID
func (r *criteriaSetRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CriteriaSet, error) {
	var set models.CriteriaSet
	err := r.readOnlyDB.WithContext(ctx).First(&set, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get criteria set by ID")
	}
	return &set, nil
}

// GetByProtocolID gets all criteria sets extracted from a protocol
func (r *criteriaSetRepository) GetByProtocolID(ctx context.Context, protocolID uuid.UUID) ([]models.CriteriaSet, error) {
	var sets []models.CriteriaSet
	err := r.readOnlyDB.WithContext(ctx).
		Where("protocol_id = ?", protocolID).
		Order("created_at ASC").
		Find(&sets).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get criteria sets by protocol ID")
	}
	return sets, nil
}
