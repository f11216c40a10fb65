package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Protocol statuses
const (
	ProtocolStatusUploaded   = "uploaded"
	ProtocolStatusProcessing = "processing"
	ProtocolStatusExtracted  = "extracted"
	ProtocolStatusGrounded   = "grounded"
	ProtocolStatusFailed     = "failed"
)

// Protocol represents an uploaded clinical protocol document
type Protocol struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Title     string         `gorm:"not null" json:"title"`
	Filename  string         `gorm:"not null" json:"filename"`
	Checksum  string         `gorm:"not null;uniqueIndex" json:"checksum"`
	Status    string         `gorm:"not null;default:'uploaded'" json:"status"`
	PageCount int            `gorm:"not null;default:0" json:"page_count"`

	CriteriaSets []CriteriaSet `gorm:"foreignKey:ProtocolID" json:"-"`
}

// CriteriaSet represents eligibility criteria extracted from a protocol
type CriteriaSet struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
	ProtocolID uuid.UUID      `gorm:"type:uuid;not null;index" json:"protocol_id"`
	Criteria   []byte         `gorm:"type:jsonb;not null" json:"criteria"`
	ModelName  string         `gorm:"not null" json:"model_name"`
	Grounded   bool           `gorm:"not null;default:false" json:"grounded"`
	Protocol   Protocol       `gorm:"foreignKey:ProtocolID" json:"-"`
}

// ProtocolUpload represents an incoming protocol upload payload
type ProtocolUpload struct {
	Title     string `json:"title"`
	Filename  string `json:"filename"`
	Checksum  string `json:"checksum"`
	PageCount int    `json:"page_count"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Protocol{},
		&CriteriaSet{},
		&OutboxEvent{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
