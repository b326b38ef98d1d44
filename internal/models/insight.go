package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Insight is a notable point extracted from a project's transcript
type Insight struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID      `gorm:"type:uuid;not null;index" json:"projectId"`
	Position  int            `gorm:"not null;default:0" json:"position"`
	Title     string         `gorm:"not null" json:"title"`
	Summary   string         `gorm:"type:text;not null;default:''" json:"summary"`
	Quote     string         `gorm:"type:text;not null;default:''" json:"quote"`
	Category  string         `gorm:"not null;default:''" json:"category"`
	Tags      datatypes.JSON `json:"tags"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// BeforeCreate assigns a UUID when the caller did not set one.
func (i *Insight) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
