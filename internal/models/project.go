package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jimdaga/postflow/internal/stage"
)

// PlaceholderTitle is assigned to projects created without a title. The pipeline
// replaces it with a generated title when it can.
const PlaceholderTitle = "Untitled Project"

// Processing step constants, persisted as the last completed checkpoint.
const (
	StepStarted             = "started"
	StepNormalizeTranscript = "normalize_transcript"
	StepInsightsReady       = "insights_ready"
	StepPostsReady          = "posts_ready"
	StepComplete            = "complete"
	StepError               = "error"
)

// Project is the unit of work: one transcript moving through the lifecycle stages.
type Project struct {
	ID                 uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID            uuid.UUID   `gorm:"type:uuid;not null;index" json:"ownerId"`
	Owner              User        `gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE;" json:"-"`
	Title              string      `gorm:"not null" json:"title"`
	TranscriptOriginal string      `gorm:"column:transcript_original;type:text;not null" json:"transcriptOriginal"`
	TranscriptCleaned  *string     `gorm:"column:transcript_cleaned;type:text" json:"transcriptCleaned"`
	CurrentStage       stage.Stage `gorm:"column:current_stage;not null;index" json:"currentStage"`
	ProcessingProgress *int        `gorm:"column:processing_progress" json:"processingProgress"`
	ProcessingStep     *string     `gorm:"column:processing_step" json:"processingStep"`
	RunID              *string     `gorm:"column:run_id" json:"-"`
	RunStartedAt       *time.Time  `gorm:"column:run_started_at" json:"-"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`

	Insights []Insight `gorm:"constraint:OnDelete:CASCADE;" json:"-"`
	Posts    []Post    `gorm:"constraint:OnDelete:CASCADE;" json:"-"`
}

// BeforeCreate assigns a UUID when the caller did not set one.
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Running reports whether a processing run currently holds the project.
func (p *Project) Running() bool {
	return p.RunID != nil && *p.RunID != ""
}

// HasCleanTranscript reports whether normalization already ran for this project.
func (p *Project) HasCleanTranscript() bool {
	return p.TranscriptCleaned != nil && strings.TrimSpace(*p.TranscriptCleaned) != ""
}

// IsPlaceholderTitle reports whether title still needs to be generated.
func IsPlaceholderTitle(title string) bool {
	trimmed := strings.TrimSpace(title)
	return trimmed == "" || trimmed == PlaceholderTitle
}

// ProjectUpdate is the partial field set written by a checkpoint. Nil fields are
// left untouched.
type ProjectUpdate struct {
	Title              *string
	TranscriptCleaned  *string
	CurrentStage       *stage.Stage
	ProcessingProgress *int
	ProcessingStep     *string
}

// Checkpoint builds an update recording a completed step at the given progress.
func Checkpoint(step string, progress int) ProjectUpdate {
	return ProjectUpdate{ProcessingStep: &step, ProcessingProgress: &progress}
}

// Empty reports whether the update carries no fields.
func (u ProjectUpdate) Empty() bool {
	return u.Title == nil && u.TranscriptCleaned == nil && u.CurrentStage == nil &&
		u.ProcessingProgress == nil && u.ProcessingStep == nil
}

// Columns converts the update into a column map for gorm's Updates.
func (u ProjectUpdate) Columns() map[string]interface{} {
	cols := make(map[string]interface{}, 5)
	if u.Title != nil {
		cols["title"] = *u.Title
	}
	if u.TranscriptCleaned != nil {
		cols["transcript_cleaned"] = *u.TranscriptCleaned
	}
	if u.CurrentStage != nil {
		cols["current_stage"] = *u.CurrentStage
	}
	if u.ProcessingProgress != nil {
		cols["processing_progress"] = *u.ProcessingProgress
	}
	if u.ProcessingStep != nil {
		cols["processing_step"] = *u.ProcessingStep
	}
	return cols
}

// Apply copies the set fields onto p. Used to keep an in-memory snapshot in step
// with what was persisted.
func (u ProjectUpdate) Apply(p *Project) {
	if u.Title != nil {
		p.Title = *u.Title
	}
	if u.TranscriptCleaned != nil {
		v := *u.TranscriptCleaned
		p.TranscriptCleaned = &v
	}
	if u.CurrentStage != nil {
		p.CurrentStage = *u.CurrentStage
	}
	if u.ProcessingProgress != nil {
		v := *u.ProcessingProgress
		p.ProcessingProgress = &v
	}
	if u.ProcessingStep != nil {
		v := *u.ProcessingStep
		p.ProcessingStep = &v
	}
}
