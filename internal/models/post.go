package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Post status constants
const (
	PostStatusDraft     = "draft"
	PostStatusApproved  = "approved"
	PostStatusRejected  = "rejected"
	PostStatusScheduled = "scheduled"
	PostStatusPublished = "published"
)

// postTransitions lists the review moves allowed from each status. Published
// posts are final.
var postTransitions = map[string][]string{
	PostStatusDraft:     {PostStatusApproved, PostStatusRejected},
	PostStatusApproved:  {PostStatusScheduled, PostStatusDraft},
	PostStatusRejected:  {PostStatusDraft},
	PostStatusScheduled: {PostStatusApproved, PostStatusPublished},
}

// Post is a social-media draft generated from a project's insights
type Post struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"projectId"`
	OwnerID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"ownerId"`
	InsightID    *uuid.UUID     `gorm:"type:uuid" json:"insightId,omitempty"`
	Platform     string         `gorm:"not null;default:'linkedin'" json:"platform"`
	Content      string         `gorm:"type:text;not null" json:"content"`
	Hashtags     datatypes.JSON `json:"hashtags"`
	Status       string         `gorm:"not null;default:'draft';index" json:"status"`
	ScheduledFor *time.Time     `gorm:"index" json:"scheduledFor,omitempty"`
	PublishedAt  *time.Time     `json:"publishedAt,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// BeforeCreate assigns a UUID when the caller did not set one.
func (p *Post) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// CanTransitionPost reports whether a post may move from one status to another.
func CanTransitionPost(from, to string) bool {
	for _, allowed := range postTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsPostStatus reports whether status is a known post status.
func IsPostStatus(status string) bool {
	switch status {
	case PostStatusDraft, PostStatusApproved, PostStatusRejected, PostStatusScheduled, PostStatusPublished:
		return true
	default:
		return false
	}
}
