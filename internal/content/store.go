package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jimdaga/postflow/internal/apperr"
	"github.com/jimdaga/postflow/internal/models"
)

// Store reads insights and posts and applies review changes to posts.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ListInsights returns a project's insights in extraction order.
func (s *Store) ListInsights(ctx context.Context, projectID uuid.UUID) ([]models.Insight, error) {
	var insights []models.Insight
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("position ASC").
		Find(&insights).Error; err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	return insights, nil
}

// ListPosts returns a project's posts, optionally filtered by status.
func (s *Store) ListPosts(ctx context.Context, projectID uuid.UUID, status string) ([]models.Post, error) {
	query := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if status != "" {
		if !models.IsPostStatus(status) {
			return nil, apperr.Wrap(apperr.ErrUnprocessable, "content", "list posts", "unknown status "+status, nil)
		}
		query = query.Where("status = ?", status)
	}
	var posts []models.Post
	if err := query.Order("created_at ASC").Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

// GetPost loads a post owned by ownerID.
func (s *Store) GetPost(ctx context.Context, id, ownerID uuid.UUID) (*models.Post, error) {
	var post models.Post
	if err := s.db.WithContext(ctx).First(&post, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Wrap(apperr.ErrNotFound, "content", "get post", "post not found", nil)
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	if post.OwnerID != ownerID {
		return nil, apperr.Wrap(apperr.ErrForbidden, "content", "get post", "post belongs to another user", nil)
	}
	return &post, nil
}

// PostUpdate carries the review changes for a post. Nil fields are left alone.
type PostUpdate struct {
	Content      *string
	Status       *string
	ScheduledFor *time.Time
}

// UpdatePost applies edits and status changes. Published posts are read only,
// status changes must follow the review workflow, and scheduling needs a time in
// the future.
func (s *Store) UpdatePost(ctx context.Context, id, ownerID uuid.UUID, update PostUpdate) (*models.Post, error) {
	post, err := s.GetPost(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if post.Status == models.PostStatusPublished {
		return nil, apperr.Wrap(apperr.ErrUnprocessable, "content", "update post", "published posts cannot be changed", nil)
	}

	now := s.now()
	cols := map[string]interface{}{}

	if update.Content != nil {
		content := strings.TrimSpace(*update.Content)
		if content == "" {
			return nil, apperr.Wrap(apperr.ErrUnprocessable, "content", "update post", "content must not be empty", nil)
		}
		cols["content"] = content
	}

	status := post.Status
	if update.Status != nil && *update.Status != post.Status {
		next := *update.Status
		if !models.IsPostStatus(next) {
			return nil, apperr.Wrap(apperr.ErrUnprocessable, "content", "update post", "unknown status "+next, nil)
		}
		if !models.CanTransitionPost(post.Status, next) {
			return nil, apperr.Wrap(apperr.ErrUnprocessable, "content", "update post",
				fmt.Sprintf("cannot move post from %s to %s", post.Status, next), nil)
		}
		status = next
		cols["status"] = next
		if next == models.PostStatusPublished {
			cols["published_at"] = now
		}
		if post.Status == models.PostStatusScheduled && next != models.PostStatusPublished {
			cols["scheduled_for"] = nil
		}
	}

	if update.ScheduledFor != nil {
		if status != models.PostStatusScheduled {
			return nil, apperr.Wrap(apperr.ErrUnprocessable, "content", "update post", "only scheduled posts take a schedule time", nil)
		}
		if !update.ScheduledFor.After(now) {
			return nil, apperr.Wrap(apperr.ErrUnprocessable, "content", "update post", "schedule time must be in the future", nil)
		}
		cols["scheduled_for"] = update.ScheduledFor.UTC()
	} else if status == models.PostStatusScheduled && post.Status != models.PostStatusScheduled {
		return nil, apperr.Wrap(apperr.ErrUnprocessable, "content", "update post", "scheduling requires scheduledFor", nil)
	}

	if len(cols) == 0 {
		return post, nil
	}
	cols["updated_at"] = now

	res := s.db.WithContext(ctx).
		Model(&models.Post{}).
		Where("id = ? AND owner_id = ? AND status = ?", id, ownerID, post.Status).
		Updates(cols)
	if res.Error != nil {
		return nil, fmt.Errorf("update post: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Wrap(apperr.ErrConflict, "content", "update post", "post changed concurrently", nil)
	}
	return s.GetPost(ctx, id, ownerID)
}

// PublishDue marks scheduled posts whose time has come as published and returns
// how many were published.
func (s *Store) PublishDue(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	res := s.db.WithContext(ctx).
		Model(&models.Post{}).
		Where("status = ? AND scheduled_for <= ?", models.PostStatusScheduled, now).
		Updates(map[string]interface{}{
			"status":       models.PostStatusPublished,
			"published_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("publish due posts: %w", res.Error)
	}
	return res.RowsAffected, nil
}
