// Package projects persists projects and implements the checkpoint adapter and
// per-project run lock used by the processing pipeline.
package projects

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
	"github.com/jimdaga/postflow/internal/stage"
)

// Store is the gorm-backed project repository.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store on top of db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a new project in the initial stage. A blank title becomes the
// placeholder so the pipeline can generate one later.
func (s *Store) Create(ctx context.Context, ownerID uuid.UUID, title, transcript string) (*models.Project, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, apperr.Wrap(apperr.ErrUnprocessable, "projects", "create", "transcript is required", nil)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.PlaceholderTitle
	}

	project := models.Project{
		OwnerID:            ownerID,
		Title:              title,
		TranscriptOriginal: transcript,
		CurrentStage:       stage.Initial(),
	}
	if err := s.db.WithContext(ctx).Create(&project).Error; err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &project, nil
}

// Get loads a project by ID regardless of owner.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var project models.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Wrap(apperr.ErrNotFound, "projects", "get", "project not found", nil)
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &project, nil
}

// GetOwned loads a project and verifies ownerID owns it.
func (s *Store) GetOwned(ctx context.Context, id, ownerID uuid.UUID) (*models.Project, error) {
	project, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != ownerID {
		return nil, apperr.Wrap(apperr.ErrForbidden, "projects", "get", "project belongs to another user", nil)
	}
	return project, nil
}

// List returns the owner's projects, most recently updated first.
func (s *Store) List(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Project, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var projects []models.Project
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// UpdateTitle renames a project owned by ownerID.
func (s *Store) UpdateTitle(ctx context.Context, id, ownerID uuid.UUID, title string) (*models.Project, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.Wrap(apperr.ErrUnprocessable, "projects", "update title", "title must not be empty", nil)
	}
	if _, err := s.GetOwned(ctx, id, ownerID); err != nil {
		return nil, err
	}
	if err := s.Update(ctx, id, ownerID, models.ProjectUpdate{Title: &title}); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes a project owned by ownerID. Insights and posts go with it.
func (s *Store) Delete(ctx context.Context, id, ownerID uuid.UUID) error {
	if _, err := s.GetOwned(ctx, id, ownerID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&models.Post{}).Error; err != nil {
			return fmt.Errorf("delete posts: %w", err)
		}
		if err := tx.Where("project_id = ?", id).Delete(&models.Insight{}).Error; err != nil {
			return fmt.Errorf("delete insights: %w", err)
		}
		if err := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&models.Project{}).Error; err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		return nil
	})
}

// Update writes a partial set of fields scoped to the project and its owner. Writing
// the same values twice is harmless, and the call works after earlier failures in
// the same run.
func (s *Store) Update(ctx context.Context, id, ownerID uuid.UUID, update models.ProjectUpdate) error {
	if update.Empty() {
		return nil
	}
	cols := update.Columns()
	cols["updated_at"] = s.now()

	res := s.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("update project: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Wrap(apperr.ErrNotFound, "projects", "update", "project not found", nil)
	}
	return nil
}

// AdvanceStage moves a project from one stage to the next. The update only lands
// while the project is still in from and no processing run holds it.
func (s *Store) AdvanceStage(ctx context.Context, id, ownerID uuid.UUID, from, to stage.Stage) (*models.Project, error) {
	if err := stage.Validate(from, to); err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("id = ? AND owner_id = ? AND current_stage = ? AND run_id IS NULL", id, ownerID, from).
		Updates(map[string]interface{}{
			"current_stage": to,
			"updated_at":    s.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("advance stage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Wrap(apperr.ErrConflict, "projects", "advance stage", "project changed or is being processed", nil)
	}
	return s.Get(ctx, id)
}

// AcquireRun marks the project as held by runID. It succeeds only while the project
// is in the processing stage and no other live run holds it; a lock older than
// staleBefore is treated as abandoned. The check and the write are one statement, so
// two racing requests cannot both win.
func (s *Store) AcquireRun(ctx context.Context, id, ownerID uuid.UUID, runID string, staleBefore time.Time) error {
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("id = ? AND owner_id = ? AND current_stage = ?", id, ownerID, stage.Processing).
		Where("(run_id IS NULL OR run_started_at < ?)", staleBefore.UTC()).
		Updates(map[string]interface{}{
			"run_id":         runID,
			"run_started_at": now,
			"updated_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("acquire run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Wrap(apperr.ErrConflict, "projects", "acquire run", "processing already in progress", nil)
	}
	return nil
}

// ReleaseRun clears the run lock if runID still holds it.
func (s *Store) ReleaseRun(ctx context.Context, id uuid.UUID, runID string) error {
	err := s.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("id = ? AND run_id = ?", id, runID).
		Updates(map[string]interface{}{
			"run_id":         nil,
			"run_started_at": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	return nil
}

// ReleaseStaleRuns clears run locks taken before cutoff, left behind by runs whose
// process died. It returns the number of projects released.
func (s *Store) ReleaseStaleRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("run_id IS NOT NULL AND run_started_at < ?", cutoff.UTC()).
		Updates(map[string]interface{}{
			"run_id":         nil,
			"run_started_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release stale runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
