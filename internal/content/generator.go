// Package content stores the insights and post drafts produced during
// processing and implements the post review workflow.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/jimdaga/postflow/internal/ai"
	"github.com/jimdaga/postflow/internal/models"
)

// Drafter produces insight and post drafts.
type Drafter interface {
	ExtractInsights(ctx context.Context, transcript string, n int) ([]ai.InsightDraft, error)
	DraftPosts(ctx context.Context, transcript string, insights []ai.InsightDraft, limit int) ([]ai.PostDraft, error)
}

// Generator turns drafts into stored insights and posts. Each call replaces the
// project's previous output, so a retried run never duplicates rows.
type Generator struct {
	db      *gorm.DB
	drafter Drafter
}

// NewGenerator creates a Generator.
func NewGenerator(db *gorm.DB, drafter Drafter) *Generator {
	return &Generator{db: db, drafter: drafter}
}

// GenerateInsights extracts up to target insights and stores them. Posts from an
// earlier run are dropped with the insights they pointed at.
func (g *Generator) GenerateInsights(ctx context.Context, projectID uuid.UUID, transcript string, target int) (int, error) {
	drafts, err := g.drafter.ExtractInsights(ctx, transcript, target)
	if err != nil {
		return 0, err
	}

	insights := make([]models.Insight, 0, len(drafts))
	for i, d := range drafts {
		if strings.TrimSpace(d.Title) == "" {
			continue
		}
		insights = append(insights, models.Insight{
			ProjectID: projectID,
			Position:  i + 1,
			Title:     strings.TrimSpace(d.Title),
			Summary:   strings.TrimSpace(d.Summary),
			Quote:     strings.TrimSpace(d.Quote),
			Category:  strings.TrimSpace(d.Category),
			Tags:      jsonList(d.Tags),
		})
	}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&models.Post{}).Error; err != nil {
			return fmt.Errorf("delete previous posts: %w", err)
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.Insight{}).Error; err != nil {
			return fmt.Errorf("delete previous insights: %w", err)
		}
		if len(insights) == 0 {
			return nil
		}
		if err := tx.Create(&insights).Error; err != nil {
			return fmt.Errorf("create insights: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(insights), nil
}

// GeneratePosts drafts up to limit posts from the project's stored insights.
func (g *Generator) GeneratePosts(ctx context.Context, ownerID, projectID uuid.UUID, transcript string, limit int) (int, error) {
	var insights []models.Insight
	if err := g.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("position ASC").
		Find(&insights).Error; err != nil {
		return 0, fmt.Errorf("load insights: %w", err)
	}
	if len(insights) == 0 {
		// Nothing to build on; clear any stale drafts and report zero.
		if err := g.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.Post{}).Error; err != nil {
			return 0, fmt.Errorf("delete previous posts: %w", err)
		}
		return 0, nil
	}

	inputs := make([]ai.InsightDraft, len(insights))
	for i, in := range insights {
		inputs[i] = ai.InsightDraft{Title: in.Title, Summary: in.Summary, Quote: in.Quote, Category: in.Category}
	}
	drafts, err := g.drafter.DraftPosts(ctx, transcript, inputs, limit)
	if err != nil {
		return 0, err
	}

	posts := make([]models.Post, 0, len(drafts))
	for _, d := range drafts {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		post := models.Post{
			ProjectID: projectID,
			OwnerID:   ownerID,
			Platform:  normalizePlatform(d.Platform),
			Content:   strings.TrimSpace(d.Content),
			Hashtags:  jsonList(d.Hashtags),
			Status:    models.PostStatusDraft,
		}
		if d.Insight >= 1 && d.Insight <= len(insights) {
			id := insights[d.Insight-1].ID
			post.InsightID = &id
		}
		posts = append(posts, post)
	}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&models.Post{}).Error; err != nil {
			return fmt.Errorf("delete previous posts: %w", err)
		}
		if len(posts) == 0 {
			return nil
		}
		if err := tx.Create(&posts).Error; err != nil {
			return fmt.Errorf("create posts: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(posts), nil
}

func normalizePlatform(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "x", "twitter":
		return "x"
	default:
		return "linkedin"
	}
}

func jsonList(items []string) datatypes.JSON {
	clean := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			clean = append(clean, s)
		}
	}
	data, _ := json.Marshal(clean)
	return datatypes.JSON(data)
}
