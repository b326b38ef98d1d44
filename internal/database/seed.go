package database

import (
	"log/slog"

	"gorm.io/gorm"

	"github.com/jimdaga/postflow/internal/models"
	"github.com/jimdaga/postflow/internal/stage"
)

const devUserEmail = "dev@postflow.local"

const sampleTranscript = `Host: So, um, welcome back everyone. Today I'm talking with Dana about how her team cut onboarding time in half.
Dana: Yeah, thanks. So the big thing was, uh, we stopped doing onboarding as a week of meetings. We turned it into a checklist people could do on their own, and we paired every new hire with a buddy.
Host: And what happened to the support load?
Dana: It dropped, like, a lot. The buddies answered the questions before they turned into tickets. And honestly the biggest lesson was that you have to write things down. If it only lives in someone's head, it doesn't scale.`

// SeedDevData populates the database with development test data.
// Idempotent: skips if data already exists.
func SeedDevData(db *gorm.DB, logger *slog.Logger) error {
	var existingUser models.User
	result := db.Where("email = ?", devUserEmail).First(&existingUser)
	if result.Error == nil {
		logger.Info("seed data already exists, skipping")
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		user := models.User{
			Email: devUserEmail,
			Name:  "Dev User",
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}

		// A fresh project waiting for its first processing run
		fresh := models.Project{
			OwnerID:            user.ID,
			Title:              models.PlaceholderTitle,
			TranscriptOriginal: sampleTranscript,
			CurrentStage:       stage.Initial(),
		}
		if err := tx.Create(&fresh).Error; err != nil {
			return err
		}

		// A project already past processing, for exercising the post review endpoints
		cleaned := sampleTranscript
		progress := 100
		step := models.StepComplete
		done := models.Project{
			OwnerID:            user.ID,
			Title:              "Onboarding with buddies",
			TranscriptOriginal: sampleTranscript,
			TranscriptCleaned:  &cleaned,
			CurrentStage:       stage.Posts,
			ProcessingProgress: &progress,
			ProcessingStep:     &step,
		}
		if err := tx.Create(&done).Error; err != nil {
			return err
		}

		post := models.Post{
			ProjectID: done.ID,
			OwnerID:   user.ID,
			Platform:  "linkedin",
			Content:   "Onboarding is not a week of meetings. Write it down, give every new hire a buddy, and watch the support queue shrink.",
			Status:    models.PostStatusDraft,
		}
		if err := tx.Create(&post).Error; err != nil {
			return err
		}

		logger.Info("seeded dev data", "user_id", user.ID, "projects", 2, "posts", 1)
		return nil
	})
}
