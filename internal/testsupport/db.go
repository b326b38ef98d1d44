// Package testsupport provides shared fixtures for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jimdaga/postflow/internal/database"
	"github.com/jimdaga/postflow/internal/models"
	"github.com/jimdaga/postflow/internal/stage"
)

// NewDB opens a migrated SQLite database in a temp directory.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "postflow.db") +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := database.Open(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("underlying sql.DB: %v", err)
	}
	// One connection keeps SQLite writers from tripping over each other.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

// CreateUser inserts a user with a unique email.
func CreateUser(t *testing.T, db *gorm.DB) models.User {
	t.Helper()
	user := models.User{Email: uuid.NewString() + "@example.test", Name: "Test User"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

// ProjectOption customizes a project created by CreateProject.
type ProjectOption func(*models.Project)

// WithStage sets the project's current stage.
func WithStage(s stage.Stage) ProjectOption {
	return func(p *models.Project) { p.CurrentStage = s }
}

// WithTitle sets the project's title.
func WithTitle(title string) ProjectOption {
	return func(p *models.Project) { p.Title = title }
}

// WithCleanTranscript marks the transcript as already normalized.
func WithCleanTranscript(text string) ProjectOption {
	return func(p *models.Project) { p.TranscriptCleaned = &text }
}

// CreateProject inserts a processing-stage project owned by ownerID.
func CreateProject(t *testing.T, db *gorm.DB, ownerID uuid.UUID, opts ...ProjectOption) models.Project {
	t.Helper()
	project := models.Project{
		OwnerID:            ownerID,
		Title:              models.PlaceholderTitle,
		TranscriptOriginal: "Host: um, so, welcome. Guest: thanks, uh, glad to be here.",
		CurrentStage:       stage.Processing,
	}
	for _, opt := range opts {
		opt(&project)
	}
	if err := db.Create(&project).Error; err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}
