// Package pipeline drives a project through transcript normalization, insight
// extraction and post drafting while streaming progress events to the caller.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jimdaga/postflow/internal/apperr"
	"github.com/jimdaga/postflow/internal/models"
	"github.com/jimdaga/postflow/internal/stage"
)

// MaxTitleLength caps generated titles, counted in runes.
const MaxTitleLength = 120

// Store is the persistence the orchestrator needs.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	AcquireRun(ctx context.Context, id, ownerID uuid.UUID, runID string, staleBefore time.Time) error
	ReleaseRun(ctx context.Context, id uuid.UUID, runID string) error
	Update(ctx context.Context, id, ownerID uuid.UUID, update models.ProjectUpdate) error
}

// TranscriptNormalizer cleans a raw transcript.
type TranscriptNormalizer interface {
	NormalizeTranscript(ctx context.Context, raw string) (string, error)
}

// TitleGenerator proposes a short title for a transcript.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, transcript string) (string, error)
}

// InsightGenerator extracts insights for a project and returns how many it stored.
type InsightGenerator interface {
	GenerateInsights(ctx context.Context, projectID uuid.UUID, transcript string, target int) (int, error)
}

// PostGenerator drafts posts for a project and returns how many it stored.
type PostGenerator interface {
	GeneratePosts(ctx context.Context, ownerID, projectID uuid.UUID, transcript string, limit int) (int, error)
}

// Collaborators groups the external services a run calls. Titles may be nil.
type Collaborators struct {
	Normalizer TranscriptNormalizer
	Titles     TitleGenerator
	Insights   InsightGenerator
	Posts      PostGenerator
}

// Config tunes timers and generation sizes.
type Config struct {
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	StepDelay         time.Duration
	InsightTarget     int
	PostLimit         int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.InsightTarget <= 0 {
		c.InsightTarget = 7
	}
	if c.PostLimit <= 0 {
		c.PostLimit = 7
	}
	return c
}

// staleAfter is how long a run lock is honored. Past it the holder is assumed dead.
func (c Config) staleAfter() time.Duration {
	return c.Timeout + time.Minute
}

// Orchestrator checks preconditions and hands out runs.
type Orchestrator struct {
	store  Store
	collab Collaborators
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(store Store, collab Collaborators, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:  store,
		collab: collab,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// StaleAfter reports how old a run lock must be before it can be reclaimed.
func (o *Orchestrator) StaleAfter() time.Duration {
	return o.cfg.staleAfter()
}

// Start validates that ownerID may process the project and takes the run lock.
// Nothing is emitted or persisted on failure apart from the lock itself, so
// callers can answer with a plain error response.
func (o *Orchestrator) Start(ctx context.Context, projectID, ownerID uuid.UUID) (*Run, error) {
	project, err := o.store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != ownerID {
		return nil, apperr.Wrap(apperr.ErrForbidden, "pipeline", "start", "project belongs to another user", nil)
	}
	if project.CurrentStage != stage.Processing {
		return nil, apperr.Wrap(apperr.ErrUnprocessable, "pipeline", "start", "not in processing stage", nil)
	}

	runID := uuid.NewString()
	staleBefore := o.now().Add(-o.cfg.staleAfter())
	if err := o.store.AcquireRun(ctx, projectID, ownerID, runID, staleBefore); err != nil {
		return nil, err
	}

	return &Run{
		id:      runID,
		project: project,
		store:   o.store,
		collab:  o.collab,
		cfg:     o.cfg,
		now:     o.now,
		logger:  o.logger.With("project_id", projectID.String(), "run_id", runID),
	}, nil
}
