package main

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/jimdaga/postflow/internal/ai"
	"github.com/jimdaga/postflow/internal/config"
	"github.com/jimdaga/postflow/internal/content"
	"github.com/jimdaga/postflow/internal/database"
	"github.com/jimdaga/postflow/internal/logging"
	"github.com/jimdaga/postflow/internal/pipeline"
	"github.com/jimdaga/postflow/internal/projects"
	"github.com/jimdaga/postflow/internal/prompts"
	"github.com/jimdaga/postflow/internal/streams"
)

// app holds the services shared by the serve and worker commands.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	db           *gorm.DB
	rdb          *redis.Client
	projects     *projects.Store
	content      *content.Store
	orchestrator *pipeline.Orchestrator
	publisher    *streams.Publisher
	follower     *streams.Follower
}

// loadBase reads configuration and connects to the database.
func loadBase() (*config.Config, *slog.Logger, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	db, err := database.Init(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, logger, db, nil
}

func newApp() (*app, error) {
	cfg, logger, db, err := loadBase()
	if err != nil {
		return nil, err
	}

	if err := database.RunMigrations(db, logger); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	registry, err := prompts.Load(cfg.PromptsDir, logger)
	if err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	client := ai.NewClient(ai.Config{
		BaseURL:  cfg.AIBaseURL,
		APIKey:   cfg.AIAPIKey,
		Model:    cfg.AIModel,
		StubMode: cfg.AIStubMode,
	}, registry)
	if client.StubMode() {
		logger.Warn("AI stub mode enabled, drafts are generated locally")
	}

	generator := content.NewGenerator(db, client)
	projectStore := projects.NewStore(db)
	orchestrator := pipeline.New(projectStore, pipeline.Collaborators{
		Normalizer: client,
		Titles:     client,
		Insights:   generator,
		Posts:      generator,
	}, pipeline.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Timeout:           cfg.ProcessTimeout,
		StepDelay:         cfg.StepDelay,
		InsightTarget:     cfg.InsightTarget,
		PostLimit:         cfg.PostLimit,
	}, logger)

	a := &app{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		projects:     projectStore,
		content:      content.NewStore(db),
		orchestrator: orchestrator,
	}

	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, event replay and background processing are disabled")
		return a, nil
	}
	rdb, err := streams.NewClient(cfg.RedisURL)
	if err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.rdb = rdb
	a.publisher = streams.NewPublisher(rdb, logger)
	a.follower = streams.NewFollower(rdb, logger)
	return a, nil
}

func (a *app) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", "error", err)
		}
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}
