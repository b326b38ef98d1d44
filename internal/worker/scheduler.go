package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/jimdaga/postflow/internal/config"
)

// StartScheduler creates and starts an Asynq Scheduler for periodic tasks.
// Returns a stop function for graceful shutdown.
func StartScheduler(cfg *config.Config, logger *slog.Logger) (stop func(), err error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	scheduler := asynq.NewScheduler(
		redisOpt,
		&asynq.SchedulerOpts{
			Location: time.UTC,
			LogLevel: asynq.InfoLevel,
			Logger:   &asynqLoggerAdapter{logger: logger},
		},
	)

	for _, entry := range periodicTasks(cfg) {
		entryID, err := scheduler.Register(entry.spec, entry.task)
		if err != nil {
			return nil, fmt.Errorf("failed to register %s schedule: %w", entry.task.Type(), err)
		}
		logger.Info("Registered periodic task", "task_type", entry.task.Type(), "schedule", entry.spec, "entry_id", entryID)
	}

	// Start scheduler (non-blocking)
	if err := scheduler.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}
	logger.Info("Scheduler started")

	return func() { scheduler.Shutdown() }, nil
}

type periodicTask struct {
	spec string
	task *asynq.Task
}

func periodicTasks(cfg *config.Config) []periodicTask {
	return []periodicTask{
		{
			spec: cfg.ReclaimSchedule,
			task: asynq.NewTask(
				TaskReclaimRuns,
				nil,
				asynq.MaxRetry(1),
				asynq.Timeout(time.Minute),
				asynq.Unique(time.Minute), // Prevent duplicate if scheduler runs twice
			),
		},
		{
			spec: cfg.PublishSchedule,
			task: asynq.NewTask(
				TaskPublishDue,
				nil,
				asynq.MaxRetry(3),
				asynq.Timeout(time.Minute),
				asynq.Unique(30*time.Second),
			),
		},
	}
}
