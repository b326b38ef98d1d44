package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/jimdaga/postflow/internal/apperr"
	"github.com/jimdaga/postflow/internal/config"
	"github.com/jimdaga/postflow/internal/content"
	"github.com/jimdaga/postflow/internal/pipeline"
	"github.com/jimdaga/postflow/internal/projects"
	"github.com/jimdaga/postflow/internal/streams"
)

// asynqLoggerAdapter wraps slog.Logger to implement asynq.Logger interface
type asynqLoggerAdapter struct {
	logger *slog.Logger
}

// Implement asynq.Logger interface methods
func (a *asynqLoggerAdapter) Debug(args ...interface{}) {
	a.logger.Debug(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Info(args ...interface{}) {
	a.logger.Info(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Warn(args ...interface{}) {
	a.logger.Warn(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Error(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Fatal(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}

// Deps are the services task handlers use. Publisher may be nil, in which case
// background runs are not observable while they execute.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Projects     *projects.Store
	Content      *content.Store
	Publisher    *streams.Publisher
	Logger       *slog.Logger
}

// Run starts the Asynq worker server and blocks until shutdown signal.
// Use this for standalone worker mode.
func Run(cfg *config.Config, deps Deps) error {
	srv, mux, err := newServer(cfg, deps)
	if err != nil {
		return err
	}
	return srv.Run(mux)
}

// Start starts the Asynq worker in non-blocking mode and returns a stop function.
// Use this for embedded mode so the caller can coordinate shutdown.
func Start(cfg *config.Config, deps Deps) (stop func(), err error) {
	srv, mux, err := newServer(cfg, deps)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	return func() { srv.Shutdown() }, nil
}

func newServer(cfg *config.Config, deps Deps) (*asynq.Server, *asynq.ServeMux, error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:     cfg.WorkerConcurrency,
			ShutdownTimeout: 30 * time.Second,
			ErrorHandler:    asynq.ErrorHandlerFunc(makeErrorHandler(logger)),
			Logger:          &asynqLoggerAdapter{logger: logger},
		},
	)

	logger.Info("Worker starting", "concurrency", cfg.WorkerConcurrency)
	return srv, NewMux(deps), nil
}

// NewMux registers the task handlers.
func NewMux(deps Deps) *asynq.ServeMux {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskProcessProject, handleProcessProject(deps))
	mux.HandleFunc(TaskReclaimRuns, handleReclaimRuns(deps))
	mux.HandleFunc(TaskPublishDue, handlePublishDue(deps))
	return mux
}

// handleProcessProject runs the processing pipeline for one project with events
// mirrored to Redis instead of an HTTP stream.
func handleProcessProject(deps Deps) func(context.Context, *asynq.Task) error {
	logger := deps.Logger
	return func(ctx context.Context, task *asynq.Task) error {
		var payload ProcessPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			// Invalid payload - don't retry
			return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
		}

		logger.Info("Processing project:process task", "project_id", payload.ProjectID.String())

		run, err := deps.Orchestrator.Start(ctx, payload.ProjectID, payload.OwnerID)
		if err != nil {
			if apperr.IsClientError(err) {
				logger.Warn("Project cannot be processed", "project_id", payload.ProjectID.String(), "error", err)
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return fmt.Errorf("start run: %w", err)
		}

		// Nobody reads this run live, so a Redis hiccup must not abort it.
		var mirror pipeline.Emitter
		if deps.Publisher != nil {
			mirror = deps.Publisher.Emitter(payload.ProjectID)
		}
		emitter := pipeline.Tee(pipeline.Discard, mirror)

		switch outcome := run.Execute(ctx, emitter); outcome {
		case pipeline.OutcomeComplete:
			return nil
		case pipeline.OutcomeCanceled:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("run canceled: %w", asynq.SkipRetry)
		default:
			return fmt.Errorf("run ended with %s: %w", outcome, asynq.SkipRetry)
		}
	}
}

// handleReclaimRuns clears run locks left behind by processes that died mid-run.
func handleReclaimRuns(deps Deps) func(context.Context, *asynq.Task) error {
	logger := deps.Logger
	return func(ctx context.Context, task *asynq.Task) error {
		cutoff := time.Now().Add(-deps.Orchestrator.StaleAfter())
		n, err := deps.Projects.ReleaseStaleRuns(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("reclaim runs: %w", err)
		}
		if n > 0 {
			logger.Info("Released stale run locks", "count", n)
		}
		return nil
	}
}

// handlePublishDue publishes scheduled posts whose time has come.
func handlePublishDue(deps Deps) func(context.Context, *asynq.Task) error {
	logger := deps.Logger
	return func(ctx context.Context, task *asynq.Task) error {
		n, err := deps.Content.PublishDue(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("publish due posts: %w", err)
		}
		if n > 0 {
			logger.Info("Published scheduled posts", "count", n)
		}
		return nil
	}
}

// makeErrorHandler creates an error handler function with logger closure.
func makeErrorHandler(logger *slog.Logger) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		logger.Error(
			"Task execution failed",
			"task_type", task.Type(),
			"error", err.Error(),
			"retry_count", retried,
			"max_retry", maxRetry,
		)

		// Check if this is the final failure (task will move to archive)
		if retried >= maxRetry {
			logger.Error(
				"Task archived (no retries left)",
				"task_type", task.Type(),
				"payload", string(task.Payload()),
			)
		}
	}
}
