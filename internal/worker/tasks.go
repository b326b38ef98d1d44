package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/jimdaga/postflow/internal/apperr"
)

// Task type constants
const (
	TaskProcessProject = "project:process"
	TaskReclaimRuns    = "project:reclaim-runs"
	TaskPublishDue     = "post:publish-due"
)

// ProcessPayload identifies the project a background run works on.
type ProcessPayload struct {
	ProjectID uuid.UUID `json:"project_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
}

// NewProcessProjectTask builds a processing task. Runs are never retried
// automatically; the user retries by starting processing again. Duplicate
// enqueues for the same project are rejected while one is pending.
func NewProcessProjectTask(projectID, ownerID uuid.UUID, runTimeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(ProcessPayload{ProjectID: projectID, OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskProcessProject,
		payload,
		asynq.MaxRetry(0),
		asynq.Timeout(runTimeout+time.Minute),
		asynq.Retention(24*time.Hour),
		asynq.Unique(runTimeout),
	), nil
}

// Client enqueues background work.
type Client struct {
	client     *asynq.Client
	runTimeout time.Duration
}

// NewClient connects an enqueue client to redisURL.
func NewClient(redisURL string, runTimeout time.Duration) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	return &Client{client: asynq.NewClient(opt), runTimeout: runTimeout}, nil
}

// EnqueueProcessProject schedules a background run and returns the task ID. A
// run already queued for the project is reported as apperr.ErrConflict.
func (c *Client) EnqueueProcessProject(ctx context.Context, projectID, ownerID uuid.UUID) (string, error) {
	task, err := NewProcessProjectTask(projectID, ownerID, c.runTimeout)
	if err != nil {
		return "", fmt.Errorf("build process task: %w", err)
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return "", apperr.Wrap(apperr.ErrConflict, "worker", "enqueue", "processing already queued", nil)
		}
		return "", fmt.Errorf("enqueue process task: %w", err)
	}
	return info.ID, nil
}

// Close closes the Asynq client connection gracefully.
func (c *Client) Close() error {
	return c.client.Close()
}
