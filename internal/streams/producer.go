package streams

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jimdaga/postflow/internal/pipeline"
)

// Publisher appends pipeline events to per-project streams.
type Publisher struct {
	rdb    *redis.Client
	logger *slog.Logger
	maxLen int64
	now    func() time.Time
}

// NewPublisher creates a Publisher on top of rdb.
func NewPublisher(rdb *redis.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{rdb: rdb, logger: logger, maxLen: defaultMaxLen, now: time.Now}
}

// Publish appends ev to the project's stream and returns the entry ID.
// Heartbeats are not stored. A started event begins a new run, so the previous
// run's entries are dropped first.
func (p *Publisher) Publish(ctx context.Context, projectID uuid.UUID, ev pipeline.Event) (string, error) {
	if ev.Name == pipeline.EventPing {
		return "", nil
	}
	values, err := encode(ev, p.now())
	if err != nil {
		return "", err
	}

	key := StreamKey(projectID)
	var add *redis.StringCmd
	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if ev.Name == pipeline.EventStarted {
			pipe.Del(ctx, key)
		}
		add = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: p.maxLen,
			Approx: true,
			ID:     "*",
			Values: values,
		})
		pipe.Expire(ctx, key, streamTTL)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream: %w", err)
	}
	return add.Val(), nil
}

// Emitter adapts the publisher to a pipeline.Emitter for one project. Failures
// are logged and returned.
func (p *Publisher) Emitter(projectID uuid.UUID) pipeline.Emitter {
	return pipeline.EmitterFunc(func(ctx context.Context, ev pipeline.Event) error {
		// The run may outlive the request that started it.
		if _, err := p.Publish(context.WithoutCancel(ctx), projectID, ev); err != nil {
			p.logger.Warn("Failed to mirror processing event",
				"project_id", projectID.String(),
				"event", ev.Name,
				"error", err,
			)
			return err
		}
		return nil
	})
}

// Close closes the Redis client connection
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
