package streams

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jimdaga/postflow/internal/pipeline"
)

// Follower reads a project's stream from a given position, blocking for new
// entries until the run ends.
type Follower struct {
	rdb    *redis.Client
	logger *slog.Logger
	block  time.Duration
}

// NewFollower creates a Follower on top of rdb.
func NewFollower(rdb *redis.Client, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{rdb: rdb, logger: logger, block: 5 * time.Second}
}

// Follow delivers entries after lastID to handler, oldest first. An empty
// lastID replays the whole run. Whenever a Block period passes with nothing
// new, handler gets a ping Message with an empty ID so callers can keep the
// connection alive and decide whether to keep waiting. It returns nil after
// delivering a terminal event, the handler's error if it fails, or ctx's
// error when canceled.
func (f *Follower) Follow(ctx context.Context, projectID uuid.UUID, lastID string, handler func(Message) error) error {
	if lastID == "" {
		lastID = "0"
	}
	key := StreamKey(projectID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := f.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   50,
			Block:   f.block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Blocking reads return nil or a timeout when nothing arrives within
			// the Block duration. That is normal, not an error.
			var netErr net.Error
			if errors.Is(err, redis.Nil) || (errors.As(err, &netErr) && netErr.Timeout()) {
				if err := handler(idleMessage(time.Now())); err != nil {
					return err
				}
				continue
			}
			return err
		}

		for _, stream := range res {
			for _, raw := range stream.Messages {
				lastID = raw.ID
				msg, err := decode(raw)
				if err != nil {
					f.logger.Error("Skipping unreadable stream entry", "stream", key, "error", err)
					continue
				}
				if err := handler(msg); err != nil {
					return err
				}
				if msg.Event.Terminal() {
					return nil
				}
			}
		}
	}
}

// Replay delivers the entries stored after lastID and returns once the stream
// is exhausted or a terminal event was delivered. It never waits for new
// entries, so it suits runs that are no longer executing.
func (f *Follower) Replay(ctx context.Context, projectID uuid.UUID, lastID string, handler func(Message) error) error {
	start := "-"
	if lastID != "" {
		start = "(" + lastID
	}
	key := StreamKey(projectID)

	entries, err := f.rdb.XRange(ctx, key, start, "+").Result()
	if err != nil {
		return err
	}
	for _, raw := range entries {
		msg, err := decode(raw)
		if err != nil {
			f.logger.Error("Skipping unreadable stream entry", "stream", key, "error", err)
			continue
		}
		if err := handler(msg); err != nil {
			return err
		}
		if msg.Event.Terminal() {
			return nil
		}
	}
	return nil
}

func idleMessage(now time.Time) Message {
	return Message{
		Event:       pipeline.Event{Name: pipeline.EventPing, Data: map[string]any{"t": now.UnixMilli()}},
		PublishedAt: now.UTC(),
	}
}

// Latest returns the most recent entry of a project's stream, if any.
func (f *Follower) Latest(ctx context.Context, projectID uuid.UUID) (*Message, error) {
	entries, err := f.rdb.XRevRangeN(ctx, StreamKey(projectID), "+", "-", 1).Result()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	msg, err := decode(entries[0])
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
