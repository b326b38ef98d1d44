// Package streams mirrors processing events into Redis Streams so a client that
// reconnects, or a run executed by the background worker, can be followed live.
package streams

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jimdaga/postflow/internal/pipeline"
)

// StreamPrefix is prepended to the project ID to form the stream key.
const StreamPrefix = "project:events:"

// Schema version constant
const (
	SchemaVersionV1 = "v1"
)

const (
	defaultMaxLen = 500
	streamTTL     = 24 * time.Hour
)

// StreamKey returns the Redis key holding a project's latest run.
func StreamKey(projectID uuid.UUID) string {
	return StreamPrefix + projectID.String()
}

// Message is one event read back from a stream.
type Message struct {
	ID          string
	Event       pipeline.Event
	PublishedAt time.Time
}

// NewClient parses redisURL and returns a client suitable for blocking reads.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	// Read timeout must exceed the XRead Block duration to avoid spurious
	// i/o timeout errors on idle streams.
	opts.ReadTimeout = 10 * time.Second
	return redis.NewClient(opts), nil
}

func encode(ev pipeline.Event, now time.Time) (map[string]interface{}, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return map[string]interface{}{
		"payload":        string(payload),
		"published_at":   now.UnixMilli(),
		"schema_version": SchemaVersionV1,
	}, nil
}

func decode(msg redis.XMessage) (Message, error) {
	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		return Message{}, fmt.Errorf("message %s has no payload", msg.ID)
	}
	var ev pipeline.Event
	if err := json.Unmarshal([]byte(payloadStr), &ev); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal event %s: %w", msg.ID, err)
	}
	out := Message{ID: msg.ID, Event: ev}
	if raw, ok := msg.Values["published_at"].(string); ok {
		var ms int64
		if _, err := fmt.Sscan(raw, &ms); err == nil {
			out.PublishedAt = time.UnixMilli(ms).UTC()
		}
	}
	return out, nil
}
