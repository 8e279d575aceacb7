// Package events is the outward notification boundary: review events are
// published to a Redis channel for CI triggers and listeners. Publishing is
// fire-and-forget; a lost event never rolls back the mutation it reports.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event types carried on the stream.
const (
	TypeChangeCreated   = "change-created"
	TypePatchSetCreated = "patchset-created"
	TypeChangeMerged    = "change-merged"
	TypeChangeAbandoned = "change-abandoned"
	TypeChangeRestored  = "change-restored"
	TypeVoteCast        = "vote-cast"
	TypeTopicChanged    = "topic-changed"
)

// Event is the envelope published for every review event.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Project      string         `json:"project"`
	ChangeNumber int64          `json:"changeNumber,omitempty"`
	ChangeKey    string         `json:"changeKey,omitempty"`
	PatchSet     int            `json:"patchSet,omitempty"`
	Actor        string         `json:"actor"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Publisher emits events on a Redis pub/sub channel. A nil Publisher is a
// no-op, which is how deployments without Redis run.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(redisURL, channel string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Publisher{client: client, channel: channel}, nil
}

// NewPublisherWithClient wraps an existing Redis client, used by tests.
func NewPublisherWithClient(client *redis.Client, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// Emit publishes the event on a goroutine. Failures are logged and
// swallowed; callers never wait on the publish.
func (p *Publisher) Emit(event Event) {
	if p == nil {
		return
	}
	event.ID = uuid.NewString()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.publish(ctx, event); err != nil {
			slog.Warn("event publish failed",
				slog.String("type", event.Type),
				slog.String("project", event.Project),
				slog.Any("error", err))
		}
	}()
}

// EmitSync publishes the event on the calling goroutine, used by tests.
func (p *Publisher) EmitSync(ctx context.Context, event Event) error {
	if p == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return p.publish(ctx, event)
}

func (p *Publisher) publish(ctx context.Context, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, encoded).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
