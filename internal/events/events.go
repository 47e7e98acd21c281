// Package events publishes agent lifecycle events for external
// consumers (dashboards, bots) over Redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel lifecycle events are published on.
const Channel = "matriarch:agents"

// Event types.
const (
	TypeCreated = "agent.created"
	TypeUpdated = "agent.updated"
	TypeDeleted = "agent.deleted"
	TypeStarted = "agent.started"
	TypeStopped = "agent.stopped"
)

// Event is one agent lifecycle notification.
type Event struct {
	ID    string    `json:"id"`
	Type  string    `json:"type"`
	Agent string    `json:"agent"` // normalized agent key
	At    time.Time `json:"at"`
}

// New builds an event for the given type and agent key.
func New(typ, agent string) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Agent: agent,
		At:    time.Now().UTC(),
	}
}

// Publisher delivers lifecycle events. Delivery is best-effort: a
// failed publish never fails the lifecycle operation that produced it.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// RedisPublisher publishes events on the Channel pub/sub channel.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher creates a Redis-backed publisher.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Publish sends the event, logging (not returning) failures.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Error("events: marshal event", "error", err)
		return
	}
	if err := p.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		slog.Error("events: publish",
			slog.String("type", e.Type),
			slog.String("agent", e.Agent),
			slog.String("error", err.Error()),
		)
	}
}

// NopPublisher discards all events. Used in tests and redis-less runs.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(context.Context, Event) {}
