// Package events carries domain events out of the core. The core only
// sees the Broadcaster interface; transports live here as adapters.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"email-triage/internal/models"
)

// Broadcaster is a fire-and-forget event sink. Publish errors are the
// adapter's problem; the pipeline never blocks or fails on them.
type Broadcaster interface {
	Publish(ctx context.Context, ev models.Event)
}

// Redis publishes events on a per-subject pub/sub channel for the UI's
// streaming layer to fan out.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedis builds the pub/sub adapter.
func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	return &Redis{client: client, log: log}
}

func (r *Redis) channel(subjectID string) string {
	if subjectID == "" {
		return "events:all"
	}
	return fmt.Sprintf("events:%s", subjectID)
}

func (r *Redis) Publish(ctx context.Context, ev models.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		r.log.Warn("marshal event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, r.channel(ev.SubjectID), body).Err(); err != nil {
		r.log.Warn("publish event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// Log writes events to the structured log. Used in dev and as a fallback
// transport.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (l *Log) Publish(_ context.Context, ev models.Event) {
	l.log.Info("event",
		zap.String("kind", string(ev.Kind)),
		zap.String("subject_id", ev.SubjectID),
		zap.Any("data", ev.Data),
	)
}

// Multi fans one event out to several sinks.
type Multi []Broadcaster

func (m Multi) Publish(ctx context.Context, ev models.Event) {
	for _, b := range m {
		b.Publish(ctx, ev)
	}
}

// Discard drops everything. Handy in tests.
type Discard struct{}

func (Discard) Publish(context.Context, models.Event) {}
