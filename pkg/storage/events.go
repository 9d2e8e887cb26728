package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/pkg/ladder"
)

// Redis pub/sub channels for downstream consumers.
const (
	ChannelLadderUpdated     = "ladder:events:updated"
	ChannelCharacterActivity = "ladder:events:activity"
)

// RedisEventSink publishes pass notifications on Redis pub/sub. Consumers
// that miss a message simply wait for the next pass; events are signals, not
// a durable log.
type RedisEventSink struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewRedisEventSink creates a sink over an existing Redis client.
func NewRedisEventSink(redisClient *redis.Client, logger zerolog.Logger) *RedisEventSink {
	return &RedisEventSink{
		redis:  redisClient,
		logger: logger.With().Str("component", "event-sink").Logger(),
	}
}

// LadderUpdated publishes the coverage actually touched this pass.
func (s *RedisEventSink) LadderUpdated(ctx context.Context, c ladder.Coverage) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal coverage: %w", err)
	}
	if err := s.redis.Publish(ctx, ChannelLadderUpdated, payload).Err(); err != nil {
		return fmt.Errorf("publish ladder updated: %w", err)
	}
	s.logger.Debug().
		Int("season", c.Season).
		Int("regions", len(c.Regions)).
		Msg("ladder updated event published")
	return nil
}

// CharacterActivity publishes one batch of characters seen active.
func (s *RedisEventSink) CharacterActivity(ctx context.Context, chars []ladder.Character) error {
	payload, err := json.Marshal(chars)
	if err != nil {
		return fmt.Errorf("marshal characters: %w", err)
	}
	if err := s.redis.Publish(ctx, ChannelCharacterActivity, payload).Err(); err != nil {
		return fmt.Errorf("publish character activity: %w", err)
	}
	return nil
}

// NopEventSink drops all events. Used when no Redis is configured.
type NopEventSink struct{}

func (NopEventSink) LadderUpdated(context.Context, ladder.Coverage) error        { return nil }
func (NopEventSink) CharacterActivity(context.Context, []ladder.Character) error { return nil }
