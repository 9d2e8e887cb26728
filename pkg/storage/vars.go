// Package storage holds the collaborator-owned persistence surfaces: the
// key/value variable store that keeps runtime state across restarts, and the
// ladder store the orchestrator upserts ingested rows through.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ladderstats/ingest/pkg/region"
)

// ErrVarMissing indicates the requested variable has never been set.
var ErrVarMissing = errors.New("variable not set")

// Per-region variable names. One Redis entry per semantic var.
const (
	VarForceRegion          = "force_region"
	VarForceRegionUpdated   = "force_region_updated"
	VarRequestCount         = "request_count"
	VarErrorCount           = "error_count"
	VarErrorRate            = "error_rate"
	VarSSLIgnore            = "ssl_ignore"
	VarClientTimeout        = "client_timeout"
	VarPartialUpdate        = "partial_update"
	VarPartialUpdateIndex   = "partial_update_index"
	VarLastUpdatedSeason    = "last_updated_season"
	VarLastUpdatedCharacter = "last_updated_character"
	VarForcedAlternative    = "forced_alternative"
)

// RegionVar builds the store key for a per-region variable. Keys embed the
// region ordinal, which is stable across releases.
func RegionVar(r region.Region, name string) string {
	return fmt.Sprintf("region.%d.%s", r.Ordinal(), name)
}

// ClassVar builds the store key for a per-region, per-endpoint-class variable.
func ClassVar(r region.Region, class, name string) string {
	return fmt.Sprintf("region.%d.%s.%s", r.Ordinal(), class, name)
}

// VarStore persists named runtime variables. Implementations must return
// ErrVarMissing for keys that were never set.
type VarStore interface {
	GetVar(ctx context.Context, key string) (string, error)
	SetVar(ctx context.Context, key, value string) error
	DeleteVar(ctx context.Context, key string) error
}

// GetInt64 reads a variable as int64.
func GetInt64(ctx context.Context, s VarStore, key string) (int64, error) {
	v, err := s.GetVar(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse var %s: %w", key, err)
	}
	return n, nil
}

// SetInt64 writes a variable as int64.
func SetInt64(ctx context.Context, s VarStore, key string, v int64) error {
	return s.SetVar(ctx, key, strconv.FormatInt(v, 10))
}

// GetFloat64 reads a variable as float64.
func GetFloat64(ctx context.Context, s VarStore, key string) (float64, error) {
	v, err := s.GetVar(ctx, key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse var %s: %w", key, err)
	}
	return f, nil
}

// SetFloat64 writes a variable as float64.
func SetFloat64(ctx context.Context, s VarStore, key string, v float64) error {
	return s.SetVar(ctx, key, strconv.FormatFloat(v, 'f', -1, 64))
}

// GetTime reads a variable as an epoch-millisecond timestamp.
func GetTime(ctx context.Context, s VarStore, key string) (time.Time, error) {
	n, err := GetInt64(ctx, s, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(n), nil
}

// SetTime writes a variable as an epoch-millisecond timestamp.
func SetTime(ctx context.Context, s VarStore, key string, t time.Time) error {
	return SetInt64(ctx, s, key, t.UnixMilli())
}

// GetBool reads a variable as a boolean.
func GetBool(ctx context.Context, s VarStore, key string) (bool, error) {
	v, err := s.GetVar(ctx, key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse var %s: %w", key, err)
	}
	return b, nil
}

// SetBool writes a variable as a boolean.
func SetBool(ctx context.Context, s VarStore, key string, v bool) error {
	return s.SetVar(ctx, key, strconv.FormatBool(v))
}

// RedisVarStore is the Redis-backed VarStore. Every variable is one key under
// a common prefix, written without TTL.
type RedisVarStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisVarStore creates a VarStore backed by the given Redis client.
func NewRedisVarStore(redisClient *redis.Client) *RedisVarStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisVarStore{
		redis:  redisClient,
		prefix: "ladder:var:",
	}
}

// GetVar retrieves a variable, returning ErrVarMissing for unset keys.
func (s *RedisVarStore) GetVar(ctx context.Context, key string) (string, error) {
	v, err := s.redis.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrVarMissing
		}
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// SetVar stores a variable.
func (s *RedisVarStore) SetVar(ctx context.Context, key, value string) error {
	if err := s.redis.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// DeleteVar removes a variable. Deleting an unset variable is a no-op.
func (s *RedisVarStore) DeleteVar(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
