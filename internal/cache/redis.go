package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentinel-antiraid/internal/storage"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "sentinel:settings:"

// Redis shares the settings cache between bot shards. Redis errors are
// logged and read as a miss.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, guildID string) (storage.GuildSettings, bool) {
	data, err := r.client.Get(ctx, keyPrefix+guildID).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.GuildSettings{}, false
	}
	if err != nil {
		r.logger.Warn("settings cache read failed", zap.String("guild_id", guildID), zap.Error(err))
		return storage.GuildSettings{}, false
	}
	var settings storage.GuildSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		r.logger.Warn("settings cache entry corrupt", zap.String("guild_id", guildID), zap.Error(err))
		return storage.GuildSettings{}, false
	}
	return settings, true
}

func (r *Redis) Set(ctx context.Context, settings storage.GuildSettings) {
	data, err := json.Marshal(settings)
	if err != nil {
		r.logger.Warn("settings cache encode failed", zap.String("guild_id", settings.GuildID), zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, keyPrefix+settings.GuildID, data, r.ttl).Err(); err != nil {
		r.logger.Warn("settings cache write failed", zap.String("guild_id", settings.GuildID), zap.Error(err))
	}
}

func (r *Redis) Delete(ctx context.Context, guildID string) {
	if err := r.client.Del(ctx, keyPrefix+guildID).Err(); err != nil {
		r.logger.Warn("settings cache delete failed", zap.String("guild_id", guildID), zap.Error(err))
	}
}
