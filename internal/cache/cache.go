// Package cache keeps guild settings close to the event path so most events
// avoid a database round trip.
package cache

import (
	"context"
	"time"

	"sentinel-antiraid/internal/metrics"
	"sentinel-antiraid/internal/storage"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

type Loader interface {
	GetGuildSettings(ctx context.Context, guildID string, defaults storage.GuildSettings) (storage.GuildSettings, error)
}

type Backend interface {
	Get(ctx context.Context, guildID string) (storage.GuildSettings, bool)
	Set(ctx context.Context, settings storage.GuildSettings)
	Delete(ctx context.Context, guildID string)
}

// Provider is a read-through settings cache. Failed loads are not cached.
type Provider struct {
	loader   Loader
	backend  Backend
	logger   *zap.Logger
	defaults storage.GuildSettings
}

func NewProvider(loader Loader, backend Backend, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{loader: loader, backend: backend, logger: logger, defaults: storage.DefaultGuildSettings()}
}

// WithDefaults sets the settings used by lookups that do not pass their own.
func (p *Provider) WithDefaults(defaults storage.GuildSettings) *Provider {
	p.defaults = defaults
	return p
}

func (p *Provider) GetGuildSettings(ctx context.Context, guildID string, defaults storage.GuildSettings) (storage.GuildSettings, error) {
	if settings, ok := p.backend.Get(ctx, guildID); ok {
		metrics.SettingsCacheTotal.WithLabelValues("hit").Inc()
		return settings, nil
	}
	metrics.SettingsCacheTotal.WithLabelValues("miss").Inc()

	settings, err := p.loader.GetGuildSettings(ctx, guildID, defaults)
	if err != nil {
		p.logger.Debug("settings load failed", zap.String("guild_id", guildID), zap.Error(err))
		return storage.GuildSettings{}, err
	}
	p.backend.Set(ctx, settings)
	return settings, nil
}

// GetModLogChannel reads the channel from the cached settings.
func (p *Provider) GetModLogChannel(ctx context.Context, guildID string) (string, error) {
	settings, err := p.GetGuildSettings(ctx, guildID, p.defaults)
	if err != nil {
		return "", err
	}
	return settings.ModLogChannelID, nil
}

func (p *Provider) Invalidate(ctx context.Context, guildID string) {
	p.backend.Delete(ctx, guildID)
}

type Local struct {
	entries *lru.LRU[string, storage.GuildSettings]
}

func NewLocal(size int, ttl time.Duration) *Local {
	return &Local{entries: lru.NewLRU[string, storage.GuildSettings](size, nil, ttl)}
}

func (l *Local) Get(_ context.Context, guildID string) (storage.GuildSettings, bool) {
	return l.entries.Get(guildID)
}

func (l *Local) Set(_ context.Context, settings storage.GuildSettings) {
	l.entries.Add(settings.GuildID, settings)
}

func (l *Local) Delete(_ context.Context, guildID string) {
	l.entries.Remove(guildID)
}
