package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"sentinel-antiraid/internal/actions"
	"sentinel-antiraid/internal/analytics"
	"sentinel-antiraid/internal/bot"
	"sentinel-antiraid/internal/cache"
	"sentinel-antiraid/internal/config"
	"sentinel-antiraid/internal/engine"
	"sentinel-antiraid/internal/modules/audit"
	"sentinel-antiraid/internal/modules/verification"
	"sentinel-antiraid/internal/notify"
	"sentinel-antiraid/internal/signals"
	"sentinel-antiraid/internal/storage"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	var backend cache.Backend = cache.NewLocal(cfg.SettingsCache.Size, cfg.SettingsCacheTTL())
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.SettingsCacheTTL(), logger)
		if err != nil {
			logger.Warn("redis unavailable, using in-process settings cache", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			defer redisCache.Close()
			backend = redisCache
		}
	}
	settings := cache.NewProvider(store, backend, logger).WithDefaults(cfg.GuildDefaults())

	bus := signals.NewBus(256, logger)
	dispatcher := actions.New(actions.Config{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		CallTimeout: time.Duration(cfg.Dispatch.CallTimeoutSeconds) * time.Second,
	}, logger)
	auditLogger := audit.NewLogger(store, logger)

	session, err := bot.NewSession(cfg.DiscordToken)
	if err != nil {
		logger.Fatal("discord session init failed", zap.Error(err))
	}
	platform := bot.NewPlatform(session)

	eng := engine.New(engine.Options{
		Logger:     logger,
		Platform:   platform,
		Settings:   settings,
		Audit:      auditLogger,
		Publisher:  bus,
		Dispatcher: dispatcher,
		History:    store,
		Defaults:   cfg.GuildDefaults(),
		Verification: verification.Config{
			MaxAttempts: cfg.Verification.MaxAttempts,
			Expiry:      time.Duration(cfg.Verification.ExpiryMinutes) * time.Minute,
			OperandMax:  cfg.Verification.OperandMax,
		},
		SummaryDelay: time.Duration(cfg.Summary.FlushSeconds) * time.Second,
	})
	notifier := notify.New(bus, settings, platform, notify.Config{
		PerMinute: cfg.Notifications.DigestPerMinute,
		Burst:     cfg.Notifications.Burst,
		Colors: notify.Colors{
			Warning:  cfg.Notifications.EmbedColors.Warning,
			Critical: cfg.Notifications.EmbedColors.Critical,
		},
	}, logger)

	supervisor := suture.New("sentinel", suture.Spec{
		EventHook: func(event suture.Event) {
			logger.Warn("supervisor event", zap.String("event", event.String()), zap.Any("fields", event.Map()))
		},
		Timeout: 10 * time.Second,
	})
	supervisor.Add(dispatcher)
	supervisor.Add(notifier)
	supervisor.Add(newJanitor(eng, notifier, store, cfg.RetentionDays, logger))
	if cfg.Health.Enabled {
		supervisor.Add(newHealthServer(cfg.Health.Addr, store, logger))
	}

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	supervisorDone := supervisor.ServeBackground(serveCtx)

	botSvc := bot.New(cfg, logger, session, eng, store, settings, auditLogger, analytics.New(store))
	if err := botSvc.Start(); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	logger.Info("bot started")

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	botSvc.Close(shutdownCtx)
	eng.Close()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("side effects still queued at shutdown", zap.Error(err))
	}
	cancelServe()
	if err := <-supervisorDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("supervisor stopped", zap.Error(err))
	}
	if err := bus.Close(); err != nil {
		logger.Warn("signal bus close failed", zap.Error(err))
	}
}
