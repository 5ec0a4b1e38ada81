package audit

import (
	"context"
	"time"

	"sentinel-antiraid/internal/storage"

	"go.uber.org/zap"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

type Sink interface {
	AddAuditLog(ctx context.Context, entry storage.AuditLog) error
}

type Logger struct {
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewLogger(sink Sink, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{sink: sink, logger: logger, now: time.Now}
}

// Entry builds an audit record stamped with the current time.
func (l *Logger) Entry(level, guildID, userID, event, details string) storage.AuditLog {
	return storage.AuditLog{
		GuildID:   guildID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: l.now(),
	}
}

func (l *Logger) Log(ctx context.Context, level, guildID, userID, event, details string) error {
	return l.Write(ctx, l.Entry(level, guildID, userID, event, details))
}

// Write logs the entry and persists it. The log line is written even when
// the sink fails.
func (l *Logger) Write(ctx context.Context, entry storage.AuditLog) error {
	l.logger.Info("audit", zap.String("level", entry.Level), zap.String("guild_id", entry.GuildID), zap.String("user_id", entry.UserID), zap.String("event", entry.Event), zap.String("details", entry.Details))
	if l.sink == nil {
		return nil
	}
	return l.sink.AddAuditLog(ctx, entry)
}
