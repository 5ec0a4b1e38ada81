package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("storage: not found")

type Store struct {
	pool *pgxpool.Pool
}

type JoinThreshold struct {
	Count         int
	WindowSeconds int
}

type VerifyQuestion struct {
	Question string
	Answer   string
}

type GuildSettings struct {
	GuildID             string
	JoinThreshold       JoinThreshold
	MessageThreshold    int
	ShadowMuteThreshold int
	QuarantineThreshold int
	LockdownThreshold   int
	MuteRoleID          string
	SuspectRoleID       string
	MemberRoleID        string
	UnverifiedRoleID    string
	ModLogChannelID     string
	AllowedDomains      []string
	VerifyQuestion      *VerifyQuestion
}

// DefaultGuildSettings are the values used for a guild nobody configured.
func DefaultGuildSettings() GuildSettings {
	return GuildSettings{
		JoinThreshold:       JoinThreshold{Count: 5, WindowSeconds: 10},
		MessageThreshold:    5,
		ShadowMuteThreshold: 1,
		QuarantineThreshold: 3,
		LockdownThreshold:   20,
	}
}

type AuditLog struct {
	ID        int64
	GuildID   string
	UserID    string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		for _, statement := range strings.Split(string(content), ";") {
			if strings.TrimSpace(statement) == "" {
				continue
			}
			if _, err := s.pool.Exec(ctx, statement); err != nil {
				return fmt.Errorf("migration %s failed: %w", file, err)
			}
		}
	}
	return nil
}

// GetGuildSettings overlays the stored row and allow-list on defaults. A
// guild without a row gets the defaults and a nil error.
func (s *Store) GetGuildSettings(ctx context.Context, guildID string, defaults GuildSettings) (GuildSettings, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT join_count, join_window_seconds, msg_threshold, shadow_mute_threshold,
		quarantine_threshold, lockdown_threshold, mute_role_id, suspect_role_id,
		member_role_id, unverified_role_id, mod_log_channel_id, verify_question, verify_answer
		FROM guild_settings WHERE guild_id = $1`, guildID)

	result := defaults
	result.GuildID = guildID
	result.AllowedDomains = nil

	var question, answer *string
	err := row.Scan(
		&result.JoinThreshold.Count,
		&result.JoinThreshold.WindowSeconds,
		&result.MessageThreshold,
		&result.ShadowMuteThreshold,
		&result.QuarantineThreshold,
		&result.LockdownThreshold,
		&result.MuteRoleID,
		&result.SuspectRoleID,
		&result.MemberRoleID,
		&result.UnverifiedRoleID,
		&result.ModLogChannelID,
		&question,
		&answer,
	)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return GuildSettings{}, fmt.Errorf("load guild settings: %w", err)
	}
	if err == nil {
		result.VerifyQuestion = nil
		if question != nil && answer != nil {
			result.VerifyQuestion = &VerifyQuestion{Question: *question, Answer: *answer}
		}
	}

	domains, err := s.ListDomainAllow(ctx, guildID)
	if err != nil {
		return GuildSettings{}, err
	}
	result.AllowedDomains = domains
	return result, nil
}

func (s *Store) UpsertGuildSettings(ctx context.Context, settings GuildSettings) error {
	var question, answer *string
	if settings.VerifyQuestion != nil {
		question = &settings.VerifyQuestion.Question
		answer = &settings.VerifyQuestion.Answer
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO guild_settings (
			guild_id, join_count, join_window_seconds, msg_threshold, shadow_mute_threshold,
			quarantine_threshold, lockdown_threshold, mute_role_id, suspect_role_id,
			member_role_id, unverified_role_id, mod_log_channel_id, verify_question, verify_answer, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		ON CONFLICT (guild_id) DO UPDATE SET
			join_count = excluded.join_count,
			join_window_seconds = excluded.join_window_seconds,
			msg_threshold = excluded.msg_threshold,
			shadow_mute_threshold = excluded.shadow_mute_threshold,
			quarantine_threshold = excluded.quarantine_threshold,
			lockdown_threshold = excluded.lockdown_threshold,
			mute_role_id = excluded.mute_role_id,
			suspect_role_id = excluded.suspect_role_id,
			member_role_id = excluded.member_role_id,
			unverified_role_id = excluded.unverified_role_id,
			mod_log_channel_id = excluded.mod_log_channel_id,
			verify_question = excluded.verify_question,
			verify_answer = excluded.verify_answer,
			updated_at = now()
	`,
		settings.GuildID,
		settings.JoinThreshold.Count,
		settings.JoinThreshold.WindowSeconds,
		settings.MessageThreshold,
		settings.ShadowMuteThreshold,
		settings.QuarantineThreshold,
		settings.LockdownThreshold,
		settings.MuteRoleID,
		settings.SuspectRoleID,
		settings.MemberRoleID,
		settings.UnverifiedRoleID,
		settings.ModLogChannelID,
		question,
		answer,
	)
	if err != nil {
		return fmt.Errorf("upsert guild settings: %w", err)
	}
	return nil
}

// GetModLogChannel returns "" when the guild has no moderation-log channel.
func (s *Store) GetModLogChannel(ctx context.Context, guildID string) (string, error) {
	var channelID string
	err := s.pool.QueryRow(ctx, `SELECT mod_log_channel_id FROM guild_settings WHERE guild_id = $1`, guildID).Scan(&channelID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load mod-log channel: %w", err)
	}
	return channelID, nil
}

func (s *Store) AddAuditLog(ctx context.Context, log AuditLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, log.GuildID, log.UserID, log.Level, log.Event, log.Details, log.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, guild_id, user_id, level, event, details, created_at
		FROM audit_logs
		WHERE guild_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, guildID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var log AuditLog
		if err := rows.Scan(&log.ID, &log.GuildID, &log.UserID, &log.Level, &log.Event, &log.Details, &log.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (s *Store) CleanupAuditLogs(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) AddDomainAllow(ctx context.Context, guildID, domain string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO domain_allowlist (guild_id, domain) VALUES ($1, $2) ON CONFLICT DO NOTHING`, guildID, strings.ToLower(domain))
	return err
}

// RemoveDomainAllow returns ErrNotFound if the domain was not listed.
func (s *Store) RemoveDomainAllow(ctx context.Context, guildID, domain string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM domain_allowlist WHERE guild_id = $1 AND domain = $2`, guildID, strings.ToLower(domain))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListDomainAllow(ctx context.Context, guildID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT domain FROM domain_allowlist WHERE guild_id = $1 ORDER BY domain`, guildID)
	if err != nil {
		return nil, fmt.Errorf("list allow-list: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
