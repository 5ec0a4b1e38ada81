package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UserInfraction is the lifetime history for one user and signal category.
// The live escalation counter is kept in memory by the engine; this table
// survives restarts and operator resets of that counter.
type UserInfraction struct {
	GuildID    string
	UserID     string
	Category   string
	CountTotal int
	LastAt     time.Time
	LastAction string
}

func (s *Store) IncrementInfraction(ctx context.Context, guildID, userID, category, lastAction string, at time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO user_infractions (guild_id, user_id, category, count_total, last_at, last_action)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (guild_id, user_id, category) DO UPDATE SET
			count_total = user_infractions.count_total + 1,
			last_at = excluded.last_at,
			last_action = excluded.last_action
		RETURNING count_total
	`, guildID, userID, category, at, lastAction).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment infraction: %w", err)
	}
	return count, nil
}

func (s *Store) GetInfraction(ctx context.Context, guildID, userID, category string) (UserInfraction, error) {
	inf := UserInfraction{GuildID: guildID, UserID: userID, Category: category}
	err := s.pool.QueryRow(ctx, `
		SELECT count_total, last_at, last_action
		FROM user_infractions
		WHERE guild_id = $1 AND user_id = $2 AND category = $3
	`, guildID, userID, category).Scan(&inf.CountTotal, &inf.LastAt, &inf.LastAction)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserInfraction{}, ErrNotFound
	}
	if err != nil {
		return UserInfraction{}, err
	}
	return inf, nil
}

func (s *Store) ListInfractions(ctx context.Context, guildID, userID string) ([]UserInfraction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT guild_id, user_id, category, count_total, last_at, last_action
		FROM user_infractions
		WHERE guild_id = $1 AND user_id = $2
		ORDER BY category
	`, guildID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserInfraction
	for rows.Next() {
		var inf UserInfraction
		if err := rows.Scan(&inf.GuildID, &inf.UserID, &inf.Category, &inf.CountTotal, &inf.LastAt, &inf.LastAction); err != nil {
			return nil, err
		}
		out = append(out, inf)
	}
	return out, rows.Err()
}
