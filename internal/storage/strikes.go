package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// StrikeRecord tracks repeat timeouts per user so escalation survives a
// restart. LifetimeCount never resets; CountCurrent resets once ResetAt
// passes.
type StrikeRecord struct {
	GuildID       string
	UserID        string
	CountCurrent  int
	LifetimeCount int
	LastAt        time.Time
	ResetAt       *time.Time
}

func (s *Store) GetStrikes(ctx context.Context, guildID, userID string) (StrikeRecord, error) {
	if s == nil || s.db == nil {
		return StrikeRecord{GuildID: guildID, UserID: userID}, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT guild_id, user_id, count_current, lifetime_count, last_at, reset_at
		FROM timeout_strikes
		WHERE guild_id = ? AND user_id = ?
	`, guildID, userID)

	var rec StrikeRecord
	var lastAt int64
	var resetAt sql.NullInt64
	err := row.Scan(&rec.GuildID, &rec.UserID, &rec.CountCurrent, &rec.LifetimeCount, &lastAt, &resetAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StrikeRecord{GuildID: guildID, UserID: userID}, nil
		}
		return StrikeRecord{}, err
	}
	rec.LastAt = time.Unix(lastAt, 0)
	if resetAt.Valid {
		value := time.Unix(resetAt.Int64, 0)
		rec.ResetAt = &value
	}
	return rec, nil
}

// IncrementStrikes bumps both counters, applying the idle reset first, and
// returns the updated record.
func (s *Store) IncrementStrikes(ctx context.Context, guildID, userID string, resetAfter time.Duration) (StrikeRecord, error) {
	now := time.Now()
	if s == nil || s.db == nil {
		return StrikeRecord{GuildID: guildID, UserID: userID, CountCurrent: 1, LifetimeCount: 1, LastAt: now}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StrikeRecord{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current, lifetime int
	var resetAt sql.NullInt64
	row := tx.QueryRowContext(ctx, `
		SELECT count_current, lifetime_count, reset_at
		FROM timeout_strikes
		WHERE guild_id = ? AND user_id = ?
	`, guildID, userID)
	scanErr := row.Scan(&current, &lifetime, &resetAt)
	if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		err = scanErr
		return StrikeRecord{}, err
	}
	if scanErr == nil && resetAt.Valid && now.Unix() >= resetAt.Int64 {
		current = 0
	}

	current++
	lifetime++
	var nextReset any
	if resetAfter > 0 {
		nextReset = now.Add(resetAfter).Unix()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO timeout_strikes (guild_id, user_id, count_current, lifetime_count, last_at, reset_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			count_current = excluded.count_current,
			lifetime_count = excluded.lifetime_count,
			last_at = excluded.last_at,
			reset_at = excluded.reset_at
	`, guildID, userID, current, lifetime, now.Unix(), nextReset)
	if err != nil {
		return StrikeRecord{}, err
	}
	if err = tx.Commit(); err != nil {
		return StrikeRecord{}, err
	}
	return StrikeRecord{GuildID: guildID, UserID: userID, CountCurrent: current, LifetimeCount: lifetime, LastAt: now}, nil
}
