package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// The raid and panic subsystems persist one JSON document per guild, keyed
// by (kind, guild_id). Kind keeps unrelated subsystems from clobbering each
// other's documents.
const (
	DocJoinRaid = "join_raid"
	DocPanic    = "panic"
)

// GetGuildDoc returns the stored payload for (kind, guildID), or nil when
// no document exists.
func (s *Store) GetGuildDoc(ctx context.Context, kind, guildID string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM guild_docs WHERE kind = ? AND guild_id = ?
	`, kind, guildID)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return payload, nil
}

func (s *Store) UpsertGuildDoc(ctx context.Context, kind, guildID string, payload []byte) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_docs (kind, guild_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, guild_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, kind, guildID, payload, time.Now().Unix())
	return err
}

func (s *Store) DeleteGuildDoc(ctx context.Context, kind, guildID string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM guild_docs WHERE kind = ? AND guild_id = ?`, kind, guildID)
	return err
}

// ListGuildDocs returns every guild id holding a document of the given
// kind. Used by the restart reconciliation pass.
func (s *Store) ListGuildDocs(ctx context.Context, kind string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id FROM guild_docs WHERE kind = ? ORDER BY guild_id`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guilds []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		guilds = append(guilds, id)
	}
	return guilds, rows.Err()
}
