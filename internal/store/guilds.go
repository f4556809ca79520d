// ABOUTME: Guild-scoped single-row settings: default pool selection and idle-release override
// ABOUTME: Absent rows read back as empty settings rather than ErrNotFound

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetGuildSettings returns the settings for a guild. A guild with no row
// yields settings with no pool and no idle override.
func (s *SQLiteStore) GetGuildSettings(ctx context.Context, guildID string) (*GuildSettings, error) {
	gs := &GuildSettings{GuildID: guildID}
	var poolID sql.NullString
	var idle sql.NullInt64
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT pool_id, idle_release_ms, updated_at FROM guild_settings WHERE guild_id = ?
	`, guildID).Scan(&poolID, &idle, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return gs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying guild settings: %w", err)
	}

	gs.PoolID = poolID.String
	if idle.Valid {
		v := idle.Int64
		gs.IdleReleaseMs = &v
	}
	if gs.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return gs, nil
}

// SetGuildPool selects the default pool for a guild. An empty poolID clears it.
func (s *SQLiteStore) SetGuildPool(ctx context.Context, guildID, poolID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, pool_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET pool_id = excluded.pool_id, updated_at = excluded.updated_at
	`, guildID, nullString(poolID), formatTime(time.Now()))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("setting guild pool: %w", err)
	}
	return nil
}

// SetGuildIdlePolicy sets the idle-release override for a guild. A nil value
// removes the override so the process default applies.
func (s *SQLiteStore) SetGuildIdlePolicy(ctx context.Context, guildID string, idleReleaseMs *int64) error {
	var v sql.NullInt64
	if idleReleaseMs != nil {
		v = sql.NullInt64{Int64: *idleReleaseMs, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, idle_release_ms, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET idle_release_ms = excluded.idle_release_ms, updated_at = excluded.updated_at
	`, guildID, v, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("setting guild idle policy: %w", err)
	}
	return nil
}

// ListGuildIdlePolicies returns every guild that has an explicit override.
func (s *SQLiteStore) ListGuildIdlePolicies(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, idle_release_ms FROM guild_settings WHERE idle_release_ms IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying idle policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var guildID string
		var ms int64
		if err := rows.Scan(&guildID, &ms); err != nil {
			return nil, fmt.Errorf("scanning idle policy: %w", err)
		}
		out[guildID] = ms
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating idle policies: %w", err)
	}
	return out, nil
}
