// ABOUTME: Agent identity persistence: upsert, lookup, listing and idempotent mutations
// ABOUTME: Contribution quota checks run in the same transaction as the insert

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const agentColumns = `agent_id, client_id, display_tag, pool_id, status, profile_json, contributed_by, credential_sealed, created_at, updated_at`

// UpsertAgent inserts the agent or overwrites the existing row with the same
// AgentID. The credential is always replaced. CreatedAt is kept on update.
// When quota is non-nil and the row becomes a new contribution (an insert,
// or an existing row turning into this user's pending contribution), the number of
// pending contributions by the same user to the same pool since quota.Since
// must be below quota.Limit or ErrQuotaExceeded is returned.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *Agent, quota *ContributionQuota) (bool, error) {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	var profile sql.NullString
	if len(a.Profile) > 0 {
		profile = sql.NullString{String: string(a.Profile), Valid: true}
	}

	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existingCreated string
		var prevPool, prevContributor sql.NullString
		var prevStatus string
		err := tx.QueryRowContext(ctx,
			`SELECT created_at, pool_id, status, contributed_by FROM agents WHERE agent_id = ?`, a.AgentID,
		).Scan(&existingCreated, &prevPool, &prevStatus, &prevContributor)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			inserted = true
		case err != nil:
			return fmt.Errorf("checking agent: %w", err)
		}

		// Refreshing one's own pending contribution in place is not a new one.
		samePending := !inserted &&
			prevPool.String == a.PoolID &&
			AgentStatus(prevStatus) == AgentInactive &&
			prevContributor.String == a.ContributedBy
		if quota != nil && a.ContributedBy != "" && !samePending {
			n, err := countPending(ctx, tx, a.ContributedBy, a.PoolID, quota.Since)
			if err != nil {
				return err
			}
			if n >= quota.Limit {
				return ErrQuotaExceeded
			}
		}

		if inserted {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO agents (`+agentColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				a.AgentID, a.ClientID, a.DisplayTag, nullString(a.PoolID), a.Status, profile,
				nullString(a.ContributedBy), a.CredentialSealed, formatTime(a.CreatedAt), formatTime(now),
			)
			if err != nil {
				return fmt.Errorf("inserting agent: %w", err)
			}
			return nil
		}

		a.CreatedAt, err = parseTime(existingCreated)
		if err != nil {
			return fmt.Errorf("parsing created_at: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE agents
			SET client_id = ?, display_tag = ?, pool_id = ?, status = ?,
			    profile_json = COALESCE(?, profile_json), contributed_by = ?,
			    credential_sealed = ?, updated_at = ?
			WHERE agent_id = ?
		`,
			a.ClientID, a.DisplayTag, nullString(a.PoolID), a.Status, profile,
			nullString(a.ContributedBy), a.CredentialSealed, formatTime(now), a.AgentID,
		)
		if err != nil {
			return fmt.Errorf("updating agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	s.logger.Debug("upserted agent", "agent_id", a.AgentID, "pool_id", a.PoolID, "inserted", inserted)
	return inserted, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgents returns agents matching the filter ordered by agent ID.
func (s *SQLiteStore) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	query := `
		SELECT ` + agentColumns + ` FROM agents
		WHERE (? = '' OR pool_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY agent_id
	`
	rows, err := s.db.QueryContext(ctx, query, f.PoolID, f.PoolID, string(f.Status), string(f.Status))
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	agents := []*Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus sets an agent's status. Returns false if no such agent.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, agentID string, status AgentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?`,
		status, formatTime(time.Now()), agentID,
	)
	if err != nil {
		return false, fmt.Errorf("updating agent status: %w", err)
	}
	return rowsAffected(res)
}

// UpdateAgentProfile replaces an agent's profile. A nil profile clears it.
func (s *SQLiteStore) UpdateAgentProfile(ctx context.Context, agentID string, profile json.RawMessage) (bool, error) {
	var p sql.NullString
	if len(profile) > 0 {
		p = sql.NullString{String: string(profile), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET profile_json = ?, updated_at = ? WHERE agent_id = ?`,
		p, formatTime(time.Now()), agentID,
	)
	if err != nil {
		return false, fmt.Errorf("updating agent profile: %w", err)
	}
	return rowsAffected(res)
}

// DeleteAgent removes an agent. Returns false if no such agent.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return false, fmt.Errorf("deleting agent: %w", err)
	}
	found, err := rowsAffected(res)
	if err == nil && found {
		s.logger.Debug("deleted agent", "agent_id", agentID)
	}
	return found, err
}

// CountPendingContributions counts inactive agents contributed by userID to
// poolID created at or after since.
func (s *SQLiteStore) CountPendingContributions(ctx context.Context, userID, poolID string, since time.Time) (int, error) {
	return countPending(ctx, s.db, userID, poolID, since)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countPending(ctx context.Context, q queryRower, userID, poolID string, since time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agents
		WHERE contributed_by = ? AND pool_id = ? AND status = 'inactive' AND created_at >= ?
	`, userID, poolID, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending contributions: %w", err)
	}
	return n, nil
}

func scanAgent(scanner interface{ Scan(dest ...any) error }) (*Agent, error) {
	var a Agent
	var poolID, profile, contributedBy sql.NullString
	var status, createdAt, updatedAt string

	if err := scanner.Scan(
		&a.AgentID,
		&a.ClientID,
		&a.DisplayTag,
		&poolID,
		&status,
		&profile,
		&contributedBy,
		&a.CredentialSealed,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.PoolID = poolID.String
	a.Status = AgentStatus(status)
	a.ContributedBy = contributedBy.String
	if profile.Valid {
		a.Profile = json.RawMessage(profile.String)
	}

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}
