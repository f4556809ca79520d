// ABOUTME: Role grants for chat users, used for superuser checks
// ABOUTME: Grants are idempotent and seeded from configuration at startup

package store

import (
	"context"
	"fmt"
	"time"
)

// RoleName represents a role that can be granted to a chat user
type RoleName string

const (
	// RoleSuperuser bypasses ownership checks and contribution quotas.
	RoleSuperuser RoleName = "superuser"
	// RoleOperator may restart and scale agents it does not own.
	RoleOperator RoleName = "operator"
)

// AddRole grants a role to a user. Adding an existing role succeeds silently.
func (s *SQLiteStore) AddRole(ctx context.Context, subjectID string, role RoleName) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO roles (subject_id, role, created_at)
		VALUES (?, ?, ?)
	`, subjectID, role, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("adding role: %w", err)
	}

	s.logger.Debug("added role", "subject_id", subjectID, "role", role)
	return nil
}

// RemoveRole revokes a role. Removing a role that isn't held succeeds silently.
func (s *SQLiteStore) RemoveRole(ctx context.Context, subjectID string, role RoleName) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE subject_id = ? AND role = ?`, subjectID, role)
	if err != nil {
		return fmt.Errorf("removing role: %w", err)
	}

	s.logger.Debug("removed role", "subject_id", subjectID, "role", role)
	return nil
}

// HasRole checks if a user holds a role. Unknown users simply return false.
func (s *SQLiteStore) HasRole(ctx context.Context, subjectID string, role RoleName) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM roles WHERE subject_id = ? AND role = ?`, subjectID, role,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking role: %w", err)
	}
	return count > 0, nil
}

// ListRoleHolders returns every user holding role, sorted.
func (s *SQLiteStore) ListRoleHolders(ctx context.Context, role RoleName) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject_id FROM roles WHERE role = ? ORDER BY subject_id`, role)
	if err != nil {
		return nil, fmt.Errorf("listing role holders: %w", err)
	}
	defer rows.Close()

	holders := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning role holder: %w", err)
		}
		holders = append(holders, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating role holders: %w", err)
	}
	return holders, nil
}
