// ABOUTME: Pool persistence: create, lookup, listing, ownership and visibility changes
// ABOUTME: DeletePool detaches member agents and clears guild selections in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreatePool inserts a new pool. Generates PoolID and CreatedAt if not set.
// Returns ErrPoolExists if the owner already has a pool with that name.
func (s *SQLiteStore) CreatePool(ctx context.Context, p *Pool) error {
	if p.PoolID == "" {
		p.PoolID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Visibility == "" {
		p.Visibility = VisibilityPrivate
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pools (pool_id, name, owner_user_id, visibility, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.PoolID, p.Name, p.OwnerUserID, p.Visibility, formatTime(p.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrPoolExists
		}
		return fmt.Errorf("inserting pool: %w", err)
	}

	s.logger.Debug("created pool", "pool_id", p.PoolID, "owner", p.OwnerUserID)
	return nil
}

// GetPool retrieves a pool by ID.
// Returns ErrNotFound if the pool doesn't exist.
func (s *SQLiteStore) GetPool(ctx context.Context, poolID string) (*Pool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pool_id, name, owner_user_id, visibility, created_at
		FROM pools WHERE pool_id = ?
	`, poolID)
	p, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPools returns pools matching the filter ordered by name.
func (s *SQLiteStore) ListPools(ctx context.Context, f PoolFilter) ([]*Pool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_id, name, owner_user_id, visibility, created_at
		FROM pools
		WHERE (? = '' OR owner_user_id = ?)
		  AND (? = '' OR visibility = ?)
		ORDER BY name, pool_id
	`, f.OwnerUserID, f.OwnerUserID, string(f.Visibility), string(f.Visibility))
	if err != nil {
		return nil, fmt.Errorf("querying pools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	pools := []*Pool{}
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pools: %w", err)
	}
	return pools, nil
}

// UpdatePoolOwner transfers a pool. Returns false if no such pool.
func (s *SQLiteStore) UpdatePoolOwner(ctx context.Context, poolID, ownerUserID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE pools SET owner_user_id = ? WHERE pool_id = ?`, ownerUserID, poolID)
	if err != nil {
		if isConstraintViolation(err) {
			return false, ErrPoolExists
		}
		return false, fmt.Errorf("updating pool owner: %w", err)
	}
	return rowsAffected(res)
}

// UpdatePoolVisibility changes a pool's visibility. Returns false if no such pool.
func (s *SQLiteStore) UpdatePoolVisibility(ctx context.Context, poolID string, v Visibility) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE pools SET visibility = ? WHERE pool_id = ?`, v, poolID)
	if err != nil {
		return false, fmt.Errorf("updating pool visibility: %w", err)
	}
	return rowsAffected(res)
}

// DeletePool removes a pool. Member agents are detached (pool cleared,
// status set to inactive) and guild selections pointing at it are cleared.
// Returns the number of detached agents, or ErrNotFound.
func (s *SQLiteStore) DeletePool(ctx context.Context, poolID string) (int, error) {
	var detached int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(time.Now())
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET pool_id = NULL, status = 'inactive', updated_at = ?
			WHERE pool_id = ?
		`, now, poolID)
		if err != nil {
			return fmt.Errorf("detaching pool agents: %w", err)
		}
		if detached, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE guild_settings SET pool_id = NULL, updated_at = ? WHERE pool_id = ?`, now, poolID,
		); err != nil {
			return fmt.Errorf("clearing guild selections: %w", err)
		}

		res, err = tx.ExecContext(ctx, `DELETE FROM pools WHERE pool_id = ?`, poolID)
		if err != nil {
			return fmt.Errorf("deleting pool: %w", err)
		}
		found, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("deleted pool", "pool_id", poolID, "detached", detached)
	return int(detached), nil
}

func scanPool(scanner interface{ Scan(dest ...any) error }) (*Pool, error) {
	var p Pool
	var vis, createdAt string
	if err := scanner.Scan(&p.PoolID, &p.Name, &p.OwnerUserID, &vis, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning pool: %w", err)
	}
	p.Visibility = Visibility(vis)
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}
