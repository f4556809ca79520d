// ABOUTME: Pool administration: create, transfer, visibility, deletion and listings
// ABOUTME: Also owns guild-scoped settings (default pool selection and idle override)

package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/store"
)

// IsSuperuser reports whether userID holds the superuser role.
func (r *Registry) IsSuperuser(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	ok, err := r.store.HasRole(ctx, userID, store.RoleSuperuser)
	if err != nil {
		return false, fmt.Errorf("checking superuser: %w", err)
	}
	return ok, nil
}

// SeedSuperusers grants the superuser role to every id in ids.
func (r *Registry) SeedSuperusers(ctx context.Context, ids []string) error {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := r.store.AddRole(ctx, id, store.RoleSuperuser); err != nil {
			return err
		}
	}
	return nil
}

// CreatePool creates a pool owned by actorID.
func (r *Registry) CreatePool(ctx context.Context, actorID, name string, visibility store.Visibility) (*store.Pool, error) {
	if actorID == "" {
		return nil, fault.Validation("actor is required")
	}
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > 64 {
		return nil, fault.Validation("pool name must be 1 to 64 characters")
	}
	if visibility == "" {
		visibility = store.VisibilityPrivate
	}
	if !visibility.Valid() {
		return nil, fault.Validation("visibility must be public or private")
	}

	p := &store.Pool{Name: name, OwnerUserID: actorID, Visibility: visibility}
	if err := r.store.CreatePool(ctx, p); err != nil {
		if errors.Is(err, store.ErrPoolExists) {
			return nil, fault.Validation("you already own a pool named %q", name)
		}
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	r.audit(ctx, actorID, store.AuditCreatePool, "pool", p.PoolID, map[string]any{
		"name":       name,
		"visibility": string(visibility),
	})
	r.logger.Info("created pool", "pool_id", p.PoolID, "owner", actorID)
	return p, nil
}

// GetPool returns a pool or a NotFound failure.
func (r *Registry) GetPool(ctx context.Context, poolID string) (*store.Pool, error) {
	return r.getPool(ctx, poolID)
}

// TransferOwnership hands a pool to newOwnerID.
func (r *Registry) TransferOwnership(ctx context.Context, actorID, poolID, newOwnerID string) error {
	if newOwnerID == "" {
		return fault.Validation("new owner is required")
	}
	pool, err := r.getPool(ctx, poolID)
	if err != nil {
		return err
	}
	if err := r.authorizePool(ctx, actorID, pool); err != nil {
		return err
	}

	found, err := r.store.UpdatePoolOwner(ctx, poolID, newOwnerID)
	if errors.Is(err, store.ErrPoolExists) {
		return fault.Validation("new owner already has a pool named %q", pool.Name)
	}
	if err != nil {
		return fmt.Errorf("transferring pool: %w", err)
	}
	if !found {
		return fault.NotFound("pool %s not found", poolID)
	}

	r.audit(ctx, actorID, store.AuditTransferPool, "pool", poolID, map[string]any{
		"from": pool.OwnerUserID,
		"to":   newOwnerID,
	})
	return nil
}

// SetVisibility changes who may contribute to a pool.
func (r *Registry) SetVisibility(ctx context.Context, actorID, poolID string, visibility store.Visibility) error {
	if !visibility.Valid() {
		return fault.Validation("visibility must be public or private")
	}
	pool, err := r.getPool(ctx, poolID)
	if err != nil {
		return err
	}
	if err := r.authorizePool(ctx, actorID, pool); err != nil {
		return err
	}
	found, err := r.store.UpdatePoolVisibility(ctx, poolID, visibility)
	if err != nil {
		return fmt.Errorf("updating visibility: %w", err)
	}
	if !found {
		return fault.NotFound("pool %s not found", poolID)
	}
	r.audit(ctx, actorID, store.AuditSetVisibility, "pool", poolID, map[string]any{"visibility": string(visibility)})
	return nil
}

// DeletePool removes a pool, detaching and deactivating its members.
// Returns the number of detached identities.
func (r *Registry) DeletePool(ctx context.Context, actorID, poolID string) (int, error) {
	pool, err := r.getPool(ctx, poolID)
	if err != nil {
		return 0, err
	}
	if err := r.authorizePool(ctx, actorID, pool); err != nil {
		return 0, err
	}
	detached, err := r.store.DeletePool(ctx, poolID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fault.NotFound("pool %s not found", poolID)
	}
	if err != nil {
		return 0, fmt.Errorf("deleting pool: %w", err)
	}

	r.audit(ctx, actorID, store.AuditDeletePool, "pool", poolID, map[string]any{
		"name":     pool.Name,
		"detached": detached,
	})
	r.logger.Info("deleted pool", "pool_id", poolID, "detached", detached)
	return detached, nil
}

// ListPublicPools returns every public pool.
func (r *Registry) ListPublicPools(ctx context.Context) ([]*store.Pool, error) {
	pools, err := r.store.ListPools(ctx, store.PoolFilter{Visibility: store.VisibilityPublic})
	if err != nil {
		return nil, fmt.Errorf("listing public pools: %w", err)
	}
	return pools, nil
}

// ListPoolsByOwner returns every pool owned by ownerID.
func (r *Registry) ListPoolsByOwner(ctx context.Context, ownerID string) ([]*store.Pool, error) {
	if ownerID == "" {
		return nil, fault.Validation("owner is required")
	}
	pools, err := r.store.ListPools(ctx, store.PoolFilter{OwnerUserID: ownerID})
	if err != nil {
		return nil, fmt.Errorf("listing pools: %w", err)
	}
	return pools, nil
}

// ResolveDefaultPool returns the guild's selected pool, or nil if none.
func (r *Registry) ResolveDefaultPool(ctx context.Context, guildID string) (*store.Pool, error) {
	gs, err := r.store.GetGuildSettings(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("loading guild settings: %w", err)
	}
	if gs.PoolID == "" {
		return nil, nil
	}
	pool, err := r.store.GetPool(ctx, gs.PoolID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading pool: %w", err)
	}
	return pool, nil
}

// SelectGuildPool sets a guild's default pool. Private pools may only be
// selected by their owner or a superuser. An empty poolID clears the choice.
func (r *Registry) SelectGuildPool(ctx context.Context, actorID, guildID, poolID string) error {
	if guildID == "" {
		return fault.Validation("guild id is required")
	}
	if poolID != "" {
		pool, err := r.getPool(ctx, poolID)
		if err != nil {
			return err
		}
		if pool.Visibility == store.VisibilityPrivate {
			if err := r.authorizePool(ctx, actorID, pool); err != nil {
				return err
			}
		}
	}
	if err := r.store.SetGuildPool(ctx, guildID, poolID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.NotFound("pool %s not found", poolID)
		}
		return fmt.Errorf("selecting guild pool: %w", err)
	}
	r.audit(ctx, actorID, store.AuditSetGuildPool, "guild", guildID, map[string]any{"pool_id": poolID})
	return nil
}

// SetIdlePolicy stores a guild's idle-release override in milliseconds.
// nil removes the override; 0 disables reclamation for the guild.
func (r *Registry) SetIdlePolicy(ctx context.Context, actorID, guildID string, idleReleaseMs *int64) error {
	if guildID == "" {
		return fault.Validation("guild id is required")
	}
	if idleReleaseMs != nil && *idleReleaseMs < 0 {
		return fault.Validation("idle release must be zero or positive")
	}
	if err := r.store.SetGuildIdlePolicy(ctx, guildID, idleReleaseMs); err != nil {
		return fmt.Errorf("setting idle policy: %w", err)
	}
	detail := map[string]any{"idle_release_ms": nil}
	if idleReleaseMs != nil {
		detail["idle_release_ms"] = *idleReleaseMs
	}
	r.audit(ctx, actorID, store.AuditSetIdlePolicy, "guild", guildID, detail)
	return nil
}

// IdlePolicy returns a guild's override, or nil when it defers to the default.
func (r *Registry) IdlePolicy(ctx context.Context, guildID string) (*int64, error) {
	gs, err := r.store.GetGuildSettings(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("loading guild settings: %w", err)
	}
	return gs.IdleReleaseMs, nil
}

// IdlePolicies returns every explicit guild override.
func (r *Registry) IdlePolicies(ctx context.Context) (map[string]int64, error) {
	return r.store.ListGuildIdlePolicies(ctx)
}

// AuditLog lists audit entries.
func (r *Registry) AuditLog(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	return r.store.ListAuditLog(ctx, f)
}

// CanManagePool reports whether actorID owns the pool or is a superuser.
func (r *Registry) CanManagePool(ctx context.Context, actorID string, pool *store.Pool) (bool, error) {
	err := r.authorizePool(ctx, actorID, pool)
	if errors.Is(err, fault.ErrUnauthorized) {
		return false, nil
	}
	return err == nil, err
}

func (r *Registry) authorizePool(ctx context.Context, actorID string, pool *store.Pool) error {
	if actorID == "" {
		return fault.Validation("actor is required")
	}
	if pool.OwnerUserID == actorID {
		return nil
	}
	superuser, err := r.IsSuperuser(ctx, actorID)
	if err != nil {
		return err
	}
	if superuser {
		return nil
	}
	return fault.Unauthorized("only the owner of pool %q can do that", pool.Name)
}

func (r *Registry) getPool(ctx context.Context, poolID string) (*store.Pool, error) {
	if poolID == "" {
		return nil, fault.Validation("pool id is required")
	}
	p, err := r.store.GetPool(ctx, poolID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound("pool %s not found", poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading pool: %w", err)
	}
	return p, nil
}
