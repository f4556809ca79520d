// ABOUTME: Registry service: identity registration with proof of control and pool administration
// ABOUTME: Maps store sentinels onto fault kinds and audits every mutation

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/platform"
	"github.com/wokspec/chopsticks-fleet/internal/secret"
	"github.com/wokspec/chopsticks-fleet/internal/store"
)

// Verifier authenticates a bot credential against the platform.
type Verifier interface {
	VerifyBot(ctx context.Context, credential string) (*platform.BotIdentity, error)
}

// Operation reports whether Register created or overwrote an identity.
type Operation string

const (
	OpInserted Operation = "inserted"
	OpUpdated  Operation = "updated"
)

// Config tunes registration behaviour.
type Config struct {
	ContributionLimit  int
	ContributionWindow time.Duration
	AuthTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.ContributionLimit <= 0 {
		c.ContributionLimit = 3
	}
	if c.ContributionWindow <= 0 {
		c.ContributionWindow = time.Hour
	}
	if c.AuthTimeout <= 0 || c.AuthTimeout > 10*time.Second {
		c.AuthTimeout = 10 * time.Second
	}
	return c
}

// Registry is the durable identity and pool service.
type Registry struct {
	store    store.Store
	sealer   *secret.Sealer
	verifier Verifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Registry.
func New(s store.Store, sealer *secret.Sealer, verifier Verifier, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		store:    s,
		sealer:   sealer,
		verifier: verifier,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "registry"),
		now:      time.Now,
	}
}

// AgentIDFor derives the stable agent id from a platform client id.
func AgentIDFor(clientID string) string {
	return "agent" + clientID
}

var snowflake = regexp.MustCompile(`^[0-9]{5,25}$`)

// RegisterRequest is a claim that Credential controls the bot ClientID.
type RegisterRequest struct {
	ActorID    string
	Credential string
	ClientID   string
	DisplayTag string // optional; when set it must match the platform's answer
	PoolID     string // optional; defaults to the guild's selected pool
	GuildID    string
	Profile    json.RawMessage
}

// RegisterResult describes a successful registration.
type RegisterResult struct {
	AgentID    string
	Operation  Operation
	PoolID     string
	Status     store.AgentStatus
	DisplayTag string
	Pending    bool
}

// Register validates, authorizes, proves control of the credential and then
// stores the identity.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.ActorID == "" {
		return nil, fault.Validation("actor is required")
	}
	if strings.TrimSpace(req.Credential) == "" {
		return nil, fault.Validation("credential is required")
	}
	if !snowflake.MatchString(req.ClientID) {
		return nil, fault.Validation("client id must be a platform snowflake")
	}
	if err := validateProfile(req.Profile); err != nil {
		return nil, err
	}

	poolID := req.PoolID
	if poolID == "" && req.GuildID != "" {
		pool, err := r.ResolveDefaultPool(ctx, req.GuildID)
		if err != nil {
			return nil, err
		}
		if pool != nil {
			poolID = pool.PoolID
		}
	}
	if poolID == "" {
		return nil, fault.Validation("no pool given and no default pool selected")
	}

	pool, err := r.getPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	superuser, err := r.IsSuperuser(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	privileged := superuser || pool.OwnerUserID == req.ActorID
	if !privileged && pool.Visibility != store.VisibilityPublic {
		return nil, fault.Unauthorized("pool %q is private", pool.Name)
	}

	agentID := AgentIDFor(req.ClientID)
	existing, err := r.store.GetAgent(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if existing != nil && !superuser {
		ownsCurrent := false
		if existing.PoolID != "" {
			current, err := r.getPool(ctx, existing.PoolID)
			if err != nil {
				return nil, err
			}
			ownsCurrent = current.OwnerUserID == req.ActorID
		}
		ownPending := existing.Status == store.AgentInactive && existing.ContributedBy == req.ActorID
		switch {
		case existing.PoolID != "" && existing.PoolID != pool.PoolID && !ownsCurrent:
			return nil, fault.Unauthorized("agent already belongs to another pool")
		case !privileged && !ownsCurrent && !ownPending:
			// Contributors may only refresh their own pending contribution.
			return nil, fault.Unauthorized("agent is already registered")
		}
	}

	identity, err := r.proveControl(ctx, req)
	if err != nil {
		return nil, err
	}

	sealed, err := r.sealer.Seal(req.Credential)
	if err != nil {
		return nil, fmt.Errorf("sealing credential: %w", err)
	}

	agent := &store.Agent{
		AgentID:          agentID,
		ClientID:         req.ClientID,
		DisplayTag:       identity.DisplayTag,
		PoolID:           pool.PoolID,
		Status:           store.AgentActive,
		Profile:          req.Profile,
		CredentialSealed: sealed,
	}

	var quota *store.ContributionQuota
	if !privileged {
		agent.Status = store.AgentInactive
		agent.ContributedBy = req.ActorID
		quota = &store.ContributionQuota{
			Since: r.now().Add(-r.cfg.ContributionWindow),
			Limit: r.cfg.ContributionLimit,
		}
	}

	inserted, err := r.store.UpsertAgent(ctx, agent, quota)
	if errors.Is(err, store.ErrQuotaExceeded) {
		return nil, fault.RateLimited("at most %d pending contributions per pool every %s",
			r.cfg.ContributionLimit, r.cfg.ContributionWindow)
	}
	if err != nil {
		return nil, fmt.Errorf("storing agent: %w", err)
	}

	op := OpUpdated
	if inserted {
		op = OpInserted
	}
	action := store.AuditRegisterAgent
	if !privileged {
		action = store.AuditContributeAgent
	}
	r.audit(ctx, req.ActorID, action, "agent", agentID, map[string]any{
		"pool_id":   pool.PoolID,
		"operation": string(op),
		"status":    string(agent.Status),
	})

	r.logger.Info("registered agent",
		"agent_id", agentID,
		"pool_id", pool.PoolID,
		"operation", op,
		"pending", !privileged,
	)

	return &RegisterResult{
		AgentID:    agentID,
		Operation:  op,
		PoolID:     pool.PoolID,
		Status:     agent.Status,
		DisplayTag: agent.DisplayTag,
		Pending:    !privileged,
	}, nil
}

func (r *Registry) proveControl(ctx context.Context, req RegisterRequest) (*platform.BotIdentity, error) {
	if r.verifier == nil {
		return nil, errors.New("no credential verifier configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AuthTimeout)
	defer cancel()

	identity, err := r.verifier.VerifyBot(ctx, req.Credential)
	if err != nil {
		if fault.KindOf(err) == fault.KindInternal {
			return nil, fault.Remote(errors.New(fault.Redact(err.Error(), req.Credential)), "credential handshake failed")
		}
		return nil, err
	}
	if identity.ClientID != req.ClientID {
		return nil, fault.Validation("credential does not belong to the claimed client id")
	}
	if req.DisplayTag != "" && identity.DisplayTag != req.DisplayTag {
		return nil, fault.Validation("credential does not belong to the claimed bot tag")
	}
	return identity, nil
}

// UpdateStatus sets an identity's status. Only the pool owner or a
// superuser may do this; activating a pending contribution is approval.
// Returns false without error when the agent doesn't exist.
func (r *Registry) UpdateStatus(ctx context.Context, actorID, agentID string, status store.AgentStatus) (bool, error) {
	if !status.Valid() {
		return false, fault.Validation("unknown status %q", status)
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading agent: %w", err)
	}
	if err := r.authorizeAgent(ctx, actorID, agent, false); err != nil {
		return false, err
	}
	if status != store.AgentInactive && agent.PoolID == "" {
		return false, fault.Integrity("agent is not in a pool")
	}

	found, err := r.store.UpdateAgentStatus(ctx, agentID, status)
	if err != nil {
		return false, fmt.Errorf("updating status: %w", err)
	}
	if found {
		detail := map[string]any{"from": string(agent.Status), "to": string(status)}
		if agent.ContributedBy != "" && agent.Status == store.AgentInactive && status == store.AgentActive {
			detail["approved_contribution_from"] = agent.ContributedBy
		}
		r.audit(ctx, actorID, store.AuditUpdateAgentStatus, "agent", agentID, detail)
	}
	return found, nil
}

// SetRestarting marks an identity as restarting without an actor check; the
// caller has already authorized the restart.
func (r *Registry) SetRestarting(ctx context.Context, agentID string) (bool, error) {
	return r.store.UpdateAgentStatus(ctx, agentID, store.AgentRestarting)
}

// MarkReconnected flips a restarting identity back to active.
func (r *Registry) MarkReconnected(ctx context.Context, agent *store.Agent) error {
	if agent.Status != store.AgentRestarting {
		return nil
	}
	if _, err := r.store.UpdateAgentStatus(ctx, agent.AgentID, store.AgentActive); err != nil {
		return fmt.Errorf("reactivating agent: %w", err)
	}
	agent.Status = store.AgentActive
	return nil
}

// UpdateProfile replaces an identity's opaque profile.
func (r *Registry) UpdateProfile(ctx context.Context, actorID, agentID string, profile json.RawMessage) (bool, error) {
	if err := validateProfile(profile); err != nil {
		return false, err
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading agent: %w", err)
	}
	if err := r.authorizeAgent(ctx, actorID, agent, false); err != nil {
		return false, err
	}
	found, err := r.store.UpdateAgentProfile(ctx, agentID, profile)
	if err != nil {
		return false, fmt.Errorf("updating profile: %w", err)
	}
	if found {
		r.audit(ctx, actorID, store.AuditUpdateProfile, "agent", agentID, nil)
	}
	return found, nil
}

// Delete removes an identity. Contributors may withdraw their own pending rows.
func (r *Registry) Delete(ctx context.Context, actorID, agentID string) (bool, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading agent: %w", err)
	}
	if err := r.authorizeAgent(ctx, actorID, agent, true); err != nil {
		return false, err
	}
	found, err := r.store.DeleteAgent(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("deleting agent: %w", err)
	}
	if found {
		r.audit(ctx, actorID, store.AuditDeleteAgent, "agent", agentID, map[string]any{"pool_id": agent.PoolID})
		r.logger.Info("deleted agent", "agent_id", agentID)
	}
	return found, nil
}

// GetAgent returns a stored identity or a NotFound failure.
func (r *Registry) GetAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	a, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound("agent %s not found", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	return a, nil
}

// ListAgents returns stored identities matching filter.
func (r *Registry) ListAgents(ctx context.Context, filter store.AgentFilter) ([]*store.Agent, error) {
	agents, err := r.store.ListAgents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return agents, nil
}

// Credential unseals an identity's credential for delivery to its runner.
// The value must never be logged.
func (r *Registry) Credential(agent *store.Agent) (string, error) {
	cred, err := r.sealer.Open(agent.CredentialSealed)
	if err != nil {
		return "", fmt.Errorf("opening credential for %s: %w", agent.AgentID, err)
	}
	return cred, nil
}

// ListPendingContributions returns inactive contributed identities in a pool.
func (r *Registry) ListPendingContributions(ctx context.Context, actorID, poolID string) ([]*store.Agent, error) {
	pool, err := r.getPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if err := r.authorizePool(ctx, actorID, pool); err != nil {
		return nil, err
	}
	agents, err := r.store.ListAgents(ctx, store.AgentFilter{PoolID: poolID, Status: store.AgentInactive})
	if err != nil {
		return nil, fmt.Errorf("listing pending contributions: %w", err)
	}
	pending := agents[:0]
	for _, a := range agents {
		if a.ContributedBy != "" {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

// AuthorizeAgent fails with an authorization error unless actorID owns the
// agent's pool or is a superuser.
func (r *Registry) AuthorizeAgent(ctx context.Context, actorID string, agent *store.Agent) error {
	return r.authorizeAgent(ctx, actorID, agent, false)
}

// RecordAudit appends an audit entry for an action performed outside the
// registry, such as a restart or scale command.
func (r *Registry) RecordAudit(ctx context.Context, actorID string, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	r.audit(ctx, actorID, action, targetType, targetID, detail)
}

// RestoreStatus puts an agent back to a previous status without an actor
// check, used to undo SetRestarting when the restart command fails.
func (r *Registry) RestoreStatus(ctx context.Context, agentID string, status store.AgentStatus) error {
	if _, err := r.store.UpdateAgentStatus(ctx, agentID, status); err != nil {
		return fmt.Errorf("restoring status: %w", err)
	}
	return nil
}

// authorizeAgent allows the owner of the agent's pool or a superuser. When
// allowContributor is set, the user who contributed a still-pending agent is
// allowed as well.
func (r *Registry) authorizeAgent(ctx context.Context, actorID string, agent *store.Agent, allowContributor bool) error {
	if actorID == "" {
		return fault.Validation("actor is required")
	}
	superuser, err := r.IsSuperuser(ctx, actorID)
	if err != nil {
		return err
	}
	if superuser {
		return nil
	}
	if allowContributor && agent.ContributedBy == actorID && agent.Status == store.AgentInactive {
		return nil
	}
	if agent.PoolID != "" {
		pool, err := r.getPool(ctx, agent.PoolID)
		if err != nil {
			return err
		}
		if pool.OwnerUserID == actorID {
			return nil
		}
	}
	return fault.Unauthorized("only the pool owner can manage this agent")
}

func (r *Registry) audit(ctx context.Context, actorID string, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	err := r.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		r.logger.Warn("failed to append audit log", "action", action, "target_id", targetID, "error", err)
	}
}

func validateProfile(profile json.RawMessage) error {
	if len(profile) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(profile, &obj); err != nil {
		return fault.Validation("profile must be a JSON object")
	}
	if len(profile) > 16*1024 {
		return fault.Validation("profile exceeds 16KiB")
	}
	return nil
}
