// ABOUTME: Fleet controller composing registry, live table, dispatcher, broker and reconciler
// ABOUTME: Implements deploy plans, merged agent listings, restart, scale and raw requests

package fleet

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/wokspec/chopsticks-fleet/internal/agent"
	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/planner"
	"github.com/wokspec/chopsticks-fleet/internal/reconcile"
	"github.com/wokspec/chopsticks-fleet/internal/registry"
	"github.com/wokspec/chopsticks-fleet/internal/session"
	"github.com/wokspec/chopsticks-fleet/internal/store"
	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

// LiveTable exposes the current live snapshot.
type LiveTable interface {
	Snapshot() *agent.Snapshot
}

// Requester dispatches a command to an agent.
type Requester interface {
	Request(ctx context.Context, agentID, name string, payload any, opts agent.RequestOptions) (*agent.Result, error)
}

// Config tunes the controller.
type Config struct {
	Limits         planner.Limits
	ScaleSecret    string
	CommandTimeout time.Duration // restart and scale
	MaxRequestWait time.Duration // upper bound for raw request timeouts
}

func (c Config) withDefaults() Config {
	if c.Limits == (planner.Limits{}) {
		c.Limits = planner.DefaultLimits
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.MaxRequestWait <= 0 {
		c.MaxRequestWait = time.Minute
	}
	return c
}

// Controller implements the fleet operations.
type Controller struct {
	registry   *registry.Registry
	live       LiveTable
	rpc        Requester
	sessions   *session.Broker
	reconciler *reconcile.Reconciler
	cfg        Config
	logger     *slog.Logger
}

// New creates a Controller.
func New(reg *registry.Registry, live LiveTable, rpc Requester, sessions *session.Broker, rec *reconcile.Reconciler, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		registry:   reg,
		live:       live,
		rpc:        rpc,
		sessions:   sessions,
		reconciler: rec,
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "fleet"),
	}
}

// Registry returns the underlying registry.
func (c *Controller) Registry() *registry.Registry { return c.registry }

// Sessions returns the session broker.
func (c *Controller) Sessions() *session.Broker { return c.sessions }

// AgentView is a stored identity merged with its live state. Credentials are
// never part of it.
type AgentView struct {
	AgentID          string          `json:"agent_id"`
	ClientID         string          `json:"client_id"`
	DisplayTag       string          `json:"display_tag"`
	PoolID           string          `json:"pool_id,omitempty"`
	Status           string          `json:"status"`
	ContributedBy    string          `json:"contributed_by,omitempty"`
	Profile          json.RawMessage `json:"profile,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	Connected        bool            `json:"connected"`
	State            string          `json:"state,omitempty"`
	RunnerID         string          `json:"runner_id,omitempty"`
	BusyKey          string          `json:"busy_key,omitempty"`
	BusyKind         string          `json:"busy_kind,omitempty"`
	ReportedGuildIDs []string        `json:"reported_guild_ids"`
	VerifiedGuildIDs []string        `json:"verified_guild_ids"`
	Session          *session.Key    `json:"session,omitempty"`
}

// ListAgents returns stored identities, optionally restricted to a pool,
// merged with one consistent live snapshot.
func (c *Controller) ListAgents(ctx context.Context, poolID string) ([]AgentView, error) {
	agents, err := c.registry.ListAgents(ctx, store.AgentFilter{PoolID: poolID})
	if err != nil {
		return nil, err
	}
	snap := c.live.Snapshot()

	views := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		v := AgentView{
			AgentID:          a.AgentID,
			ClientID:         a.ClientID,
			DisplayTag:       a.DisplayTag,
			PoolID:           a.PoolID,
			Status:           string(a.Status),
			ContributedBy:    a.ContributedBy,
			Profile:          a.Profile,
			CreatedAt:        a.CreatedAt,
			ReportedGuildIDs: []string{},
			VerifiedGuildIDs: []string{},
		}
		if live, ok := snap.Get(a.AgentID); ok {
			v.Connected = true
			v.State = string(live.State())
			v.RunnerID = live.RunnerID
			v.BusyKey = live.BusyKey
			v.BusyKind = live.BusyKind
			if live.GuildIDs != nil {
				v.ReportedGuildIDs = live.GuildIDs
			}
			if live.DisplayTag != "" {
				v.DisplayTag = live.DisplayTag
			}
		}
		if c.reconciler != nil {
			if verified := c.reconciler.VerifiedGuilds(a.AgentID); verified != nil {
				v.VerifiedGuildIDs = verified
			}
		}
		if key, ok := c.sessions.AgentAssignment(a.AgentID); ok {
			v.Session = &key
		}
		views = append(views, v)
	}
	return views, nil
}

// BuildDeployPlan plans how many agents of a pool a guild still needs. An
// empty poolID uses the guild's default pool. Planning for a private pool
// requires its owner or a superuser.
func (c *Controller) BuildDeployPlan(ctx context.Context, actorID, guildID, poolID string, desired int) (*planner.Plan, error) {
	if guildID == "" {
		return nil, fault.Validation("guild id is required")
	}
	if err := c.cfg.Limits.Validate(desired); err != nil {
		return nil, err
	}

	var pool *store.Pool
	var err error
	if poolID == "" {
		pool, err = c.registry.ResolveDefaultPool(ctx, guildID)
		if err != nil {
			return nil, err
		}
		if pool == nil {
			return nil, fault.Validation("guild %s has no default pool; choose one first", guildID)
		}
	} else if pool, err = c.registry.GetPool(ctx, poolID); err != nil {
		return nil, err
	}

	if pool.Visibility == store.VisibilityPrivate {
		ok, err := c.registry.CanManagePool(ctx, actorID, pool)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.Unauthorized("pool %q is private", pool.Name)
		}
	}

	stored, err := c.registry.ListAgents(ctx, store.AgentFilter{PoolID: pool.PoolID})
	if err != nil {
		return nil, err
	}
	snap := c.live.Snapshot()
	req := planner.Request{
		GuildID:      guildID,
		PoolID:       pool.PoolID,
		DesiredTotal: desired,
		Agents:       make([]planner.PoolAgent, 0, len(stored)),
		Present:      map[string]bool{},
	}
	for _, a := range stored {
		req.Agents = append(req.Agents, planner.PoolAgent{
			AgentID:    a.AgentID,
			ClientID:   a.ClientID,
			DisplayTag: a.DisplayTag,
			Active:     a.Status == store.AgentActive,
		})
		if live, ok := snap.Get(a.AgentID); ok && live.ClaimsGuild(guildID) {
			req.Present[a.AgentID] = true
		}
	}

	plan, err := planner.Build(c.cfg.Limits, req)
	if err != nil {
		return nil, err
	}
	c.logger.Info("built deploy plan",
		"guild_id", guildID,
		"pool_id", pool.PoolID,
		"desired", desired,
		"present", plan.PresentCount,
		"invites", len(plan.Invites),
		"shortfall", plan.Shortfall,
	)
	return plan, nil
}

// Restart asks an agent's runner to restart it. The stored status becomes
// restarting and flips back to active when the agent reconnects. A failed
// command restores the previous status and is reported, never retried.
func (c *Controller) Restart(ctx context.Context, actorID, agentID, reason string) error {
	a, err := c.registry.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if err := c.registry.AuthorizeAgent(ctx, actorID, a); err != nil {
		return err
	}
	if !c.live.Snapshot().Connected(agentID) {
		return fault.NotFound("agent %s is not connected", agentID)
	}

	previous := a.Status
	if _, err := c.registry.SetRestarting(ctx, agentID); err != nil {
		return err
	}
	_, err = c.rpc.Request(ctx, agentID, wire.CmdRestart, wire.RestartPayload{Reason: reason},
		agent.RequestOptions{Timeout: c.cfg.CommandTimeout})
	if err != nil {
		if rerr := c.registry.RestoreStatus(context.WithoutCancel(ctx), agentID, previous); rerr != nil {
			c.logger.Error("failed to restore status after restart failure", "agent_id", agentID, "error", rerr)
		}
		return err
	}
	c.registry.RecordAudit(ctx, actorID, store.AuditRestartAgent, "agent", agentID, map[string]any{"reason": reason})
	c.logger.Info("restart requested", "agent_id", agentID, "actor", actorID)
	return nil
}

// Scale forwards a scale command to the runner hosting agentID. The caller
// must present the configured scale secret.
func (c *Controller) Scale(ctx context.Context, presented, agentID string, count int) (*agent.Result, error) {
	if c.cfg.ScaleSecret == "" {
		return nil, fault.Unauthorized("scaling is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(c.cfg.ScaleSecret)) != 1 {
		return nil, fault.Unauthorized("invalid scale secret")
	}
	if agentID == "" {
		return nil, fault.Validation("agent id is required")
	}
	if count < 0 || count > c.cfg.Limits.Max {
		return nil, fault.Validation("count must be between 0 and %d", c.cfg.Limits.Max)
	}
	res, err := c.rpc.Request(ctx, agentID, wire.CmdScale, wire.ScalePayload{Count: count},
		agent.RequestOptions{Timeout: c.cfg.CommandTimeout})
	if err != nil {
		return nil, err
	}
	c.registry.RecordAudit(ctx, "", store.AuditScaleAgent, "agent", agentID, map[string]any{"count": count})
	c.logger.Info("scale requested", "agent_id", agentID, "count", count)
	return res, nil
}

// reserved commands have dedicated, authorized entry points.
var reserved = map[string]bool{
	wire.CmdRestart: true,
	wire.CmdScale:   true,
}

// Request sends a free-form command to an agent and waits for its reply.
// A zero timeout uses the dispatcher default.
func (c *Controller) Request(ctx context.Context, agentID, name string, payload json.RawMessage, timeout time.Duration) (*agent.Result, error) {
	if agentID == "" || name == "" {
		return nil, fault.Validation("agent id and command are required")
	}
	if reserved[name] {
		return nil, fault.Validation("command %q must use its dedicated endpoint", name)
	}
	if timeout < 0 || timeout > c.cfg.MaxRequestWait {
		return nil, fault.Validation("timeout must be between 0 and %s", c.cfg.MaxRequestWait)
	}
	if len(payload) == 0 {
		payload = nil
	}
	return c.rpc.Request(ctx, agentID, name, payload, agent.RequestOptions{Timeout: timeout})
}

// VerifyMembership reconciles one guild's claimed membership.
func (c *Controller) VerifyMembership(ctx context.Context, guildID string) (*reconcile.Report, error) {
	if c.reconciler == nil {
		return nil, fault.Remote(nil, "membership verification is not configured")
	}
	return c.reconciler.VerifyGuild(ctx, guildID)
}
