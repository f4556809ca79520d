// ABOUTME: Membership Reconciler comparing runner-claimed guilds with platform ground truth
// ABOUTME: All-or-nothing per guild; retracts stale claims and maintains the verified tier

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wokspec/chopsticks-fleet/internal/agent"
	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/ttlset"
)

// MembershipSource answers whether a platform user is in a guild.
type MembershipSource interface {
	IsMember(ctx context.Context, guildID, userID string) (bool, error)
}

// LiveTable is the slice of the live connection table the reconciler needs.
type LiveTable interface {
	Snapshot() *agent.Snapshot
	RetractGuild(guildID string, agentIDs []string) ([]string, error)
}

// Membership is one verified (guild, agent) pair.
type Membership struct {
	GuildID string
	AgentID string
}

// Config tunes the reconciler.
type Config struct {
	VerifiedTTL time.Duration // how long a confirmation stays verified
	Concurrency int           // parallel platform lookups per guild
	MaxVerified int

	// UserID maps a live agent to its platform user id. Defaults to the
	// bot user id the runner reported.
	UserID func(agent.LiveAgent) string
}

func (c Config) withDefaults() Config {
	if c.VerifiedTTL <= 0 {
		c.VerifiedTTL = 15 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxVerified <= 0 {
		c.MaxVerified = 50_000
	}
	if c.UserID == nil {
		c.UserID = func(a agent.LiveAgent) string { return a.BotUserID }
	}
	return c
}

// Report describes one applied guild check.
type Report struct {
	GuildID   string   `json:"guild_id"`
	Checked   int      `json:"checked"`
	Verified  []string `json:"verified"`
	Retracted []string `json:"retracted"`
}

// Reconciler runs membership checks.
type Reconciler struct {
	live     LiveTable
	source   MembershipSource
	verified *ttlset.Set[Membership]
	cfg      Config

	// guildLocks serializes passes for the same guild.
	guildLocks sync.Map // guild id -> *sync.Mutex

	logger *slog.Logger
}

// New creates a Reconciler. Close releases the verified tier's sweeper.
func New(live LiveTable, source MembershipSource, cfg Config, logger *slog.Logger) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		live:     live,
		source:   source,
		verified: ttlset.New[Membership](cfg.VerifiedTTL, cfg.MaxVerified, time.Minute),
		cfg:      cfg,
		logger:   logger.With("component", "reconciler"),
	}
}

// Bind drops verified memberships of agents that leave the live table.
func (r *Reconciler) Bind(m *agent.Manager) {
	m.OnDisconnect(func(gone agent.LiveAgent) {
		r.verified.DeleteFunc(func(k Membership) bool { return k.AgentID == gone.AgentID })
	})
}

// Close stops background work.
func (r *Reconciler) Close() { r.verified.Close() }

func (r *Reconciler) lockGuild(guildID string) func() {
	v, _ := r.guildLocks.LoadOrStore(guildID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// VerifyGuild checks every agent claiming guildID. If any lookup fails the
// pass is aborted and nothing changes.
func (r *Reconciler) VerifyGuild(ctx context.Context, guildID string) (*Report, error) {
	if guildID == "" {
		return nil, fault.Validation("guild id is required")
	}
	unlock := r.lockGuild(guildID)
	defer unlock()

	claimed := r.live.Snapshot().InGuild(guildID)
	report := &Report{GuildID: guildID, Checked: len(claimed), Verified: []string{}, Retracted: []string{}}
	if len(claimed) == 0 {
		r.verified.DeleteFunc(func(k Membership) bool { return k.GuildID == guildID })
		return report, nil
	}

	userIDs := make([]string, len(claimed))
	for i, a := range claimed {
		userIDs[i] = r.cfg.UserID(a)
		if userIDs[i] == "" {
			return nil, fault.Integrity("agent %s has not reported its platform user id", a.AgentID)
		}
	}

	present := make([]bool, len(claimed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range claimed {
		g.Go(func() error {
			ok, err := r.source.IsMember(gctx, guildID, userIDs[i])
			if err != nil {
				return fmt.Errorf("checking %s: %w", claimed[i].AgentID, err)
			}
			present[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("membership check aborted, no changes applied", "guild_id", guildID, "error", err)
		return nil, fmt.Errorf("verifying guild %s: %w", guildID, err)
	}

	var absent []string
	for i, a := range claimed {
		key := Membership{GuildID: guildID, AgentID: a.AgentID}
		if present[i] {
			r.verified.Mark(key)
			report.Verified = append(report.Verified, a.AgentID)
			continue
		}
		r.verified.Delete(key)
		absent = append(absent, a.AgentID)
	}

	if len(absent) > 0 {
		changed, err := r.live.RetractGuild(guildID, absent)
		if err != nil {
			return nil, fmt.Errorf("retracting stale claims: %w", err)
		}
		report.Retracted = append(report.Retracted, changed...)
		r.logger.Info("retracted stale guild claims", "guild_id", guildID, "agents", changed)
	}
	return report, nil
}

// VerifyAll checks every guild currently claimed by a live agent. A failed
// guild is logged and skipped; the others still apply.
func (r *Reconciler) VerifyAll(ctx context.Context) ([]*Report, error) {
	var reports []*Report
	for _, guildID := range r.live.Snapshot().ClaimedGuilds() {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep, err := r.VerifyGuild(ctx, guildID)
		if err != nil {
			continue
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// IsVerified reports whether the platform recently confirmed the membership.
func (r *Reconciler) IsVerified(guildID, agentID string) bool {
	return r.verified.Has(Membership{GuildID: guildID, AgentID: agentID})
}

// VerifiedGuilds returns the guilds verified for agentID.
func (r *Reconciler) VerifiedGuilds(agentID string) []string {
	var out []string
	for _, m := range r.verified.Members() {
		if m.AgentID == agentID {
			out = append(out, m.GuildID)
		}
	}
	sort.Strings(out)
	return out
}
