// ABOUTME: Session Broker: exclusive (guild, channel, kind) to agent assignments with TTL pins
// ABOUTME: Consumes live status and disconnect events and releases sessions over best-effort RPC

package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wokspec/chopsticks-fleet/internal/agent"
	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

// Kind separates music sessions from assistant sessions in the same channel.
type Kind string

const (
	KindMusic     Kind = wire.KindMusic
	KindAssistant Kind = wire.KindAssistant
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindMusic || k == KindAssistant }

func (k Kind) leaveCommand() string {
	if k == KindAssistant {
		return wire.CmdAssistantLeave
	}
	return wire.CmdMusicLeave
}

// Key identifies a session slot.
type Key struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Kind      Kind   `json:"kind"`
}

// BusyKey renders the key the way runners report it.
func (k Key) BusyKey() string { return k.GuildID + ":" + k.ChannelID }

// KeyFromBusy parses a runner busy report. ok is false for malformed input.
func KeyFromBusy(busyKey, busyKind string) (Key, bool) {
	guild, channel, found := strings.Cut(busyKey, ":")
	k := Key{GuildID: guild, ChannelID: channel, Kind: Kind(busyKind)}
	if !found || guild == "" || channel == "" || !k.Kind.Valid() {
		return Key{}, false
	}
	return k, true
}

// Assignment is one occupied session slot.
type Assignment struct {
	Key
	AgentID      string    `json:"agent_id"`
	Explicit     bool      `json:"explicit"`
	PinnedUntil  time.Time `json:"pinned_until,omitzero"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	gen uint64
}

// LiveTable exposes the current live snapshot.
type LiveTable interface {
	Snapshot() *agent.Snapshot
}

// Requester dispatches a command to an agent.
type Requester interface {
	Request(ctx context.Context, agentID, name string, payload any, opts agent.RequestOptions) (*agent.Result, error)
}

// PolicySource returns explicit per-guild idle overrides in milliseconds.
type PolicySource interface {
	IdlePolicies(ctx context.Context) (map[string]int64, error)
}

// Config tunes the broker.
type Config struct {
	DefaultIdleRelease time.Duration // 0 disables reclamation unless a guild overrides it
	DefaultPinTTL      time.Duration
	MinPinTTL          time.Duration
	MaxPinTTL          time.Duration
	AcquireGrace       time.Duration // how long an acquired agent may take to report busy
	ReleaseTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinPinTTL <= 0 {
		c.MinPinTTL = time.Minute
	}
	if c.MaxPinTTL <= 0 {
		c.MaxPinTTL = 24 * time.Hour
	}
	if c.DefaultPinTTL <= 0 {
		c.DefaultPinTTL = 5 * time.Minute
	}
	if c.AcquireGrace <= 0 {
		c.AcquireGrace = 2 * time.Minute
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 5 * time.Second
	}
	return c
}

// Broker owns session assignments.
type Broker struct {
	mu      sync.Mutex
	byKey   map[Key]*Assignment
	byAgent map[string]Key
	gen     uint64

	live     LiveTable
	rpc      Requester
	policies PolicySource
	cfg      Config

	sweeping atomic.Bool
	now      func() time.Time
	logger   *slog.Logger
}

// NewBroker creates a Broker. Call Bind to subscribe it to a Manager.
func NewBroker(live LiveTable, rpc Requester, policies PolicySource, cfg Config, logger *slog.Logger) *Broker {
	return &Broker{
		byKey:    map[Key]*Assignment{},
		byAgent:  map[string]Key{},
		live:     live,
		rpc:      rpc,
		policies: policies,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   logger.With("component", "sessions"),
	}
}

// Bind subscribes the broker to live table events.
func (b *Broker) Bind(m *agent.Manager) {
	m.OnStatus(b.HandleStatus)
	m.OnDisconnect(b.HandleDisconnect)
}

func validKey(k Key) error {
	if k.GuildID == "" || k.ChannelID == "" {
		return fault.Validation("guild id and channel id are required")
	}
	if !k.Kind.Valid() {
		return fault.Validation("kind must be music or assistant")
	}
	return nil
}

// SetPreferred pins agentID to the key for ttl (zero uses the default TTL).
// An existing assignment for the key is replaced. The agent must be
// connected, claim the guild and not already serve another key.
func (b *Broker) SetPreferred(key Key, agentID string, ttl time.Duration) (*Assignment, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if agentID == "" {
		return nil, fault.Validation("agent id is required")
	}
	if ttl == 0 {
		ttl = b.cfg.DefaultPinTTL
	}
	if ttl < b.cfg.MinPinTTL || ttl > b.cfg.MaxPinTTL {
		return nil, fault.Validation("pin duration must be between %s and %s", b.cfg.MinPinTTL, b.cfg.MaxPinTTL)
	}

	live, ok := b.live.Snapshot().Get(agentID)
	if !ok {
		return nil, fault.NotFound("agent %s is not connected", agentID)
	}
	if !live.ClaimsGuild(key.GuildID) {
		return nil, fault.Validation("agent %s is not in guild %s", agentID, key.GuildID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if held, ok := b.byAgent[agentID]; ok && held != key {
		return nil, fault.Integrity("agent %s is already serving another session", agentID)
	}
	if live.BusyKey != "" && live.BusyKey != key.BusyKey() {
		return nil, fault.Integrity("agent %s is busy elsewhere", agentID)
	}

	now := b.now()
	if old, ok := b.byKey[key]; ok && old.AgentID != agentID {
		delete(b.byAgent, old.AgentID)
		b.logger.Info("pin replaced", "guild_id", key.GuildID, "channel_id", key.ChannelID,
			"kind", key.Kind, "old_agent", old.AgentID, "new_agent", agentID)
	}

	a := &Assignment{
		Key:          key,
		AgentID:      agentID,
		Explicit:     true,
		PinnedUntil:  now.Add(ttl),
		Active:       live.BusyKey == key.BusyKey() && Kind(live.BusyKind) == key.Kind,
		CreatedAt:    now,
		LastActivity: now,
	}
	b.store(a)

	b.logger.Debug("pinned agent", "guild_id", key.GuildID, "channel_id", key.ChannelID,
		"kind", key.Kind, "agent_id", agentID, "ttl", ttl)
	out := *a
	return &out, nil
}

// store must be called with mu held.
func (b *Broker) store(a *Assignment) {
	b.gen++
	a.gen = b.gen
	b.byKey[a.Key] = a
	b.byAgent[a.AgentID] = a.Key
}

// drop must be called with mu held.
func (b *Broker) drop(a *Assignment) {
	delete(b.byKey, a.Key)
	if k, ok := b.byAgent[a.AgentID]; ok && k == a.Key {
		delete(b.byAgent, a.AgentID)
	}
}

// lookup returns the current valid assignment for key. Expired pins are
// cleared. Must be called with mu held.
func (b *Broker) lookup(key Key, snap *agent.Snapshot) *Assignment {
	a, ok := b.byKey[key]
	if !ok {
		return nil
	}
	if !snap.Connected(a.AgentID) {
		return nil
	}
	if a.Explicit && !a.Active && b.now().After(a.PinnedUntil) {
		b.drop(a)
		b.logger.Debug("pin expired", "guild_id", key.GuildID, "channel_id", key.ChannelID, "agent_id", a.AgentID)
		return nil
	}
	return a
}

// Lookup returns the agent serving key, if any.
func (b *Broker) Lookup(key Key) (string, bool) {
	snap := b.live.Snapshot()
	b.mu.Lock()
	defer b.mu.Unlock()
	if a := b.lookup(key, snap); a != nil {
		return a.AgentID, true
	}
	return "", false
}

// GetSessionAgent returns the music agent for a voice channel.
func (b *Broker) GetSessionAgent(guildID, channelID string) (string, bool) {
	return b.Lookup(Key{GuildID: guildID, ChannelID: channelID, Kind: KindMusic})
}

// GetAssistantSessionAgent returns the assistant agent for a voice channel.
func (b *Broker) GetAssistantSessionAgent(guildID, channelID string) (string, bool) {
	return b.Lookup(Key{GuildID: guildID, ChannelID: channelID, Kind: KindAssistant})
}

// Acquire returns the agent serving key, assigning a free one if needed. The
// pinned agent wins when present; otherwise the lowest free agent id in the
// guild is chosen. created reports whether a new assignment was made.
func (b *Broker) Acquire(key Key) (agentID string, created bool, err error) {
	if err := validKey(key); err != nil {
		return "", false, err
	}
	snap := b.live.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()

	if a := b.lookup(key, snap); a != nil {
		return a.AgentID, false, nil
	}

	for _, live := range snap.InGuild(key.GuildID) {
		if !live.Free() {
			continue
		}
		if _, taken := b.byAgent[live.AgentID]; taken {
			continue
		}
		now := b.now()
		b.store(&Assignment{
			Key:          key,
			AgentID:      live.AgentID,
			CreatedAt:    now,
			LastActivity: now,
		})
		b.logger.Info("assigned agent", "guild_id", key.GuildID, "channel_id", key.ChannelID,
			"kind", key.Kind, "agent_id", live.AgentID)
		return live.AgentID, true, nil
	}
	return "", false, fault.NotFound("no free agent in guild %s", key.GuildID)
}

// Touch records activity on key so idle reclamation restarts its clock.
func (b *Broker) Touch(key Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.byKey[key]
	if !ok {
		return false
	}
	a.LastActivity = b.now()
	return true
}

// Release sends a best-effort leave command to the agent serving key and
// clears the assignment whatever the outcome. Returns the released agent id,
// or "" when the key was unassigned. Safe to retry.
func (b *Broker) Release(ctx context.Context, key Key) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return b.releaseIf(ctx, key, nil)
}

// releaseIf releases key when keep is nil or keep approves the current
// assignment.
func (b *Broker) releaseIf(ctx context.Context, key Key, keep func(*Assignment) bool) (string, error) {
	b.mu.Lock()
	a, ok := b.byKey[key]
	if ok && keep != nil && !keep(a) {
		ok = false
	}
	var agentID string
	var gen uint64
	if ok {
		agentID, gen = a.AgentID, a.gen
	}
	b.mu.Unlock()
	if !ok {
		return "", nil
	}

	res, _ := b.rpc.Request(ctx, agentID, key.Kind.leaveCommand(),
		wire.LeavePayload{GuildID: key.GuildID, ChannelID: key.ChannelID},
		agent.RequestOptions{Timeout: b.cfg.ReleaseTimeout, BestEffort: true},
	)

	b.mu.Lock()
	if cur, ok := b.byKey[key]; ok && cur.gen == gen {
		b.drop(cur)
	}
	b.mu.Unlock()

	delivered := res != nil && res.Delivered
	b.logger.Info("released session", "guild_id", key.GuildID, "channel_id", key.ChannelID,
		"kind", key.Kind, "agent_id", agentID, "delivered", delivered)
	return agentID, nil
}

// List returns every assignment ordered by guild, channel and kind.
func (b *Broker) List() []Assignment {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Assignment, 0, len(b.byKey))
	for _, a := range b.byKey {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GuildID != out[j].GuildID {
			return out[i].GuildID < out[j].GuildID
		}
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// AgentAssignment returns the key an agent is assigned to, if any.
func (b *Broker) AgentAssignment(agentID string) (Key, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.byAgent[agentID]
	return k, ok
}

// HandleStatus applies a live status report to assignments.
func (b *Broker) HandleStatus(prev *agent.LiveAgent, cur agent.LiveAgent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	held, hasHeld := b.byAgent[cur.AgentID]

	if cur.BusyKey == "" {
		if !hasHeld {
			return
		}
		a := b.byKey[held]
		if a == nil || !a.Active {
			return
		}
		if a.Explicit {
			a.Active = false
			return
		}
		b.drop(a)
		b.logger.Debug("implicit session ended", "agent_id", cur.AgentID, "guild_id", held.GuildID, "channel_id", held.ChannelID)
		return
	}

	key, ok := KeyFromBusy(cur.BusyKey, cur.BusyKind)
	if !ok {
		b.logger.Warn("malformed busy report", "agent_id", cur.AgentID, "busy_key", cur.BusyKey, "busy_kind", cur.BusyKind)
		return
	}
	activity := cur.LastActivity
	if activity.IsZero() {
		activity = b.now()
	}

	if hasHeld && held == key {
		a := b.byKey[key]
		a.Active = true
		if activity.After(a.LastActivity) {
			a.LastActivity = activity
		}
		return
	}

	if other, ok := b.byKey[key]; ok && other.AgentID != cur.AgentID {
		b.logger.Warn("two agents report the same session",
			"guild_id", key.GuildID, "channel_id", key.ChannelID, "kind", key.Kind,
			"assigned", other.AgentID, "reporting", cur.AgentID)
		return
	}

	if hasHeld {
		// The agent moved on by itself; its old slot no longer reflects reality.
		if old := b.byKey[held]; old != nil {
			b.drop(old)
		}
	}
	now := b.now()
	b.store(&Assignment{
		Key:          key,
		AgentID:      cur.AgentID,
		Active:       true,
		CreatedAt:    now,
		LastActivity: activity,
	})
}

// HandleDisconnect clears whatever the departed agent held.
func (b *Broker) HandleDisconnect(gone agent.LiveAgent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, ok := b.byAgent[gone.AgentID]
	if !ok {
		return
	}
	delete(b.byAgent, gone.AgentID)
	// The key may already have been handed to another agent between the
	// snapshot publishing this disconnect and the event arriving here.
	a := b.byKey[key]
	if a == nil || a.AgentID != gone.AgentID {
		return
	}
	b.drop(a)
	b.logger.Info("cleared session of disconnected agent", "agent_id", gone.AgentID,
		"guild_id", key.GuildID, "channel_id", key.ChannelID, "kind", key.Kind)
}
