// ABOUTME: Idle sweep for the Session Broker
// ABOUTME: Expires stale pins and releases sessions idle past the guild's effective policy

package session

import (
	"context"
	"fmt"
	"time"
)

// EffectiveIdle resolves the idle release threshold for a guild. A present
// override wins, including 0 which disables reclamation. Otherwise the
// process default applies; a zero default also disables.
func EffectiveIdle(override *int64, def time.Duration) time.Duration {
	if override != nil {
		return time.Duration(*override) * time.Millisecond
	}
	return def
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Skipped      bool  // another sweep was already running
	ExpiredPins  int
	StaleAcquire int
	Released     []Key
}

// Sweep expires lapsed pins, drops acquisitions that never became active and
// releases idle sessions. Concurrent calls are collapsed into one.
func (b *Broker) Sweep(ctx context.Context) (*SweepResult, error) {
	if !b.sweeping.CompareAndSwap(false, true) {
		return &SweepResult{Skipped: true}, nil
	}
	defer b.sweeping.Store(false)

	overrides, err := b.policies.IdlePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading idle policies: %w", err)
	}

	res := &SweepResult{}
	idle := map[Key]time.Duration{}

	snap := b.live.Snapshot()
	b.mu.Lock()
	now := b.now()
	for key, a := range b.byKey {
		if !snap.Connected(a.AgentID) {
			b.drop(a)
			continue
		}
		if !a.Active {
			switch {
			case a.Explicit && now.After(a.PinnedUntil):
				b.drop(a)
				res.ExpiredPins++
			case !a.Explicit && now.Sub(a.CreatedAt) > b.cfg.AcquireGrace:
				b.drop(a)
				res.StaleAcquire++
			}
			continue
		}

		var override *int64
		if ms, ok := overrides[key.GuildID]; ok {
			override = &ms
		}
		limit := EffectiveIdle(override, b.cfg.DefaultIdleRelease)
		if limit <= 0 {
			continue
		}
		if now.Sub(a.LastActivity) > limit {
			idle[key] = limit
		}
	}
	b.mu.Unlock()

	for key, limit := range idle {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		stillIdle := func(a *Assignment) bool {
			return a.Active && b.now().Sub(a.LastActivity) > limit
		}
		agentID, err := b.releaseIf(ctx, key, stillIdle)
		if err != nil {
			b.logger.Warn("idle release failed", "guild_id", key.GuildID, "channel_id", key.ChannelID, "error", err)
			continue
		}
		if agentID != "" {
			res.Released = append(res.Released, key)
		}
	}

	if res.ExpiredPins > 0 || res.StaleAcquire > 0 || len(res.Released) > 0 {
		b.logger.Info("idle sweep",
			"expired_pins", res.ExpiredPins,
			"stale_acquisitions", res.StaleAcquire,
			"released", len(res.Released),
		)
	}
	return res, nil
}
