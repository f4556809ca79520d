// ABOUTME: Tests for the idle sweep
// ABOUTME: Covers policy resolution, pin expiry, stale acquisitions and single-flight

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveIdle(t *testing.T) {
	zero := int64(0)
	five := int64(5000)

	assert.Equal(t, time.Minute, EffectiveIdle(nil, time.Minute), "absent override uses default")
	assert.Equal(t, time.Duration(0), EffectiveIdle(&zero, time.Minute), "explicit zero disables")
	assert.Equal(t, 5*time.Second, EffectiveIdle(&five, time.Minute))
	assert.Equal(t, time.Duration(0), EffectiveIdle(nil, 0))
}

func TestSweep_ReleasesIdleSessions(t *testing.T) {
	h := newHarness(t, Config{DefaultIdleRelease: 10 * time.Minute})
	h.ready(t, "agent1", "g1")
	key := musicKey("g1", "c1")
	h.busy(t, "agent1", key, "g1")

	res, err := h.broker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Released, "fresh session is kept")

	h.advance(11 * time.Minute)
	res, err = h.broker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Key{key}, res.Released)
	assert.Empty(t, h.broker.List())
	require.Len(t, h.rpc.Calls(), 1)
}

func TestSweep_OverrideZeroDisables(t *testing.T) {
	h := newHarness(t, Config{DefaultIdleRelease: time.Minute})
	h.policies.overrides["g1"] = 0
	h.ready(t, "agent1", "g1", "g2")
	h.ready(t, "agent2", "g2")
	h.busy(t, "agent1", musicKey("g1", "c1"), "g1", "g2")
	h.busy(t, "agent2", musicKey("g2", "c1"), "g2")

	h.advance(time.Hour)
	res, err := h.broker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Key{musicKey("g2", "c1")}, res.Released)

	id, ok := h.broker.GetSessionAgent("g1", "c1")
	require.True(t, ok)
	assert.Equal(t, "agent1", id)
}

func TestSweep_OverrideWithoutDefault(t *testing.T) {
	h := newHarness(t, Config{})
	h.policies.overrides["g1"] = 1000
	h.ready(t, "agent1", "g1")
	h.busy(t, "agent1", musicKey("g1", "c1"), "g1")

	h.advance(2 * time.Second)
	res, err := h.broker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Released, 1)
}

func TestSweep_RecentTouchKeepsSession(t *testing.T) {
	h := newHarness(t, Config{DefaultIdleRelease: 10 * time.Minute})
	h.ready(t, "agent1", "g1")
	key := musicKey("g1", "c1")
	h.busy(t, "agent1", key, "g1")

	h.advance(11 * time.Minute)
	require.True(t, h.broker.Touch(key))

	res, err := h.broker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Released)
}

func TestSweep_ExpiresPinsAndStaleAcquisitions(t *testing.T) {
	h := newHarness(t, Config{AcquireGrace: time.Minute})
	h.ready(t, "agent1", "g1")
	h.ready(t, "agent2", "g1")

	_, err := h.broker.SetPreferred(musicKey("g1", "c1"), "agent1", time.Minute)
	require.NoError(t, err)
	_, _, err = h.broker.Acquire(musicKey("g1", "c2"))
	require.NoError(t, err)

	h.advance(2 * time.Minute)
	res, err := h.broker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredPins)
	assert.Equal(t, 1, res.StaleAcquire)
	assert.Empty(t, h.broker.List())
	assert.Empty(t, h.rpc.Calls(), "inactive slots need no leave command")
}

func TestSweep_PolicyErrorAborts(t *testing.T) {
	h := newHarness(t, Config{DefaultIdleRelease: time.Minute})
	h.policies.err = errors.New("database is locked")
	h.ready(t, "agent1", "g1")
	h.busy(t, "agent1", musicKey("g1", "c1"), "g1")

	h.advance(time.Hour)
	_, err := h.broker.Sweep(context.Background())
	require.Error(t, err)
	assert.Len(t, h.broker.List(), 1)
}

func TestSweep_SingleFlight(t *testing.T) {
	h := newHarness(t, Config{})
	h.broker.sweeping.Store(true)

	res, err := h.broker.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}
