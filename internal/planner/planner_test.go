// ABOUTME: Tests for deployment planning
// ABOUTME: Covers the validation grid, exact arithmetic, ordering and partial plans

package planner

import (
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wokspec/chopsticks-fleet/internal/fault"
)

func pool(n int) []PoolAgent {
	agents := make([]PoolAgent, 0, n)
	for i := n; i >= 1; i-- {
		id := fmt.Sprintf("%03d", i)
		agents = append(agents, PoolAgent{AgentID: "agent" + id, ClientID: id, DisplayTag: "Bot#" + id, Active: true})
	}
	return agents
}

func TestValidateGrid(t *testing.T) {
	for d := -10; d <= 60; d++ {
		err := DefaultLimits.Validate(d)
		valid := d == 10 || d == 20 || d == 30 || d == 40
		if valid {
			assert.NoError(t, err, "desired=%d", d)
		} else {
			assert.ErrorIs(t, err, fault.ErrValidation, "desired=%d", d)
		}
	}
}

func TestBuild_Arithmetic(t *testing.T) {
	agents := pool(60)
	present := map[string]bool{}
	for i := 1; i <= 7; i++ {
		present[fmt.Sprintf("agent%03d", i)] = true
	}

	plan, err := Build(DefaultLimits, Request{GuildID: "g1", PoolID: "p1", DesiredTotal: 20, Agents: agents, Present: present})
	require.NoError(t, err)
	assert.Equal(t, 7, plan.PresentCount)
	assert.Equal(t, 13, plan.NeedInvites)
	require.Len(t, plan.Invites, 13)
	assert.False(t, plan.Partial)
	assert.Zero(t, plan.Shortfall)

	assert.Equal(t, "agent008", plan.Invites[0].AgentID, "ordered by agent id, skipping present")
	assert.Equal(t, "agent020", plan.Invites[12].AgentID)
	for _, inv := range plan.Invites {
		assert.False(t, present[inv.AgentID])
	}
}

func TestBuild_EnoughPresent(t *testing.T) {
	agents := pool(40)
	present := map[string]bool{}
	for _, a := range agents[:25] {
		present[a.AgentID] = true
	}

	plan, err := Build(DefaultLimits, Request{GuildID: "g1", DesiredTotal: 20, Agents: agents, Present: present})
	require.NoError(t, err)
	assert.Equal(t, 25, plan.PresentCount)
	assert.Zero(t, plan.NeedInvites)
	assert.Empty(t, plan.Invites)
}

func TestBuild_PartialWhenPoolShort(t *testing.T) {
	agents := pool(12)
	agents[0].Active = false // agent012 pending approval

	plan, err := Build(DefaultLimits, Request{GuildID: "g1", DesiredTotal: 20, Agents: agents})
	require.NoError(t, err)
	assert.Equal(t, 20, plan.NeedInvites)
	assert.Len(t, plan.Invites, 11, "inactive identities are never invited")
	assert.Equal(t, 9, plan.Shortfall)
	assert.True(t, plan.Partial)
}

func TestBuild_WorkedExample(t *testing.T) {
	// desiredTotal 30, 12 present, 50 active in pool -> 18 invites
	agents := pool(50)
	present := map[string]bool{}
	for _, a := range agents[len(agents)-12:] {
		present[a.AgentID] = true
	}

	plan, err := Build(DefaultLimits, Request{GuildID: "g1", DesiredTotal: 30, Agents: agents, Present: present})
	require.NoError(t, err)
	assert.Equal(t, 12, plan.PresentCount)
	assert.Len(t, plan.Invites, 18)
	assert.Equal(t, "agent013", plan.Invites[0].AgentID)
}

func TestBuild_RequiresGuild(t *testing.T) {
	_, err := Build(DefaultLimits, Request{DesiredTotal: 10})
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestInviteURL(t *testing.T) {
	raw := InviteURL("123456", "g9")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "discord.com", u.Host)
	q := u.Query()
	assert.Equal(t, "123456", q.Get("client_id"))
	assert.Equal(t, "g9", q.Get("guild_id"))
	assert.Equal(t, "bot applications.commands", q.Get("scope"))
	assert.NotEmpty(t, q.Get("permissions"))
}
