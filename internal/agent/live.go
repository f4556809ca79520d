// ABOUTME: Live agent state and the immutable snapshot published after every table mutation
// ABOUTME: Snapshots are safe to read concurrently and never change once published

package agent

import (
	"slices"
	"sort"
	"time"
)

// State is the derived live state of a connected agent.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateBusy     State = "busy"
)

// LiveAgent is the in-memory view of one connected agent.
type LiveAgent struct {
	AgentID      string
	RunnerID     string
	Ready        bool
	BusyKey      string
	BusyKind     string
	GuildIDs     []string // claimed by the runner, not verified
	BotUserID    string
	DisplayTag   string
	ConnectedAt  time.Time
	LastStatusAt time.Time
	LastActivity time.Time
}

// State derives ready, busy or starting. Busy wins over ready.
func (a LiveAgent) State() State {
	switch {
	case a.BusyKey != "":
		return StateBusy
	case a.Ready:
		return StateReady
	default:
		return StateStarting
	}
}

// ClaimsGuild reports whether the runner says this agent is in guildID.
func (a LiveAgent) ClaimsGuild(guildID string) bool {
	return slices.Contains(a.GuildIDs, guildID)
}

// Free reports whether the agent can take a new session.
func (a LiveAgent) Free() bool {
	return a.State() == StateReady
}

func (a LiveAgent) clone() LiveAgent {
	a.GuildIDs = slices.Clone(a.GuildIDs)
	return a
}

// Snapshot is a consistent, read-only view of the table.
type Snapshot struct {
	At      time.Time
	agents  map[string]LiveAgent
	runners map[string]*Runner
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		At:      time.Now(),
		agents:  map[string]LiveAgent{},
		runners: map[string]*Runner{},
	}
}

// Get returns the live agent, if connected.
func (s *Snapshot) Get(agentID string) (LiveAgent, bool) {
	a, ok := s.agents[agentID]
	if !ok {
		return LiveAgent{}, false
	}
	return a.clone(), true
}

// Connected reports whether agentID is in the table.
func (s *Snapshot) Connected(agentID string) bool {
	_, ok := s.agents[agentID]
	return ok
}

// Len returns the number of connected agents.
func (s *Snapshot) Len() int { return len(s.agents) }

// List returns all connected agents ordered by agent id.
func (s *Snapshot) List() []LiveAgent {
	out := make([]LiveAgent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// InGuild returns connected agents claiming guildID, ordered by agent id.
func (s *Snapshot) InGuild(guildID string) []LiveAgent {
	var out []LiveAgent
	for _, a := range s.agents {
		if a.ClaimsGuild(guildID) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ClaimedGuilds returns every guild id claimed by at least one agent.
func (s *Snapshot) ClaimedGuilds() []string {
	seen := map[string]struct{}{}
	for _, a := range s.agents {
		for _, g := range a.GuildIDs {
			seen[g] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (s *Snapshot) runner(agentID string) (*Runner, bool) {
	r, ok := s.runners[agentID]
	return r, ok
}
