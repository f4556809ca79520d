// ABOUTME: Live Connection Table owned by a single goroutine
// ABOUTME: Mutations are applied in order as messages; readers use atomic snapshots

package agent

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

// ErrManagerClosed is returned when mutating a closed Manager.
var ErrManagerClosed = errors.New("agent manager closed")

// ErrAgentNotFound indicates the agent is not connected.
var ErrAgentNotFound = errors.New("agent not connected")

// DisconnectFunc is called when an agent leaves the table.
type DisconnectFunc func(agent LiveAgent)

// StatusFunc is called after a status update is applied. prev is nil for the
// first status after connect.
type StatusFunc func(prev *LiveAgent, cur LiveAgent)

type entry struct {
	live   LiveAgent
	runner *Runner
}

type event struct {
	disconnect *LiveAgent
	status     *LiveAgent
	prev       *LiveAgent
}

type table struct {
	agents map[string]*entry
	events []event
	logger *slog.Logger
}

type op struct {
	fn   func(t *table)
	done chan struct{}
}

// Manager is the Live Connection Table.
type Manager struct {
	ops  chan *op
	quit chan struct{}
	done chan struct{}
	snap atomic.Pointer[Snapshot]

	listenerMu   sync.RWMutex
	onDisconnect []DisconnectFunc
	onStatus     []StatusFunc

	closeOnce sync.Once
	logger    *slog.Logger
}

// NewManager creates a Manager and starts its owner goroutine.
func NewManager(logger *slog.Logger) *Manager {
	m := &Manager{
		ops:    make(chan *op, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With("component", "agents"),
	}
	m.snap.Store(emptySnapshot())
	go m.loop(&table{agents: map[string]*entry{}, logger: m.logger})
	return m
}

func (m *Manager) loop(t *table) {
	defer close(m.done)
	for {
		select {
		case o := <-m.ops:
			o.fn(t)
			m.publish(t)
			m.dispatch(t)
			close(o.done)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) publish(t *table) {
	s := &Snapshot{
		At:      time.Now(),
		agents:  make(map[string]LiveAgent, len(t.agents)),
		runners: make(map[string]*Runner, len(t.agents)),
	}
	for id, e := range t.agents {
		s.agents[id] = e.live.clone()
		s.runners[id] = e.runner
	}
	m.snap.Store(s)
}

func (m *Manager) dispatch(t *table) {
	if len(t.events) == 0 {
		return
	}
	m.listenerMu.RLock()
	onDisconnect := slices.Clone(m.onDisconnect)
	onStatus := slices.Clone(m.onStatus)
	m.listenerMu.RUnlock()

	for _, ev := range t.events {
		switch {
		case ev.disconnect != nil:
			for _, fn := range onDisconnect {
				fn(*ev.disconnect)
			}
		case ev.status != nil:
			for _, fn := range onStatus {
				fn(ev.prev, *ev.status)
			}
		}
	}
	t.events = t.events[:0]
}

// do runs fn on the owner goroutine and waits for it to finish.
func (m *Manager) do(fn func(t *table)) error {
	o := &op{fn: fn, done: make(chan struct{})}
	select {
	case m.ops <- o:
	case <-m.quit:
		return ErrManagerClosed
	}
	select {
	case <-o.done:
		return nil
	case <-m.done:
		return ErrManagerClosed
	}
}

// OnDisconnect registers a listener for agents leaving the table.
func (m *Manager) OnDisconnect(fn DisconnectFunc) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// OnStatus registers a listener for applied status updates.
func (m *Manager) OnStatus(fn StatusFunc) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.onStatus = append(m.onStatus, fn)
}

// Snapshot returns the latest published view. It never blocks.
func (m *Manager) Snapshot() *Snapshot {
	return m.snap.Load()
}

// Attach binds agentIDs to runner. An agent already bound to a different
// runner is moved to the new one; the old binding is reported as a
// disconnect first. Returns the ids that were moved.
func (m *Manager) Attach(runner *Runner, agentIDs []string) ([]string, error) {
	var moved []string
	err := m.do(func(t *table) {
		now := time.Now()
		for _, id := range agentIDs {
			if old, ok := t.agents[id]; ok {
				if old.runner == runner {
					continue
				}
				moved = append(moved, id)
				t.remove(id, "replaced by newer runner")
			}
			t.agents[id] = &entry{
				runner: runner,
				live: LiveAgent{
					AgentID:     id,
					RunnerID:    runner.ID,
					ConnectedAt: now,
				},
			}
			t.logger.Info("=== AGENT CONNECTED ===",
				"agent_id", id,
				"runner_id", runner.ID,
				"total_agents", len(t.agents),
			)
		}
	})
	return moved, err
}

// Detach removes every agent bound to runner and closes the runner, failing
// its pending requests.
func (m *Manager) Detach(runner *Runner) error {
	err := m.do(func(t *table) {
		for id, e := range t.agents {
			if e.runner == runner {
				t.remove(id, "runner disconnected")
			}
		}
	})
	runner.Close()
	return err
}

// DetachAgent removes one agent if it is still bound to runner.
func (m *Manager) DetachAgent(runner *Runner, agentID string) error {
	return m.do(func(t *table) {
		if e, ok := t.agents[agentID]; ok && e.runner == runner {
			t.remove(agentID, "agent went offline")
		}
	})
}

// ApplyStatus ingests a runner status report. Reports for agents not bound to
// runner are ignored. Returns ErrAgentNotFound in that case.
func (m *Manager) ApplyStatus(runner *Runner, st *wire.StatusUpdate) error {
	var found bool
	err := m.do(func(t *table) {
		e, ok := t.agents[st.AgentID]
		if !ok || e.runner != runner {
			return
		}
		found = true

		var prev *LiveAgent
		if !e.live.LastStatusAt.IsZero() {
			p := e.live.clone()
			prev = &p
		}

		now := time.Now()
		e.live.BusyKey = st.BusyKey
		e.live.BusyKind = ""
		if st.BusyKey != "" {
			e.live.BusyKind = st.BusyKind
		}
		e.live.Ready = st.Ready && st.BusyKey == ""
		e.live.GuildIDs = slices.Clone(st.GuildIDs)
		if st.BotUserID != "" {
			e.live.BotUserID = st.BotUserID
		}
		if st.DisplayTag != "" {
			e.live.DisplayTag = st.DisplayTag
		}
		e.live.LastStatusAt = now
		if st.LastActivityMs > 0 {
			e.live.LastActivity = time.UnixMilli(st.LastActivityMs)
		} else if st.BusyKey != "" {
			e.live.LastActivity = now
		}

		cur := e.live.clone()
		t.events = append(t.events, event{status: &cur, prev: prev})
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrAgentNotFound
	}
	return nil
}

// RetractGuild removes guildID from the claimed guilds of each agent in
// agentIDs. Returns the ids actually changed.
func (m *Manager) RetractGuild(guildID string, agentIDs []string) ([]string, error) {
	var changed []string
	err := m.do(func(t *table) {
		for _, id := range agentIDs {
			e, ok := t.agents[id]
			if !ok {
				continue
			}
			idx := slices.Index(e.live.GuildIDs, guildID)
			if idx < 0 {
				continue
			}
			e.live.GuildIDs = slices.Delete(slices.Clone(e.live.GuildIDs), idx, idx+1)
			changed = append(changed, id)
		}
	})
	return changed, err
}

// Close stops the owner goroutine. Runners are not closed here; the gateway
// tears down streams on shutdown.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
		<-m.done
	})
}

func (t *table) remove(agentID, reason string) {
	e, ok := t.agents[agentID]
	if !ok {
		return
	}
	delete(t.agents, agentID)
	gone := e.live.clone()
	t.events = append(t.events, event{disconnect: &gone})
	t.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", agentID,
		"runner_id", e.live.RunnerID,
		"reason", reason,
		"total_agents", len(t.agents),
	)
}
