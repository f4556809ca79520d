// ABOUTME: Tests for the fleet controller
// ABOUTME: Covers deploy plans, merged listings, restart, scale and raw requests

package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wokspec/chopsticks-fleet/internal/agent"
	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/registry"
	"github.com/wokspec/chopsticks-fleet/internal/secret"
	"github.com/wokspec/chopsticks-fleet/internal/session"
	"github.com/wokspec/chopsticks-fleet/internal/store"
	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopSender struct{}

func (nopSender) Send(*wire.ServerMessage) error { return nil }

type sentCommand struct {
	AgentID string
	Name    string
	Payload any
	Timeout time.Duration
}

type fakeRPC struct {
	mu   sync.Mutex
	sent []sentCommand
	err  error
	data json.RawMessage
}

func (f *fakeRPC) Request(_ context.Context, agentID, name string, payload any, opts agent.RequestOptions) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{AgentID: agentID, Name: name, Payload: payload, Timeout: opts.Timeout})
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Result{RequestID: "req-1", Delivered: true, Data: f.data}, nil
}

type fixture struct {
	ctl    *Controller
	store  *store.SQLiteStore
	m      *agent.Manager
	runner *agent.Runner
	rpc    *fakeRPC
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sealer, err := secret.NewSealer("fleet-test-key-material")
	require.NoError(t, err)
	reg := registry.New(s, sealer, nil, registry.Config{}, testLogger())

	m := agent.NewManager(testLogger())
	t.Cleanup(m.Close)
	rpc := &fakeRPC{}
	broker := session.NewBroker(m, rpc, reg, session.Config{}, testLogger())
	broker.Bind(m)

	return &fixture{
		ctl:    New(reg, m, rpc, broker, nil, cfg, testLogger()),
		store:  s,
		m:      m,
		runner: agent.NewRunner("runner-1", nopSender{}, testLogger()),
		rpc:    rpc,
	}
}

func (f *fixture) pool(t *testing.T, owner string, vis store.Visibility) *store.Pool {
	t.Helper()
	p := &store.Pool{Name: "pool-" + owner + "-" + string(vis), OwnerUserID: owner, Visibility: vis}
	require.NoError(t, f.store.CreatePool(context.Background(), p))
	return p
}

// seed stores n agents agent001..agentNNN in pool with the given status.
func (f *fixture) seed(t *testing.T, poolID string, from, n int, status store.AgentStatus) {
	t.Helper()
	for i := from; i < from+n; i++ {
		id := fmt.Sprintf("%03d", i)
		_, err := f.store.UpsertAgent(context.Background(), &store.Agent{
			AgentID:          "agent" + id,
			ClientID:         id,
			DisplayTag:       "Bot#" + id,
			PoolID:           poolID,
			Status:           status,
			CredentialSealed: []byte("sealed"),
		}, nil)
		require.NoError(t, err)
	}
}

func (f *fixture) connect(t *testing.T, agentID string, guilds ...string) {
	t.Helper()
	_, err := f.m.Attach(f.runner, []string{agentID})
	require.NoError(t, err)
	require.NoError(t, f.m.ApplyStatus(f.runner, &wire.StatusUpdate{AgentID: agentID, Ready: true, GuildIDs: guilds}))
}

func TestBuildDeployPlan_WorkedExample(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.pool(t, "owner", store.VisibilityPublic)
	f.seed(t, p.PoolID, 1, 30, store.AgentActive)
	for i := 1; i <= 7; i++ {
		f.connect(t, fmt.Sprintf("agent%03d", i), "g1")
	}

	plan, err := f.ctl.BuildDeployPlan(ctx, "someone", "g1", p.PoolID, 20)
	require.NoError(t, err)
	assert.Equal(t, 7, plan.PresentCount)
	assert.Equal(t, 13, plan.NeedInvites)
	require.Len(t, plan.Invites, 13)
	assert.Equal(t, "agent008", plan.Invites[0].AgentID)
	assert.Equal(t, "agent020", plan.Invites[12].AgentID)
	assert.False(t, plan.Partial)
}

func TestBuildDeployPlan_UsesDefaultPool(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.pool(t, "owner", store.VisibilityPublic)
	f.seed(t, p.PoolID, 1, 5, store.AgentActive)
	f.seed(t, p.PoolID, 6, 2, store.AgentInactive)

	_, err := f.ctl.BuildDeployPlan(ctx, "owner", "g1", "", 10)
	assert.ErrorIs(t, err, fault.ErrValidation, "no default pool selected yet")

	require.NoError(t, f.ctl.Registry().SelectGuildPool(ctx, "admin", "g1", p.PoolID))
	plan, err := f.ctl.BuildDeployPlan(ctx, "admin", "g1", "", 10)
	require.NoError(t, err)
	assert.Equal(t, p.PoolID, plan.PoolID)
	assert.Len(t, plan.Invites, 5, "inactive agents are never invited")
	assert.Equal(t, 5, plan.Shortfall)
	assert.True(t, plan.Partial)
}

func TestBuildDeployPlan_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.pool(t, "owner", store.VisibilityPublic)

	for _, desired := range []int{0, 5, 15, 50, 60} {
		_, err := f.ctl.BuildDeployPlan(context.Background(), "owner", "g1", p.PoolID, desired)
		assert.ErrorIs(t, err, fault.ErrValidation, "desired=%d", desired)
	}
	_, err := f.ctl.BuildDeployPlan(context.Background(), "owner", "", p.PoolID, 10)
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, err = f.ctl.BuildDeployPlan(context.Background(), "owner", "g1", "missing", 10)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestBuildDeployPlan_PrivatePoolNeedsOwner(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.pool(t, "owner", store.VisibilityPrivate)

	_, err := f.ctl.BuildDeployPlan(context.Background(), "stranger", "g1", p.PoolID, 10)
	assert.ErrorIs(t, err, fault.ErrUnauthorized)

	_, err = f.ctl.BuildDeployPlan(context.Background(), "owner", "g1", p.PoolID, 10)
	assert.NoError(t, err)
}

func TestListAgents_MergesLiveState(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.pool(t, "owner", store.VisibilityPublic)
	f.seed(t, p.PoolID, 1, 2, store.AgentActive)
	f.connect(t, "agent001", "g1", "g2")

	key := session.Key{GuildID: "g1", ChannelID: "c1", Kind: session.KindMusic}
	_, err := f.ctl.Sessions().SetPreferred(key, "agent001", 0)
	require.NoError(t, err)

	views, err := f.ctl.ListAgents(ctx, p.PoolID)
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.True(t, views[0].Connected)
	assert.Equal(t, string(agent.StateReady), views[0].State)
	assert.Equal(t, []string{"g1", "g2"}, views[0].ReportedGuildIDs)
	assert.Empty(t, views[0].VerifiedGuildIDs)
	require.NotNil(t, views[0].Session)
	assert.Equal(t, key, *views[0].Session)

	assert.False(t, views[1].Connected)
	assert.Empty(t, views[1].State)
	assert.NotNil(t, views[1].ReportedGuildIDs)

	raw, err := json.Marshal(views)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sealed")
}

func TestRestart(t *testing.T) {
	f := newFixture(t, Config{CommandTimeout: 3 * time.Second})
	ctx := context.Background()
	p := f.pool(t, "owner", store.VisibilityPublic)
	f.seed(t, p.PoolID, 1, 1, store.AgentActive)

	assert.ErrorIs(t, f.ctl.Restart(ctx, "stranger", "agent001", ""), fault.ErrUnauthorized)
	assert.ErrorIs(t, f.ctl.Restart(ctx, "owner", "agent001", ""), fault.ErrNotFound, "must be connected")
	assert.ErrorIs(t, f.ctl.Restart(ctx, "owner", "agent404", ""), fault.ErrNotFound)

	f.connect(t, "agent001", "g1")
	require.NoError(t, f.ctl.Restart(ctx, "owner", "agent001", "update"))

	require.Len(t, f.rpc.sent, 1)
	assert.Equal(t, wire.CmdRestart, f.rpc.sent[0].Name)
	assert.Equal(t, wire.RestartPayload{Reason: "update"}, f.rpc.sent[0].Payload)
	assert.Equal(t, 3*time.Second, f.rpc.sent[0].Timeout)

	a, err := f.store.GetAgent(ctx, "agent001")
	require.NoError(t, err)
	assert.Equal(t, store.AgentRestarting, a.Status)
}

func TestRestart_FailureRestoresStatusAndIsNotRetried(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.pool(t, "owner", store.VisibilityPublic)
	f.seed(t, p.PoolID, 1, 1, store.AgentActive)
	f.connect(t, "agent001", "g1")
	f.rpc.err = fault.Remote(context.DeadlineExceeded, "runner did not answer")

	err := f.ctl.Restart(ctx, "owner", "agent001", "")
	assert.ErrorIs(t, err, fault.ErrRemote)
	assert.Len(t, f.rpc.sent, 1)

	a, err := f.store.GetAgent(ctx, "agent001")
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, a.Status)
}

func TestScale(t *testing.T) {
	f := newFixture(t, Config{ScaleSecret: "s3cret-scale"})
	ctx := context.Background()

	_, err := f.ctl.Scale(ctx, "wrong", "agent001", 10)
	assert.ErrorIs(t, err, fault.ErrUnauthorized)
	_, err = f.ctl.Scale(ctx, "", "agent001", 10)
	assert.ErrorIs(t, err, fault.ErrUnauthorized)
	_, err = f.ctl.Scale(ctx, "s3cret-scale", "agent001", 50)
	assert.ErrorIs(t, err, fault.ErrValidation)
	assert.Empty(t, f.rpc.sent)

	res, err := f.ctl.Scale(ctx, "s3cret-scale", "agent001", 20)
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	require.Len(t, f.rpc.sent, 1)
	assert.Equal(t, wire.ScalePayload{Count: 20}, f.rpc.sent[0].Payload)

	f.rpc.err = errors.New("boom")
	_, err = f.ctl.Scale(ctx, "s3cret-scale", "agent001", 20)
	require.Error(t, err)
	assert.Len(t, f.rpc.sent, 2, "failed scale is not retried")
}

func TestScale_DisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.ctl.Scale(context.Background(), "", "agent001", 10)
	assert.ErrorIs(t, err, fault.ErrUnauthorized)
}

func TestRequest(t *testing.T) {
	f := newFixture(t, Config{})
	f.rpc.data = json.RawMessage(`{"queue":3}`)

	res, err := f.ctl.Request(context.Background(), "agent001", "music.queue", json.RawMessage(`{"guild_id":"g1"}`), 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue":3}`, string(res.Data))
	assert.Equal(t, 2*time.Second, f.rpc.sent[0].Timeout)

	_, err = f.ctl.Request(context.Background(), "agent001", wire.CmdRestart, nil, 0)
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, err = f.ctl.Request(context.Background(), "", "music.queue", nil, 0)
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, err = f.ctl.Request(context.Background(), "agent001", "music.queue", nil, time.Hour)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestVerifyMembership_NotConfigured(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.ctl.VerifyMembership(context.Background(), "g1")
	assert.ErrorIs(t, err, fault.ErrRemote)
}
