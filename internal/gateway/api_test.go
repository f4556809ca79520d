// ABOUTME: Tests for the HTTP JSON API
// ABOUTME: Requests go through the real mux and auth middleware via httptest

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wokspec/chopsticks-fleet/internal/auth"
	"github.com/wokspec/chopsticks-fleet/internal/store"
	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

// doRequest sends a request through the gateway's HTTP handler.
func doRequest(t *testing.T, gw *testGateway, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func as(userID string) map[string]string {
	return map[string]string{auth.ActorHeader: userID}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t, nil)
	rec := doRequest(t, gw, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestPoolLifecycle(t *testing.T) {
	gw := newTestGateway(t, nil)

	rec := doRequest(t, gw, http.MethodPost, "/api/pools", map[string]any{"name": "night shift", "visibility": "public"}, as(testOwner))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pool := decode(t, rec)["pool"].(map[string]any)
	poolID := pool["pool_id"].(string)
	assert.Equal(t, testOwner, pool["owner_user_id"])

	rec = doRequest(t, gw, http.MethodGet, "/api/pools/public", nil, as("100000000000000002"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["pools"], 1)

	rec = doRequest(t, gw, http.MethodPost, "/api/pools/"+poolID+"/visibility", map[string]any{"visibility": "private"}, as("100000000000000002"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "authorization", body["kind"])

	rec = doRequest(t, gw, http.MethodPost, "/api/pools/"+poolID+"/visibility", map[string]any{"visibility": "private"}, as(testOwner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, gw, http.MethodGet, "/api/pools/public", nil, nil)
	assert.Empty(t, decode(t, rec)["pools"])

	rec = doRequest(t, gw, http.MethodGet, "/api/pools", nil, as(testOwner))
	assert.Len(t, decode(t, rec)["pools"], 1)

	rec = doRequest(t, gw, http.MethodDelete, "/api/pools/"+poolID, nil, as(testOwner))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["detached"])

	rec = doRequest(t, gw, http.MethodDelete, "/api/pools/"+poolID, nil, as(testOwner))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterAgentNeverEchoesCredential(t *testing.T) {
	gw := newTestGateway(t, nil)
	pool := gw.pool(t, testOwner, store.VisibilityPublic)
	gw.platform.addBot("super-secret-bot-token", "200000000000000020")

	req := map[string]any{
		"credential": "super-secret-bot-token",
		"client_id":  "200000000000000020",
		"pool_id":    pool.PoolID,
	}
	rec := doRequest(t, gw, http.MethodPost, "/api/agents", req, as(testOwner))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "super-secret-bot-token")
	body := decode(t, rec)
	assert.Equal(t, "agent200000000000000020", body["agent_id"])
	assert.Equal(t, "inserted", body["operation"])
	assert.Equal(t, false, body["pending"])

	rec = doRequest(t, gw, http.MethodPost, "/api/agents", req, as(testOwner))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "updated", decode(t, rec)["operation"])

	rec = doRequest(t, gw, http.MethodGet, "/api/agents?pool="+pool.PoolID, nil, as(testOwner))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret-bot-token")
	assert.Len(t, decode(t, rec)["agents"], 1)
}

func TestRegisterAgentRejectsBadInput(t *testing.T) {
	gw := newTestGateway(t, nil)
	pool := gw.pool(t, testOwner, store.VisibilityPublic)

	rec := doRequest(t, gw, http.MethodPost, "/api/agents", map[string]any{
		"credential": "x", "client_id": "abc", "pool_id": pool.PoolID,
	}, as(testOwner))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/agents", map[string]any{
		"credential": "x", "client_id": "200000000000000021", "pool_id": pool.PoolID, "surprise": true,
	}, as(testOwner))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON body", decode(t, rec)["reason"])

	rec = doRequest(t, gw, http.MethodPost, "/api/agents", map[string]any{
		"credential": "unknown-token", "client_id": "200000000000000021", "pool_id": pool.PoolID,
	}, as(testOwner))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "unknown-token")
}

func TestContributionRateLimit(t *testing.T) {
	gw := newTestGateway(t, nil)
	pool := gw.pool(t, testOwner, store.VisibilityPublic)
	contributor := "100000000000000003"

	register := func(clientID string, actor string) *httptest.ResponseRecorder {
		cred := "token-for-" + clientID
		gw.platform.addBot(cred, clientID)
		return doRequest(t, gw, http.MethodPost, "/api/agents", map[string]any{
			"credential": cred, "client_id": clientID, "pool_id": pool.PoolID,
		}, as(actor))
	}

	for i := range 3 {
		rec := register(fmt.Sprintf("30000000000000000%d", i), contributor)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		body := decode(t, rec)
		assert.Equal(t, true, body["pending"])
		assert.Equal(t, "inactive", body["status"])
	}

	rec := register("300000000000000009", contributor)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode(t, rec)["kind"])

	rec = register("300000000000000008", testSuperuser)
	assert.Equal(t, http.StatusCreated, rec.Code, "superusers bypass the quota")

	rec = doRequest(t, gw, http.MethodGet, "/api/pools/"+pool.PoolID+"/pending", nil, as(testOwner))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["pending"], 3)

	rec = doRequest(t, gw, http.MethodGet, "/api/pools/"+pool.PoolID+"/pending", nil, as(contributor))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeployPlanValidation(t *testing.T) {
	gw := newTestGateway(t, nil)
	pool := gw.pool(t, testOwner, store.VisibilityPublic)

	for _, desired := range []int{0, 5, 15, 50} {
		rec := doRequest(t, gw, http.MethodPost, "/api/guilds/g1/deploy-plan",
			map[string]any{"desired_total": desired, "pool_id": pool.PoolID}, as(testOwner))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "desired %d", desired)
	}

	rec := doRequest(t, gw, http.MethodPost, "/api/guilds/g1/deploy-plan",
		map[string]any{"desired_total": 10}, as(testOwner))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no default pool selected")

	rec = doRequest(t, gw, http.MethodPut, "/api/guilds/g1/pool", map[string]any{"pool_id": pool.PoolID}, as(testOwner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, gw, http.MethodPost, "/api/guilds/g1/deploy-plan",
		map[string]any{"desired_total": 10}, as(testOwner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	plan := decode(t, rec)["plan"].(map[string]any)
	assert.Equal(t, pool.PoolID, plan["pool_id"])
	assert.EqualValues(t, 10, plan["desired_total"])
	assert.EqualValues(t, 10, plan["shortfall"])
	assert.Equal(t, true, plan["partial"])
}

func TestAuthEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "gateway-test-jwt-secret-at-least-32-bytes"
	gw := newTestGateway(t, cfg)

	tokens, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	apiToken, err := tokens.Generate("chat-bot", auth.KindAPI, time.Hour)
	require.NoError(t, err)
	runnerToken, err := tokens.Generate("runner-1", auth.KindRunner, time.Hour)
	require.NoError(t, err)

	rec := doRequest(t, gw, http.MethodGet, "/api/pools/public", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/pools/public", nil, map[string]string{"Authorization": "Bearer " + runnerToken})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/pools/public", nil, map[string]string{"Authorization": "Bearer " + apiToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestScaleRequiresSecret(t *testing.T) {
	gw := newTestGateway(t, nil)
	rec := doRequest(t, gw, http.MethodPost, "/api/scale", map[string]any{"agent_id": "agent1", "count": 2}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	cfg := testConfig(t)
	cfg.Auth.ScaleSecret = "scale-me"
	gw = newTestGateway(t, cfg)
	rec = doRequest(t, gw, http.MethodPost, "/api/scale", map[string]any{"agent_id": "agent1", "count": 2},
		map[string]string{ScaleSecretHeader: "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/scale", map[string]any{"agent_id": "agent1", "count": 2},
		map[string]string{ScaleSecretHeader: "scale-me"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "agent is not connected")
}

func TestScaleReachesRunner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.ScaleSecret = "scale-me"
	gw := newTestGateway(t, cfg)
	addr := gw.serveGRPC(t)
	pool := gw.pool(t, testOwner, store.VisibilityPublic)
	agentID := gw.registerAgent(t, testOwner, pool.PoolID, "200000000000000022")

	r, err := dialRunner(t, addr, "runner-1", []string{agentID})
	require.NoError(t, err)
	waitFor(t, func() bool { return gw.agents.Snapshot().Connected(agentID) }, "attach")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doRequest(t, gw, http.MethodPost, "/api/scale", map[string]any{"agent_id": agentID, "count": 3},
			map[string]string{ScaleSecretHeader: "scale-me"})
	}()

	cmd := r.nextCommand(t)
	assert.Equal(t, wire.CmdScale, cmd.Name)
	assert.JSONEq(t, `{"count":3}`, string(cmd.Payload))
	r.reply(t, &wire.Reply{RequestID: cmd.RequestID, OK: true})

	rec := <-done
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRestartFailureNeverEchoesCredential(t *testing.T) {
	gw := newTestGateway(t, nil)
	addr := gw.serveGRPC(t)
	pool := gw.pool(t, testOwner, store.VisibilityPublic)
	agentID := gw.registerAgent(t, testOwner, pool.PoolID, "200000000000000077")
	credential := "token-for-200000000000000077"

	r, err := dialRunner(t, addr, "runner-1", []string{agentID})
	require.NoError(t, err)
	waitFor(t, func() bool { return gw.agents.Snapshot().Connected(agentID) }, "attach")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doRequest(t, gw, http.MethodPost, "/api/agents/"+agentID+"/restart", map[string]any{"reason": "stuck"}, as(testOwner))
	}()

	cmd := r.nextCommand(t)
	assert.Equal(t, wire.CmdRestart, cmd.Name)
	r.reply(t, &wire.Reply{RequestID: cmd.RequestID, OK: false, Error: "login failed for token " + credential})

	rec := <-done
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), credential)
	assert.Contains(t, rec.Body.String(), "login failed for token [redacted]")

	a, err := gw.store.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, a.Status, "status restored after a failed restart")
}

func TestRequestRejectsReservedCommands(t *testing.T) {
	gw := newTestGateway(t, nil)
	rec := doRequest(t, gw, http.MethodPost, "/api/agents/agent1/request", map[string]any{"command": wire.CmdScale}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/agents/agent1/request", map[string]any{"command": "queue.status"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditLogIsSuperuserOnly(t *testing.T) {
	gw := newTestGateway(t, nil)
	gw.pool(t, testOwner, store.VisibilityPublic)

	rec := doRequest(t, gw, http.MethodGet, "/api/audit", nil, as(testOwner))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/audit?actor="+testOwner, nil, as(testSuperuser))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entries := decode(t, rec)["entries"].([]any)
	require.NotEmpty(t, entries)
	assert.Equal(t, testOwner, entries[0].(map[string]any)["actor_id"])

	rec = doRequest(t, gw, http.MethodGet, "/api/audit?limit=nope", nil, as(testSuperuser))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdlePolicyEndpoints(t *testing.T) {
	gw := newTestGateway(t, nil)
	pool := gw.pool(t, testOwner, store.VisibilityPublic)
	rec := doRequest(t, gw, http.MethodPut, "/api/guilds/g1/pool", map[string]any{"pool_id": pool.PoolID}, as(testOwner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, gw, http.MethodGet, "/api/guilds/g1/idle-policy", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Nil(t, body["idle_release_ms"])
	assert.EqualValues(t, gw.config.Fleet.DefaultIdleRelease.Milliseconds(), body["effective_ms"])

	rec = doRequest(t, gw, http.MethodPut, "/api/guilds/g1/idle-policy", map[string]any{}, as(testOwner))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodPut, "/api/guilds/g1/idle-policy", map[string]any{"idle_release_ms": 0}, as(testOwner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, gw, http.MethodGet, "/api/guilds/g1/idle-policy", nil, nil)
	body = decode(t, rec)
	assert.EqualValues(t, 0, body["idle_release_ms"])
	assert.EqualValues(t, 0, body["effective_ms"])

	rec = doRequest(t, gw, http.MethodDelete, "/api/guilds/g1/idle-policy", nil, as(testOwner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, gw, http.MethodGet, "/api/guilds/g1/idle-policy", nil, nil)
	assert.Nil(t, decode(t, rec)["idle_release_ms"])
}

func TestSessionEndpoints(t *testing.T) {
	gw := newTestGateway(t, nil)
	addr := gw.serveGRPC(t)

	session := map[string]any{"guild_id": "g1", "channel_id": "c1", "kind": "music"}
	rec := doRequest(t, gw, http.MethodPost, "/api/sessions/acquire", session, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no agents connected")

	pool := gw.pool(t, testOwner, store.VisibilityPublic)
	agentID := gw.registerAgent(t, testOwner, pool.PoolID, "200000000000000023")
	r, err := dialRunner(t, addr, "runner-1", []string{agentID})
	require.NoError(t, err)
	r.status(t, &wire.StatusUpdate{AgentID: agentID, Ready: true, GuildIDs: []string{"g1"}})
	waitFor(t, func() bool {
		live, ok := gw.agents.Snapshot().Get(agentID)
		return ok && live.Free()
	}, "agent never became ready")

	rec = doRequest(t, gw, http.MethodPost, "/api/sessions/acquire", session, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, agentID, body["agent_id"])
	assert.Equal(t, true, body["created"])

	rec = doRequest(t, gw, http.MethodGet, "/api/sessions/agent?guild=g1&channel=c1", nil, nil)
	body = decode(t, rec)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, agentID, body["agent_id"])

	rec = doRequest(t, gw, http.MethodPost, "/api/sessions/touch", session, nil)
	assert.Equal(t, true, decode(t, rec)["touched"])

	rec = doRequest(t, gw, http.MethodGet, "/api/sessions", nil, nil)
	assert.Len(t, decode(t, rec)["sessions"], 1)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- doRequest(t, gw, http.MethodPost, "/api/sessions/release", session, nil) }()

	cmd := r.nextCommand(t)
	assert.Equal(t, wire.CmdMusicLeave, cmd.Name)
	assert.JSONEq(t, `{"guild_id":"g1","channel_id":"c1"}`, string(cmd.Payload))
	r.reply(t, &wire.Reply{RequestID: cmd.RequestID, OK: true})

	rec = <-done
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, true, body["released"])
	assert.Equal(t, agentID, body["agent_id"])

	rec = doRequest(t, gw, http.MethodPost, "/api/sessions/release", session, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["released"])

	rec = doRequest(t, gw, http.MethodGet, "/api/sessions/agent?guild=g1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyMembershipRetractsFalseClaims(t *testing.T) {
	gw := newTestGateway(t, nil)
	addr := gw.serveGRPC(t)
	pool := gw.pool(t, testOwner, store.VisibilityPublic)
	inGuild := gw.registerAgent(t, testOwner, pool.PoolID, "200000000000000024")
	liar := gw.registerAgent(t, testOwner, pool.PoolID, "200000000000000025")
	gw.platform.join("g1", "200000000000000024")

	r, err := dialRunner(t, addr, "runner-1", []string{inGuild, liar})
	require.NoError(t, err)
	r.status(t, &wire.StatusUpdate{AgentID: inGuild, Ready: true, GuildIDs: []string{"g1"}, BotUserID: "200000000000000024"})
	r.status(t, &wire.StatusUpdate{AgentID: liar, Ready: true, GuildIDs: []string{"g1"}, BotUserID: "200000000000000025"})
	waitFor(t, func() bool { return len(gw.agents.Snapshot().InGuild("g1")) == 2 }, "claims never applied")

	rec := doRequest(t, gw, http.MethodPost, "/api/guilds/g1/verify-membership", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	waitFor(t, func() bool {
		live, ok := gw.agents.Snapshot().Get(liar)
		return ok && !live.ClaimsGuild("g1")
	}, "false claim never retracted")
	live, _ := gw.agents.Snapshot().Get(inGuild)
	assert.True(t, live.ClaimsGuild("g1"))
}

func TestMembershipUnconfigured(t *testing.T) {
	cfg := testConfig(t)
	gw, err := newGateway(cfg, newFakePlatform(), nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	rec := doRequest(t, &testGateway{Gateway: gw}, http.MethodPost, "/api/guilds/g1/verify-membership", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
