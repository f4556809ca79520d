// ABOUTME: HTTP JSON API for the trusted command layer: agents, pools, guild settings and sessions
// ABOUTME: Every response carries ok; failures are rendered from their fault kind

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/wokspec/chopsticks-fleet/internal/auth"
	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/registry"
	"github.com/wokspec/chopsticks-fleet/internal/session"
	"github.com/wokspec/chopsticks-fleet/internal/store"
)

// ScaleSecretHeader carries the shared scale secret.
const ScaleSecretHeader = "X-Fleet-Scale-Secret"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// RegisterAgentRequest is the body of POST /api/agents. The credential is
// write-only and never appears in any response.
type RegisterAgentRequest struct {
	Credential string          `json:"credential"`
	ClientID   string          `json:"client_id"`
	DisplayTag string          `json:"display_tag,omitempty"`
	PoolID     string          `json:"pool_id,omitempty"`
	GuildID    string          `json:"guild_id,omitempty"`
	Profile    json.RawMessage `json:"profile,omitempty"`
}

// RequestCommandRequest is the body of POST /api/agents/{id}/request.
type RequestCommandRequest struct {
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
}

// ScaleRequest is the body of POST /api/scale.
type ScaleRequest struct {
	AgentID string `json:"agent_id"`
	Count   int    `json:"count"`
}

// SessionRequest identifies a session and optionally an agent to pin.
type SessionRequest struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Kind      string `json:"kind"`
	AgentID   string `json:"agent_id,omitempty"`
	TTLMs     int64  `json:"ttl_ms,omitempty"`
}

func (r SessionRequest) key() session.Key {
	kind := session.Kind(r.Kind)
	if kind == "" {
		kind = session.KindMusic
	}
	return session.Key{GuildID: r.GuildID, ChannelID: r.ChannelID, Kind: kind}
}

// PoolResponse is the JSON form of a pool.
type PoolResponse struct {
	PoolID      string    `json:"pool_id"`
	Name        string    `json:"name"`
	OwnerUserID string    `json:"owner_user_id"`
	Visibility  string    `json:"visibility"`
	CreatedAt   time.Time `json:"created_at"`
}

func toPoolResponse(p *store.Pool) PoolResponse {
	return PoolResponse{
		PoolID:      p.PoolID,
		Name:        p.Name,
		OwnerUserID: p.OwnerUserID,
		Visibility:  string(p.Visibility),
		CreatedAt:   p.CreatedAt,
	}
}

func toPoolResponses(pools []*store.Pool) []PoolResponse {
	out := make([]PoolResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, toPoolResponse(p))
	}
	return out
}

// registerAPIRoutes mounts the API behind token auth, or anonymous access
// when tokens is nil.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, tokens *auth.JWTVerifier, logger *slog.Logger) {
	authMW := auth.NoAuthMiddleware()
	if tokens != nil {
		authMW = auth.HTTPAuthMiddleware(tokens, logger.With("component", "auth"))
	}
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMW(h))
	}

	handle("GET /api/agents", g.handleListAgents)
	handle("POST /api/agents", g.handleRegisterAgent)
	handle("POST /api/agents/{id}/status", g.handleUpdateStatus)
	handle("PUT /api/agents/{id}/profile", g.handleUpdateProfile)
	handle("DELETE /api/agents/{id}", g.handleDeleteAgent)
	handle("POST /api/agents/{id}/restart", g.handleRestart)
	handle("POST /api/agents/{id}/request", g.handleRequest)
	handle("POST /api/scale", g.handleScale)

	handle("GET /api/pools", g.handleListPools)
	handle("GET /api/pools/public", g.handleListPublicPools)
	handle("POST /api/pools", g.handleCreatePool)
	handle("POST /api/pools/{id}/owner", g.handleTransferPool)
	handle("POST /api/pools/{id}/visibility", g.handleSetVisibility)
	handle("DELETE /api/pools/{id}", g.handleDeletePool)
	handle("GET /api/pools/{id}/pending", g.handlePendingContributions)

	handle("GET /api/guilds/{id}/pool", g.handleGetGuildPool)
	handle("PUT /api/guilds/{id}/pool", g.handleSetGuildPool)
	handle("GET /api/guilds/{id}/idle-policy", g.handleGetIdlePolicy)
	handle("PUT /api/guilds/{id}/idle-policy", g.handleSetIdlePolicy)
	handle("DELETE /api/guilds/{id}/idle-policy", g.handleClearIdlePolicy)
	handle("POST /api/guilds/{id}/deploy-plan", g.handleDeployPlan)
	handle("POST /api/guilds/{id}/verify-membership", g.handleVerifyMembership)

	handle("GET /api/sessions", g.handleListSessions)
	handle("GET /api/sessions/agent", g.handleSessionAgent)
	handle("POST /api/sessions/pin", g.handlePin)
	handle("POST /api/sessions/acquire", g.handleAcquire)
	handle("POST /api/sessions/release", g.handleRelease)
	handle("POST /api/sessions/touch", g.handleTouch)

	handle("GET /api/audit", g.handleAuditLog)
}

// sendJSON writes body with ok=true.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["ok"] = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, kind, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "kind": kind, "reason": reason})
}

// statusFor maps a fault kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindUnauthorized:
		return http.StatusForbidden
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindIntegrity:
		return http.StatusConflict
	case fault.KindRateLimited:
		return http.StatusTooManyRequests
	case fault.KindRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendFault renders err from its kind. Internal causes are logged, not shown.
func (g *Gateway) sendFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	switch kind {
	case fault.KindInternal:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	case fault.KindRemote:
		g.logger.Warn("remote failure", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	g.sendJSONError(w, statusFor(kind), kind, fault.Reason(err))
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fault.Validation("invalid JSON body")
	}
	return nil
}

func actor(r *http.Request) string {
	return auth.ActorFromContext(r.Context())
}

// handleListAgents handles GET /api/agents[?pool=].
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.fleet.ListAgents(r.Context(), r.URL.Query().Get("pool"))
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// handleRegisterAgent handles POST /api/agents.
func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}

	res, err := g.registry.Register(r.Context(), registry.RegisterRequest{
		ActorID:    actor(r),
		Credential: req.Credential,
		ClientID:   req.ClientID,
		DisplayTag: req.DisplayTag,
		PoolID:     req.PoolID,
		GuildID:    req.GuildID,
		Profile:    req.Profile,
	})
	if err != nil {
		g.sendFault(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Operation == registry.OpInserted {
		status = http.StatusCreated
	}
	g.sendJSON(w, status, map[string]any{
		"agent_id":    res.AgentID,
		"operation":   res.Operation,
		"pool_id":     res.PoolID,
		"status":      res.Status,
		"display_tag": res.DisplayTag,
		"pending":     res.Pending,
	})
}

// handleUpdateStatus handles POST /api/agents/{id}/status.
func (g *Gateway) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	found, err := g.registry.UpdateStatus(r.Context(), actor(r), r.PathValue("id"), store.AgentStatus(req.Status))
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"found": found})
}

// handleUpdateProfile handles PUT /api/agents/{id}/profile.
func (g *Gateway) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profile json.RawMessage `json:"profile"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	found, err := g.registry.UpdateProfile(r.Context(), actor(r), r.PathValue("id"), req.Profile)
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"found": found})
}

// handleDeleteAgent handles DELETE /api/agents/{id}.
func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	found, err := g.registry.Delete(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"found": found})
}

// handleRestart handles POST /api/agents/{id}/restart.
func (g *Gateway) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	if err := g.fleet.Restart(r.Context(), actor(r), r.PathValue("id"), req.Reason); err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, nil)
}

// handleRequest handles POST /api/agents/{id}/request.
func (g *Gateway) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req RequestCommandRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	if req.TimeoutMs < 0 {
		g.sendFault(w, r, fault.Validation("timeout_ms must not be negative"))
		return
	}
	res, err := g.fleet.Request(r.Context(), r.PathValue("id"), req.Command, req.Payload,
		time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"request_id": res.RequestID, "data": res.Data})
}

// handleScale handles POST /api/scale.
func (g *Gateway) handleScale(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	res, err := g.fleet.Scale(r.Context(), r.Header.Get(ScaleSecretHeader), req.AgentID, req.Count)
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"request_id": res.RequestID, "data": res.Data})
}

// handleListPools handles GET /api/pools?owner=. The owner defaults to the
// acting user.
func (g *Gateway) handleListPools(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = actor(r)
	}
	pools, err := g.registry.ListPoolsByOwner(r.Context(), owner)
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"pools": toPoolResponses(pools)})
}

// handleListPublicPools handles GET /api/pools/public.
func (g *Gateway) handleListPublicPools(w http.ResponseWriter, r *http.Request) {
	pools, err := g.registry.ListPublicPools(r.Context())
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"pools": toPoolResponses(pools)})
}

// handleCreatePool handles POST /api/pools.
func (g *Gateway) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Visibility string `json:"visibility"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	pool, err := g.registry.CreatePool(r.Context(), actor(r), req.Name, store.Visibility(req.Visibility))
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, map[string]any{"pool": toPoolResponse(pool)})
}

// handleTransferPool handles POST /api/pools/{id}/owner.
func (g *Gateway) handleTransferPool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerUserID string `json:"owner_user_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	if err := g.registry.TransferOwnership(r.Context(), actor(r), r.PathValue("id"), req.OwnerUserID); err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, nil)
}

// handleSetVisibility handles POST /api/pools/{id}/visibility.
func (g *Gateway) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visibility string `json:"visibility"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	if err := g.registry.SetVisibility(r.Context(), actor(r), r.PathValue("id"), store.Visibility(req.Visibility)); err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, nil)
}

// handleDeletePool handles DELETE /api/pools/{id}.
func (g *Gateway) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	detached, err := g.registry.DeletePool(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"detached": detached})
}

// handlePendingContributions handles GET /api/pools/{id}/pending.
func (g *Gateway) handlePendingContributions(w http.ResponseWriter, r *http.Request) {
	pending, err := g.registry.ListPendingContributions(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(pending))
	for _, a := range pending {
		out = append(out, map[string]any{
			"agent_id":       a.AgentID,
			"client_id":      a.ClientID,
			"display_tag":    a.DisplayTag,
			"contributed_by": a.ContributedBy,
			"created_at":     a.CreatedAt,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"pending": out})
}

// handleGetGuildPool handles GET /api/guilds/{id}/pool.
func (g *Gateway) handleGetGuildPool(w http.ResponseWriter, r *http.Request) {
	pool, err := g.registry.ResolveDefaultPool(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	var body any
	if pool != nil {
		body = toPoolResponse(pool)
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"pool": body})
}

// handleSetGuildPool handles PUT /api/guilds/{id}/pool. An empty pool_id
// clears the selection.
func (g *Gateway) handleSetGuildPool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PoolID string `json:"pool_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	if err := g.registry.SelectGuildPool(r.Context(), actor(r), r.PathValue("id"), req.PoolID); err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, nil)
}

// handleGetIdlePolicy handles GET /api/guilds/{id}/idle-policy.
func (g *Gateway) handleGetIdlePolicy(w http.ResponseWriter, r *http.Request) {
	override, err := g.registry.IdlePolicy(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	effective := session.EffectiveIdle(override, g.config.Fleet.DefaultIdleRelease.Duration)
	g.sendJSON(w, http.StatusOK, map[string]any{
		"idle_release_ms": override,
		"effective_ms":    effective.Milliseconds(),
	})
}

// handleSetIdlePolicy handles PUT /api/guilds/{id}/idle-policy. Zero
// disables idle release for the guild.
func (g *Gateway) handleSetIdlePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IdleReleaseMs *int64 `json:"idle_release_ms"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	if req.IdleReleaseMs == nil {
		g.sendFault(w, r, fault.Validation("idle_release_ms is required; use DELETE to clear the override"))
		return
	}
	if err := g.registry.SetIdlePolicy(r.Context(), actor(r), r.PathValue("id"), req.IdleReleaseMs); err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, nil)
}

// handleClearIdlePolicy handles DELETE /api/guilds/{id}/idle-policy.
func (g *Gateway) handleClearIdlePolicy(w http.ResponseWriter, r *http.Request) {
	if err := g.registry.SetIdlePolicy(r.Context(), actor(r), r.PathValue("id"), nil); err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, nil)
}

// handleDeployPlan handles POST /api/guilds/{id}/deploy-plan.
func (g *Gateway) handleDeployPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DesiredTotal int    `json:"desired_total"`
		PoolID       string `json:"pool_id,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	plan, err := g.fleet.BuildDeployPlan(r.Context(), actor(r), r.PathValue("id"), req.PoolID, req.DesiredTotal)
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

// handleVerifyMembership handles POST /api/guilds/{id}/verify-membership.
func (g *Gateway) handleVerifyMembership(w http.ResponseWriter, r *http.Request) {
	report, err := g.fleet.VerifyMembership(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"report": report})
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]any{"sessions": g.sessions.List()})
}

// handleSessionAgent handles GET /api/sessions/agent?guild=&channel=&kind=.
func (g *Gateway) handleSessionAgent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := SessionRequest{GuildID: q.Get("guild"), ChannelID: q.Get("channel"), Kind: q.Get("kind")}
	key := req.key()
	if key.GuildID == "" || key.ChannelID == "" || !key.Kind.Valid() {
		g.sendFault(w, r, fault.Validation("guild, channel and a music or assistant kind are required"))
		return
	}

	var agentID string
	var found bool
	if key.Kind == session.KindAssistant {
		agentID, found = g.sessions.GetAssistantSessionAgent(key.GuildID, key.ChannelID)
	} else {
		agentID, found = g.sessions.GetSessionAgent(key.GuildID, key.ChannelID)
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"found": found, "agent_id": agentID})
}

// handlePin handles POST /api/sessions/pin.
func (g *Gateway) handlePin(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	if req.TTLMs < 0 {
		g.sendFault(w, r, fault.Validation("ttl_ms must not be negative"))
		return
	}
	a, err := g.sessions.SetPreferred(req.key(), req.AgentID, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"session": a})
}

// handleAcquire handles POST /api/sessions/acquire.
func (g *Gateway) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	agentID, created, err := g.sessions.Acquire(req.key())
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "created": created})
}

// handleRelease handles POST /api/sessions/release. Releasing an unassigned
// session succeeds with an empty agent id.
func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	agentID, err := g.sessions.Release(r.Context(), req.key())
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"released": agentID != "", "agent_id": agentID})
}

// handleTouch handles POST /api/sessions/touch.
func (g *Gateway) handleTouch(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendFault(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"touched": g.sessions.Touch(req.key())})
}

// handleAuditLog handles GET /api/audit?actor=&target=&limit=. Superusers only.
func (g *Gateway) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	ok, err := g.registry.IsSuperuser(r.Context(), actor(r))
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	if !ok {
		g.sendFault(w, r, fault.Unauthorized("only superusers can read the audit log"))
		return
	}

	q := r.URL.Query()
	var f store.AuditFilter
	if v := q.Get("actor"); v != "" {
		f.ActorID = &v
	}
	if v := q.Get("target"); v != "" {
		f.TargetID = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			g.sendFault(w, r, fault.Validation("limit must be a positive integer"))
			return
		}
		f.Limit = n
	}

	entries, err := g.registry.AuditLog(r.Context(), f)
	if err != nil {
		g.sendFault(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":          e.ID,
			"actor_id":    e.ActorID,
			"action":      e.Action,
			"target_type": e.TargetType,
			"target_id":   e.TargetID,
			"timestamp":   e.Timestamp,
			"detail":      e.Detail,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"entries": out})
}
