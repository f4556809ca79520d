// Package gateway runs the fleet controller: it wires the registry, live
// connection table, dispatcher, session broker and membership reconciler
// together and serves them over two listeners.
//
// # Listeners
//
// The gRPC listener carries the runner control stream
// (/fleet.v1.AgentControl/Connect, see package wire). The HTTP listener
// serves health checks and the JSON API used by the chat command layer.
// With tailscale enabled both listen on the tailnet only (:50051 and :80).
//
// # Runner stream
//
// A runner opens Connect and sends Hello with the agent ids it hosts. Each id
// is checked against the registry: unknown and inactive identities are
// rejected, accepted ones receive their credential in Welcome and are
// attached to the live table. A restarting identity becomes active again
// here. Status, Reply, Heartbeat and Goodbye messages follow until the
// stream ends, at which point every agent of the runner is detached.
//
// # HTTP API
//
//   - GET /health, GET /health/ready
//   - /api/agents: list, register, status, profile, delete, restart, request
//   - POST /api/scale (requires X-Fleet-Scale-Secret)
//   - /api/pools: owner and public listings, create, transfer, visibility,
//     delete, pending contributions
//   - /api/guilds/{id}: default pool, idle policy, deploy plan, membership check
//   - /api/sessions: list, lookup, pin, acquire, release, touch
//   - GET /api/audit (superusers)
//
// Responses always carry "ok". Failures look like
// {"ok":false,"kind":"validation","reason":"..."} with the status code taken
// from the kind. The acting chat user is read from X-Fleet-User.
//
// # Jobs
//
// The idle sweep runs every fleet.idle_sweep_interval. Membership
// reconciliation runs every fleet.reconcile_interval when a platform bot
// token is configured. Overlapping runs are skipped.
package gateway
