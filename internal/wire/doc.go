// Package wire defines the runner control protocol spoken between fleetd and
// agent runners.
//
// The protocol is a single bidirectional gRPC stream,
// /fleet.v1.AgentControl/Connect, carrying JSON-encoded messages through a
// registered "json" codec. Runners must dial with CallOptions() so the
// content-subtype selects that codec on both ends.
//
// Flow:
//  1. Runner sends Hello listing the agent ids it hosts
//  2. Server replies Welcome with credentials for accepted ids
//  3. Runner streams Status, Reply, Heartbeat and Goodbye messages
//  4. Server streams Command messages and a final Shutdown
package wire
