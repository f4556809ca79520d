// Package session maps (guild, voice channel, kind) keys to the one agent
// serving them.
//
// An assignment is either an explicit pin, created by SetPreferred with a
// TTL, or an implicit assignment created by Acquire or observed from a
// runner's busy report. The lifecycle is
//
//	unassigned -> pinned -> active -> released -> unassigned
//
// Pins expire when their TTL lapses while the agent is not active in the
// key. Implicit assignments live only while the agent's busy key matches.
// Release always clears the assignment, even when the leave command sent to
// the runner fails. The idle sweep releases active sessions whose last
// activity is older than the guild's effective idle policy.
//
// Broker state is guarded by one mutex that is never held across a runner
// call, and every lookup is validated against the live table snapshot.
package session
