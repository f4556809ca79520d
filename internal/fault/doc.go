// ABOUTME: Package fault defines the error taxonomy shared by every fleet component
// ABOUTME: Errors carry a kind sentinel and a user-safe reason with credentials stripped

// Package fault classifies failures into the kinds callers act on.
//
// Every business failure returned by the registry, planner, broker and
// reconciler wraps exactly one of the sentinels below, so transports can map
// it with errors.Is:
//
//   - ErrValidation: malformed input, shown to the user as-is
//   - ErrUnauthorized: the actor may not perform the operation
//   - ErrNotFound: the referenced agent, pool or session does not exist
//   - ErrRemote: a runner or the platform failed or timed out
//   - ErrIntegrity: the operation would break a structural invariant
//   - ErrRateLimited: the actor exceeded a quota
//
// Reasons never contain credentials. Use Redact on any text that may echo a
// remote response before it reaches an error or a log line.
package fault
