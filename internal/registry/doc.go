// Package registry owns the durable side of the fleet: bot identities,
// the pools that group them, per-guild pool selection and idle overrides.
//
// # Registration
//
// Register proves control of a credential with a platform handshake before
// anything is written. Who may write where:
//
//   - pool owner or superuser: identity is stored active
//   - anyone else, public pool: stored inactive as a pending contribution,
//     at most ContributionLimit per (user, pool) per ContributionWindow
//   - anyone else, private pool: AuthorizationError
//
// Pending contributions are activated by the pool owner through
// UpdateStatus. Every mutation is audited and no error path includes the
// credential.
package registry
