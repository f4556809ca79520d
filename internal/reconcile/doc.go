// Package reconcile corrects claimed guild membership in the live table
// against the chat platform's authoritative answer.
//
// Membership is a two-tier fact. The claimed tier is whatever runners report
// and may be stale. The verified tier is a TTL set of memberships the
// platform confirmed during a reconcile pass. A pass for one guild either
// applies completely or, on any platform failure, leaves both tiers
// untouched. Reconciliation only edits in-memory state; it never writes to
// the registry.
package reconcile
