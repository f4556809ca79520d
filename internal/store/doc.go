// Package store provides durable storage for the fleet controller using SQLite.
//
// # Data Models
//
//   - Agent: a registered bot identity with its sealed credential
//   - Pool: a named, owned collection of agents (public or private)
//   - GuildSettings: per-guild default pool and idle-release override
//   - Role: superuser grants for chat users
//   - AuditEntry: append-only record of every administrative mutation
//
// Live connection state, session assignments and verified membership are
// never persisted; they are rebuilt from runner reconnects.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// SQLite allows one writer, so the pool is capped at a single connection and
// multi-statement operations (contribution quota checks, pool deletion) run
// in one transaction.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrPoolExists: owner already has a pool with that name
//   - ErrQuotaExceeded: contribution quota reached inside UpsertAgent
//
// Idempotent mutations (status, profile, delete) report whether a row was
// found instead of failing.
package store
