// ABOUTME: Store interface and data types for fleet persistence
// ABOUTME: Defines Agent, Pool and GuildSettings plus the sentinel errors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrPoolExists is returned when an owner already has a pool with the same name
var ErrPoolExists = errors.New("pool already exists")

// ErrQuotaExceeded is returned by UpsertAgent when the contribution quota is used up
var ErrQuotaExceeded = errors.New("contribution quota exceeded")

// AgentStatus is the durable lifecycle state of an identity.
type AgentStatus string

const (
	AgentActive     AgentStatus = "active"
	AgentInactive   AgentStatus = "inactive"
	AgentRestarting AgentStatus = "restarting"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentInactive, AgentRestarting:
		return true
	}
	return false
}

// Visibility controls who may contribute to a pool.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Agent is a registered bot identity. CredentialSealed holds ciphertext only.
type Agent struct {
	AgentID          string
	ClientID         string
	DisplayTag       string
	PoolID           string // empty when detached from any pool
	Status           AgentStatus
	Profile          json.RawMessage
	ContributedBy    string // empty unless registered by a non-owner
	CredentialSealed []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Pool is a named collection of agents owned by one user.
type Pool struct {
	PoolID      string
	Name        string
	OwnerUserID string
	Visibility  Visibility
	CreatedAt   time.Time
}

// GuildSettings holds the per-guild single-row configuration.
type GuildSettings struct {
	GuildID       string
	PoolID        string // empty when no default pool is selected
	IdleReleaseMs *int64 // nil defers to the process default; 0 disables
	UpdatedAt     time.Time
}

// AgentFilter narrows ListAgents. Empty fields match everything.
type AgentFilter struct {
	PoolID string
	Status AgentStatus
}

// PoolFilter narrows ListPools. Empty fields match everything.
type PoolFilter struct {
	OwnerUserID string
	Visibility  Visibility
}

// ContributionQuota bounds pending contributions per (user, pool) inside
// UpsertAgent so the count and the insert happen atomically.
type ContributionQuota struct {
	Since time.Time
	Limit int
}

// Store defines the persistence operations used by the registry and gateway.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *Agent, quota *ContributionQuota) (inserted bool, err error)
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status AgentStatus) (bool, error)
	UpdateAgentProfile(ctx context.Context, agentID string, profile json.RawMessage) (bool, error)
	DeleteAgent(ctx context.Context, agentID string) (bool, error)
	CountPendingContributions(ctx context.Context, userID, poolID string, since time.Time) (int, error)

	// Pools
	CreatePool(ctx context.Context, pool *Pool) error
	GetPool(ctx context.Context, poolID string) (*Pool, error)
	ListPools(ctx context.Context, filter PoolFilter) ([]*Pool, error)
	UpdatePoolOwner(ctx context.Context, poolID, ownerUserID string) (bool, error)
	UpdatePoolVisibility(ctx context.Context, poolID string, visibility Visibility) (bool, error)
	DeletePool(ctx context.Context, poolID string) (detached int, err error)

	// Guild settings
	GetGuildSettings(ctx context.Context, guildID string) (*GuildSettings, error)
	SetGuildPool(ctx context.Context, guildID, poolID string) error
	SetGuildIdlePolicy(ctx context.Context, guildID string, idleReleaseMs *int64) error
	ListGuildIdlePolicies(ctx context.Context) (map[string]int64, error)

	// Roles
	AddRole(ctx context.Context, subjectID string, role RoleName) error
	RemoveRole(ctx context.Context, subjectID string, role RoleName) error
	HasRole(ctx context.Context, subjectID string, role RoleName) (bool, error)
	ListRoleHolders(ctx context.Context, role RoleName) ([]string, error)

	// Audit
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	Close() error
}
