// ABOUTME: Tests for the audit log
// ABOUTME: Covers append defaults, filtering and newest-first ordering

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLog_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &AuditEntry{
		ActorID:    "u1",
		Action:     AuditCreatePool,
		TargetType: "pool",
		TargetID:   "p1",
		Detail:     map[string]any{"name": "music"},
	}
	require.NoError(t, s.AppendAuditLog(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
		ActorID: "u2", Action: AuditDeletePool, TargetType: "pool", TargetID: "p1",
	}))

	all, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, AuditDeletePool, all[0].Action, "newest first")

	actor := "u1"
	mine, err := s.ListAuditLog(ctx, AuditFilter{ActorID: &actor})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "music", mine[0].Detail["name"])

	action := AuditDeletePool
	deletes, err := s.ListAuditLog(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, deletes, 1)
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
	assert.Equal(t, 25, normalizeAuditLimit(25))
}
