// ABOUTME: Tests for roles store operations
// ABOUTME: Covers Add, Remove, Has and ListRoleHolders

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleStore_AddIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRole(ctx, "u1", RoleSuperuser))
	require.NoError(t, s.AddRole(ctx, "u1", RoleSuperuser), "adding existing role should be idempotent")

	has, err := s.HasRole(ctx, "u1", RoleSuperuser)
	require.NoError(t, err)
	assert.True(t, has)

	holders, err := s.ListRoleHolders(ctx, RoleSuperuser)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, holders)
}

func TestRoleStore_Remove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRole(ctx, "u1", RoleOperator))
	require.NoError(t, s.RemoveRole(ctx, "u1", RoleOperator))
	require.NoError(t, s.RemoveRole(ctx, "u1", RoleOperator), "removing twice is fine")

	has, err := s.HasRole(ctx, "u1", RoleOperator)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRoleStore_UnknownSubject(t *testing.T) {
	s := newTestStore(t)
	has, err := s.HasRole(context.Background(), "nobody", RoleSuperuser)
	require.NoError(t, err)
	assert.False(t, has)
}
