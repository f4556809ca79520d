// ABOUTME: Tests for the authentication context helpers
// ABOUTME: Covers attach, retrieval and the actor shortcut

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.Empty(t, ActorFromContext(ctx))

	want := &AuthContext{Subject: "command-layer", Kind: KindAPI, ActorID: "1122334455"}
	ctx = WithAuth(ctx, want)
	assert.Same(t, want, FromContext(ctx))
	assert.Equal(t, "1122334455", ActorFromContext(ctx))
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), authContextKey{}, "not an auth context")
	assert.Nil(t, FromContext(ctx))
}

func TestAnonymous(t *testing.T) {
	a := Anonymous(KindRunner)
	assert.Equal(t, "anonymous", a.Subject)
	assert.Equal(t, KindRunner, a.Kind)
}
