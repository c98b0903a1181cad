package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRoleProvider struct {
	users  map[string]*User
	lookups int
}

func (p *staticRoleProvider) ResolveUser(ctx context.Context, userID string) (*User, error) {
	p.lookups++
	u, ok := p.users[userID]
	if !ok {
		return nil, assert.AnError
	}
	return u, nil
}

func TestGateAuthenticateResolvesBotWithoutProvider(t *testing.T) {
	tokens := NewTokenService("secret", "expense-core", "expense-core")
	gate := NewGate(tokens, &staticRoleProvider{users: map[string]*User{}})

	token, err := tokens.Issue(BotID, time.Minute)
	require.NoError(t, err)

	user, err := gate.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, BotID, user.ID)
	assert.True(t, user.Has(ModuleAutoAuth, ActionRun))
}

func TestGateResolveUserCachesAcrossCalls(t *testing.T) {
	provider := &staticRoleProvider{users: map[string]*User{
		"u1": {ID: "u1", Role: "clerk", Capabilities: []Capability{{ModuleExpenses, ActionRead}}},
	}}
	gate := NewGate(NewTokenService("secret", "", ""), provider)

	_, err := gate.ResolveUser(context.Background(), "u1")
	require.NoError(t, err)
	_, err = gate.ResolveUser(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, provider.lookups, "second resolve should hit the cache")
}

func TestGateInvalidateForcesRefetch(t *testing.T) {
	provider := &staticRoleProvider{users: map[string]*User{
		"u1": {ID: "u1", Role: "clerk"},
	}}
	gate := NewGate(NewTokenService("secret", "", ""), provider)

	_, err := gate.ResolveUser(context.Background(), "u1")
	require.NoError(t, err)
	gate.Invalidate("u1")
	_, err = gate.ResolveUser(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 2, provider.lookups)
}

func TestAuthorizeDeniesMissingCapability(t *testing.T) {
	user := &User{ID: "u1", Capabilities: []Capability{{ModuleExpenses, ActionRead}}}
	assert.NoError(t, Authorize(user, ModuleExpenses, ActionRead))

	err := Authorize(user, ModuleExpenses, ActionDelete)
	require.Error(t, err)
}

func TestAuthorizeRequiresUser(t *testing.T) {
	err := Authorize(nil, ModuleExpenses, ActionRead)
	require.Error(t, err)
}
