package identity

import (
	"context"
	"time"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/ttlcache"
)

// RoleProvider resolves a user id to its role and capability set. The
// pipeline never owns the role/capability model itself; it is looked up from
// the external identity system on cache miss (spec §3 "weak references").
type RoleProvider interface {
	ResolveUser(ctx context.Context, userID string) (*User, error)
}

// gateCacheTTL is the hold time for resolved users (spec §4.13: "a
// short-lived cache (TTL 60s) of user -> role -> capability rows keyed by
// user id").
const gateCacheTTL = 60 * time.Second

// Gate is the Identity & Capability Gate: it turns a bearer token into an
// acting User and answers the single capability(user, module, action)
// authority question every mutating operation and PII-surfacing read must
// call before proceeding.
type Gate struct {
	tokens *TokenService
	roles  RoleProvider
	cache  *ttlcache.Cache[*User]
}

// NewGate builds a Gate backed by tokens for bearer-token validation and
// roles for role/capability resolution on cache miss.
func NewGate(tokens *TokenService, roles RoleProvider) *Gate {
	return &Gate{
		tokens: tokens,
		roles:  roles,
		cache:  ttlcache.New[*User](4096, gateCacheTTL),
	}
}

// Authenticate validates a bearer token and resolves the acting User,
// consulting the 60s cache before falling back to the RoleProvider.
func (g *Gate) Authenticate(ctx context.Context, tokenString string) (*User, error) {
	userID, err := g.tokens.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	return g.ResolveUser(ctx, userID)
}

// ResolveUser returns the User for userID, the system bot's fixed identity
// if userID is the bot id, or the RoleProvider's lookup on cache miss.
func (g *Gate) ResolveUser(ctx context.Context, userID string) (*User, error) {
	if userID == BotID {
		return SystemBotUser(), nil
	}
	if u, ok := g.cache.Get(userID); ok {
		return u, nil
	}
	u, err := g.roles.ResolveUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "could not resolve user", err)
	}
	g.cache.Set(userID, u)
	return u, nil
}

// Invalidate evicts a cached user, forcing the next Authenticate/ResolveUser
// call to re-fetch from the RoleProvider. Called when a role/capability
// change is pushed for a user still within the TTL window.
func (g *Gate) Invalidate(userID string) {
	g.cache.Delete(userID)
}

// Authorize reports whether user is permitted to perform action on module,
// returning an apperr.Unauthorized error when not. This is the single
// authority function mutating operations and PII-surfacing reads call.
func Authorize(user *User, module Module, action Action) error {
	if user == nil {
		return apperr.New(apperr.Unauthenticated, "no acting user")
	}
	if !user.Has(module, action) {
		return apperr.Newf(apperr.Unauthorized, "user %s lacks %s:%s", user.ID, module, action).
			WithDetails(map[string]interface{}{"module": string(module), "action": string(action)})
	}
	return nil
}
