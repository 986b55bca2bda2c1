package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

// Principal represents a user with resolved roles and permissions.
type Principal struct {
	User        User
	Roles       []Role
	Permissions map[string]struct{}
}

// NewPrincipal constructs a principal with preloaded permissions.
func NewPrincipal(user User, roles []Role, perms []string) Principal {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return Principal{User: user, Roles: roles, Permissions: set}
}

// HasPermission reports whether the principal can execute action identified
// by key. Superusers hold every permission. An empty key requires none.
func (p Principal) HasPermission(key string) bool {
	if key == "" || p.User.IsSuperuser {
		return true
	}
	_, ok := p.Permissions[key]
	return ok
}

// PermissionList returns the permission set sorted.
func (p Principal) PermissionList() []string {
	out := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Gate decides whether an access token may perform an action.
type Gate struct {
	tokens *TokenService
	users  UserStore
	graph  GraphStore
}

// NewGate wires a gate over the token service and the store.
func NewGate(tokens *TokenService, users UserStore, graph GraphStore) *Gate {
	return &Gate{tokens: tokens, users: users, graph: graph}
}

// Authorize validates accessToken, loads its user and checks that the user
// holds required. An empty required permission only demands a valid token
// and an active account. Superusers skip the permission check but not the
// active check.
func (g *Gate) Authorize(ctx context.Context, accessToken, required string) (p Principal, err error) {
	ctx, span := startSpan(ctx, "auth.Gate.Authorize", attribute.String("permission", required))
	defer func() { endSpan(span, err) }()

	claims, err := g.tokens.Validate(accessToken, TokenTypeAccess)
	if err != nil {
		return Principal{}, err
	}
	span.SetAttributes(attribute.String("user_id", claims.Subject))
	return g.resolve(ctx, claims.Subject, required)
}

// Resolve loads the principal for userID and enforces the same rules as
// Authorize without a token.
func (g *Gate) Resolve(ctx context.Context, userID, required string) (Principal, error) {
	return g.resolve(ctx, userID, required)
}

func (g *Gate) resolve(ctx context.Context, userID, required string) (Principal, error) {
	user, err := g.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, fmt.Errorf("%w: unknown subject", ErrInvalidToken)
		}
		return Principal{}, err
	}
	if err := CheckActive(user); err != nil {
		return Principal{}, err
	}
	roles, err := g.graph.UserRoles(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	perms, err := g.graph.UserPermissions(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	principal := NewPrincipal(user, activeOnly(roles), perms)
	if !principal.HasPermission(required) {
		return Principal{}, fmt.Errorf("%w: requires %s", ErrPermissionDenied, required)
	}
	return principal, nil
}

// CheckActive returns ErrUserInactive when e has been switched off.
func CheckActive(e Activatable) error {
	if !e.Active() {
		return ErrUserInactive
	}
	return nil
}

func activeOnly[T Activatable](items []T) []T {
	out := items[:0:0]
	for _, it := range items {
		if it.Active() {
			out = append(out, it)
		}
	}
	return out
}
