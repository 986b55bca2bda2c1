package auth

import (
	"context"
	"time"
)

// UserStore persists accounts.
type UserStore interface {
	// CreateUser inserts u, plus its default role assignment when
	// u.WithDefaultRole is set. Either both persist or neither does.
	CreateUser(ctx context.Context, u NewUser) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, f UserFilter) ([]User, int, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error)
	SoftDeleteUser(ctx context.Context, id string) error
	SetPasswordHash(ctx context.Context, id, hash string) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

// RoleStore persists roles.
type RoleStore interface {
	CreateRole(ctx context.Context, name, description string) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context, f RoleFilter) ([]Role, int, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	SoftDeleteRole(ctx context.Context, id string) error
	// SetDefaultRole marks id as the default role and clears the flag on
	// every other role.
	SetDefaultRole(ctx context.Context, id string) error
	// DefaultRole returns the active default role or ErrNotFound.
	DefaultRole(ctx context.Context) (Role, error)
}

// PermissionStore persists the permission catalog.
type PermissionStore interface {
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context, f PermissionFilter) ([]Permission, int, error)
	UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (Permission, error)
	// EnsurePermissions inserts missing permissions by name and leaves
	// existing ones untouched.
	EnsurePermissions(ctx context.Context, perms []Permission) error
	PermissionResources(ctx context.Context) ([]string, error)
	PermissionActions(ctx context.Context) ([]string, error)
}

// GraphStore maintains the user-role and role-permission relations. Assign,
// revoke, grant and revoke-permission are idempotent; only a missing endpoint
// is an error (ErrNotFound).
type GraphStore interface {
	AssignRole(ctx context.Context, userID, roleID string) error
	RevokeRole(ctx context.Context, userID, roleID string) error
	UserRoles(ctx context.Context, userID string) ([]Role, error)

	GrantPermission(ctx context.Context, roleID, permissionID string) error
	RevokePermission(ctx context.Context, roleID, permissionID string) error
	SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error
	RolePermissions(ctx context.Context, roleID string) ([]Permission, error)

	// UserPermissions returns the names of active permissions reachable
	// through active, non-deleted roles of userID. Always read fresh.
	UserPermissions(ctx context.Context, userID string) ([]string, error)
}

// ResetStore persists password reset tokens. Both methods are single atomic
// units against the backing store.
type ResetStore interface {
	// ReplaceResetToken invalidates every pending token of tok.UserID and
	// inserts tok.
	ReplaceResetToken(ctx context.Context, tok ResetToken) error
	// ConsumeResetToken marks the pending token with tokenHash consumed and
	// sets the owner's password hash. Returns ErrInvalidOrExpiredToken when
	// no pending token matches at now.
	ConsumeResetToken(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, error)
}

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	UserStore
	RoleStore
	PermissionStore
	GraphStore
	ResetStore
	Ping(ctx context.Context) error
}
