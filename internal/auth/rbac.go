package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RBACStore is the slice of Store the administration service needs.
type RBACStore interface {
	UserStore
	RoleStore
	PermissionStore
	GraphStore
}

// RBACService manages users, roles, permissions and the graph between them.
type RBACService struct {
	store RBACStore
}

func NewRBACService(store RBACStore) *RBACService {
	return &RBACService{store: store}
}

// --- graph ---

// AssignRole gives userID the role. Assigning a held role is a no-op.
func (s *RBACService) AssignRole(ctx context.Context, userID, roleID string) error {
	userID, roleID, err := requireIDs("user_id", userID, "role_id", roleID)
	if err != nil {
		return err
	}
	return s.store.AssignRole(ctx, userID, roleID)
}

// RevokeRole removes the role from userID. Revoking an absent role is a
// no-op.
func (s *RBACService) RevokeRole(ctx context.Context, userID, roleID string) error {
	userID, roleID, err := requireIDs("user_id", userID, "role_id", roleID)
	if err != nil {
		return err
	}
	return s.store.RevokeRole(ctx, userID, roleID)
}

// GrantPermission adds permissionID to roleID. Idempotent.
func (s *RBACService) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	roleID, permissionID, err := requireIDs("role_id", roleID, "permission_id", permissionID)
	if err != nil {
		return err
	}
	return s.store.GrantPermission(ctx, roleID, permissionID)
}

// RevokePermission removes permissionID from roleID. Idempotent.
func (s *RBACService) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	roleID, permissionID, err := requireIDs("role_id", roleID, "permission_id", permissionID)
	if err != nil {
		return err
	}
	return s.store.RevokePermission(ctx, roleID, permissionID)
}

// EffectivePermissions returns the sorted union of active permissions over
// the user's active roles, read from the store on every call.
func (s *RBACService) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	perms, err := s.store.UserPermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	perms = dedupeStrings(perms)
	sort.Strings(perms)
	return perms, nil
}

// --- users ---

func (s *RBACService) ListUsers(ctx context.Context, f UserFilter) (Page[User], error) {
	f.PageRequest = f.PageRequest.Normalize()
	f.Search = strings.TrimSpace(f.Search)
	users, total, err := s.store.ListUsers(ctx, f)
	if err != nil {
		return Page[User]{}, err
	}
	return NewPage(users, total, f.PageRequest), nil
}

func (s *RBACService) GetUser(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.GetUser(ctx, id)
}

func (s *RBACService) UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	upd = trimUserUpdate(upd)
	if upd.empty() {
		return s.store.GetUser(ctx, id)
	}
	return s.store.UpdateUser(ctx, id, upd)
}

// DeleteUser soft deletes the account. The row is kept.
func (s *RBACService) DeleteUser(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.SoftDeleteUser(ctx, id)
}

func (s *RBACService) ToggleUserStatus(ctx context.Context, id string) (User, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if user.IsDeleted {
		return User{}, fmt.Errorf("%w: user is deleted", ErrConflict)
	}
	active := !user.IsActive
	return s.store.UpdateUser(ctx, user.ID, UserUpdate{IsActive: &active})
}

func (s *RBACService) UserRoles(ctx context.Context, userID string) ([]Role, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.UserRoles(ctx, user.ID)
}

// --- roles ---

func (s *RBACService) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(name) > 50 {
		return Role{}, fmt.Errorf("%w: name is too long", ErrInvalidInput)
	}
	return s.store.CreateRole(ctx, name, strings.TrimSpace(description))
}

func (s *RBACService) ListRoles(ctx context.Context, f RoleFilter) (Page[Role], error) {
	f.PageRequest = f.PageRequest.Normalize()
	f.Search = strings.TrimSpace(f.Search)
	roles, total, err := s.store.ListRoles(ctx, f)
	if err != nil {
		return Page[Role]{}, err
	}
	return NewPage(roles, total, f.PageRequest), nil
}

func (s *RBACService) GetRole(ctx context.Context, id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, id)
}

func (s *RBACService) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	if upd.Name == nil && upd.Description == nil && upd.IsActive == nil {
		return s.store.GetRole(ctx, id)
	}
	return s.store.UpdateRole(ctx, id, upd)
}

// DeleteRole soft deletes the role. Its assignments stay but contribute no
// permissions.
func (s *RBACService) DeleteRole(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.SoftDeleteRole(ctx, id)
}

func (s *RBACService) ToggleRoleStatus(ctx context.Context, id string) (Role, error) {
	role, err := s.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if role.IsDeleted {
		return Role{}, fmt.Errorf("%w: role is deleted", ErrConflict)
	}
	active := !role.IsActive
	return s.store.UpdateRole(ctx, role.ID, RoleUpdate{IsActive: &active})
}

// SetDefaultRole makes id the role assigned at registration.
func (s *RBACService) SetDefaultRole(ctx context.Context, id string) (Role, error) {
	role, err := s.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if !role.Active() {
		return Role{}, fmt.Errorf("%w: default role must be active", ErrInvalidInput)
	}
	if err := s.store.SetDefaultRole(ctx, role.ID); err != nil {
		return Role{}, err
	}
	return s.store.GetRole(ctx, role.ID)
}

func (s *RBACService) RolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return s.store.RolePermissions(ctx, role.ID)
}

// SetRolePermissions replaces the role's permissions with permissionIDs.
func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) ([]Permission, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	ids := dedupeStrings(permissionIDs)
	if err := s.store.SetRolePermissions(ctx, roleID, ids); err != nil {
		return nil, err
	}
	return s.store.RolePermissions(ctx, roleID)
}

// --- permissions ---

func (s *RBACService) CreatePermission(ctx context.Context, resource, action, description string) (Permission, error) {
	res, act, err := ParsePermissionName(PermissionName(strings.TrimSpace(resource), strings.TrimSpace(action)))
	if err != nil {
		return Permission{}, err
	}
	return s.store.CreatePermission(ctx, Permission{
		Name:        PermissionName(res, act),
		Resource:    res,
		Action:      act,
		Description: strings.TrimSpace(description),
		IsActive:    true,
	})
}

func (s *RBACService) ListPermissions(ctx context.Context, f PermissionFilter) (Page[Permission], error) {
	f.PageRequest = f.PageRequest.Normalize()
	f.Search = strings.TrimSpace(f.Search)
	f.Resource = strings.ToLower(strings.TrimSpace(f.Resource))
	perms, total, err := s.store.ListPermissions(ctx, f)
	if err != nil {
		return Page[Permission]{}, err
	}
	return NewPage(perms, total, f.PageRequest), nil
}

func (s *RBACService) GetPermission(ctx context.Context, id string) (Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Permission{}, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return s.store.GetPermission(ctx, id)
}

func (s *RBACService) UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Permission{}, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	if upd.Description == nil && upd.IsActive == nil {
		return s.store.GetPermission(ctx, id)
	}
	return s.store.UpdatePermission(ctx, id, upd)
}

// DeletePermission deactivates the permission. It stops counting towards
// effective permissions immediately.
func (s *RBACService) DeletePermission(ctx context.Context, id string) error {
	inactive := false
	_, err := s.UpdatePermission(ctx, id, PermissionUpdate{IsActive: &inactive})
	return err
}

func (s *RBACService) TogglePermissionStatus(ctx context.Context, id string) (Permission, error) {
	perm, err := s.GetPermission(ctx, id)
	if err != nil {
		return Permission{}, err
	}
	active := !perm.IsActive
	return s.store.UpdatePermission(ctx, perm.ID, PermissionUpdate{IsActive: &active})
}

func (s *RBACService) PermissionResources(ctx context.Context) ([]string, error) {
	return s.store.PermissionResources(ctx)
}

func (s *RBACService) PermissionActions(ctx context.Context) ([]string, error) {
	return s.store.PermissionActions(ctx)
}

// EnsureBuiltins seeds the builtin permission catalog and the default role.
// Existing rows are left alone.
func (s *RBACService) EnsureBuiltins(ctx context.Context) (Role, error) {
	if err := s.store.EnsurePermissions(ctx, BuiltinPermissions); err != nil {
		return Role{}, fmt.Errorf("ensure permissions: %w", err)
	}
	role, err := s.store.GetRoleByName(ctx, DefaultRoleName)
	if errors.Is(err, ErrNotFound) {
		role, err = s.store.CreateRole(ctx, DefaultRoleName, "Default role for new accounts")
	}
	if err != nil {
		return Role{}, fmt.Errorf("ensure default role: %w", err)
	}
	if !role.IsDefault {
		if err := s.store.SetDefaultRole(ctx, role.ID); err != nil {
			return Role{}, err
		}
	}
	return s.store.GetRole(ctx, role.ID)
}

func requireIDs(leftName, left, rightName, right string) (string, string, error) {
	left = strings.TrimSpace(left)
	right = strings.TrimSpace(right)
	if left == "" {
		return "", "", fmt.Errorf("%w: %s is required", ErrInvalidInput, leftName)
	}
	if right == "" {
		return "", "", fmt.Errorf("%w: %s is required", ErrInvalidInput, rightName)
	}
	return left, right, nil
}

func trimUserUpdate(upd UserUpdate) UserUpdate {
	trim := func(p *string) *string {
		if p == nil {
			return nil
		}
		v := strings.TrimSpace(*p)
		return &v
	}
	upd.FirstName = trim(upd.FirstName)
	upd.LastName = trim(upd.LastName)
	upd.Phone = trim(upd.Phone)
	upd.AvatarURL = trim(upd.AvatarURL)
	upd.Bio = trim(upd.Bio)
	return upd
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
