// Package memory is an in-process auth.Store used in tests and local runs.
// Every method holds a single mutex, so each call is atomic.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"warden.dev/internal/auth"
	"warden.dev/internal/ids"
)

type Store struct {
	mu sync.Mutex

	users       map[string]auth.User
	roles       map[string]auth.Role
	permissions map[string]auth.Permission
	userRoles   map[string]map[string]struct{}
	rolePerms   map[string]map[string]struct{}
	resets      map[string]auth.ResetToken

	now func() time.Time
}

var _ auth.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:       make(map[string]auth.User),
		roles:       make(map[string]auth.Role),
		permissions: make(map[string]auth.Permission),
		userRoles:   make(map[string]map[string]struct{}),
		rolePerms:   make(map[string]map[string]struct{}),
		resets:      make(map[string]auth.ResetToken),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// --- users ---

func (s *Store) CreateUser(_ context.Context, u auth.NewUser) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return auth.User{}, auth.ErrConflict
		}
	}
	now := s.now()
	user := auth.User{
		ID:           ids.New(),
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Phone:        u.Phone,
		IsActive:     u.IsActive,
		IsSuperuser:  u.IsSuperuser,
		IsVerified:   u.IsVerified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[user.ID] = user
	if u.WithDefaultRole {
		for _, r := range s.roles {
			if r.IsDefault && r.Active() {
				s.userRoles[user.ID] = map[string]struct{}{r.ID: {}}
				break
			}
		}
	}
	return user, nil
}

func (s *Store) GetUser(_ context.Context, id string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context, f auth.UserFilter) ([]auth.User, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	search := strings.ToLower(f.Search)
	var matched []auth.User
	for _, u := range s.users {
		if f.IsActive != nil && u.IsActive != *f.IsActive {
			continue
		}
		if search != "" && !containsAny(search, u.Email, u.FirstName, u.LastName) {
			continue
		}
		matched = append(matched, u)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return paginate(matched, f.PageRequest), len(matched), nil
}

func (s *Store) UpdateUser(_ context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	setString(&u.FirstName, upd.FirstName)
	setString(&u.LastName, upd.LastName)
	setString(&u.Phone, upd.Phone)
	setString(&u.AvatarURL, upd.AvatarURL)
	setString(&u.Bio, upd.Bio)
	setBool(&u.IsActive, upd.IsActive)
	setBool(&u.IsVerified, upd.IsVerified)
	setBool(&u.IsSuperuser, upd.IsSuperuser)
	u.UpdatedAt = s.now()
	s.users[id] = u
	return u, nil
}

func (s *Store) SoftDeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.IsDeleted = true
	u.IsActive = false
	u.UpdatedAt = s.now()
	s.users[id] = u
	return nil
}

func (s *Store) SetPasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPasswordLocked(id, hash)
}

func (s *Store) setPasswordLocked(id, hash string) error {
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = s.now()
	s.users[id] = u
	return nil
}

func (s *Store) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	at = at.UTC()
	u.LastLogin = &at
	s.users[id] = u
	return nil
}

// --- roles ---

func (s *Store) CreateRole(_ context.Context, name, description string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Name == name {
			return auth.Role{}, auth.ErrConflict
		}
	}
	now := s.now()
	role := auth.Role{
		ID:          ids.New(),
		Name:        name,
		Description: description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.roles[role.ID] = role
	return role, nil
}

func (s *Store) GetRole(_ context.Context, id string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return r, nil
}

func (s *Store) GetRoleByName(_ context.Context, name string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

func (s *Store) ListRoles(_ context.Context, f auth.RoleFilter) ([]auth.Role, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	search := strings.ToLower(f.Search)
	var matched []auth.Role
	for _, r := range s.roles {
		if r.IsDeleted {
			continue
		}
		if f.IsActive != nil && r.IsActive != *f.IsActive {
			continue
		}
		if search != "" && !containsAny(search, r.Name, r.Description) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return paginate(matched, f.PageRequest), len(matched), nil
}

func (s *Store) UpdateRole(_ context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	if upd.Name != nil && *upd.Name != r.Name {
		for _, other := range s.roles {
			if other.Name == *upd.Name {
				return auth.Role{}, auth.ErrConflict
			}
		}
		r.Name = *upd.Name
	}
	setString(&r.Description, upd.Description)
	setBool(&r.IsActive, upd.IsActive)
	r.UpdatedAt = s.now()
	s.roles[id] = r
	return r, nil
}

func (s *Store) SoftDeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.ErrNotFound
	}
	r.IsDeleted = true
	r.IsActive = false
	r.IsDefault = false
	r.UpdatedAt = s.now()
	s.roles[id] = r
	return nil
}

func (s *Store) SetDefaultRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return auth.ErrNotFound
	}
	for rid, r := range s.roles {
		r.IsDefault = rid == id
		s.roles[rid] = r
	}
	return nil
}

func (s *Store) DefaultRole(context.Context) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.IsDefault && r.Active() {
			return r, nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

// --- permissions ---

func (s *Store) CreatePermission(_ context.Context, p auth.Permission) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPermissionLocked(p)
}

func (s *Store) createPermissionLocked(p auth.Permission) (auth.Permission, error) {
	for _, existing := range s.permissions {
		if existing.Name == p.Name {
			return auth.Permission{}, auth.ErrConflict
		}
	}
	now := s.now()
	p.ID = ids.New()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.permissions[p.ID] = p
	return p, nil
}

func (s *Store) GetPermission(_ context.Context, id string) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPermissionByName(_ context.Context, name string) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.permissions {
		if p.Name == name {
			return p, nil
		}
	}
	return auth.Permission{}, auth.ErrNotFound
}

func (s *Store) ListPermissions(_ context.Context, f auth.PermissionFilter) ([]auth.Permission, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	search := strings.ToLower(f.Search)
	var matched []auth.Permission
	for _, p := range s.permissions {
		if f.Resource != "" && p.Resource != f.Resource {
			continue
		}
		if f.IsActive != nil && p.IsActive != *f.IsActive {
			continue
		}
		if search != "" && !containsAny(search, p.Name, p.Description) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return paginate(matched, f.PageRequest), len(matched), nil
}

func (s *Store) UpdatePermission(_ context.Context, id string, upd auth.PermissionUpdate) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	setString(&p.Description, upd.Description)
	setBool(&p.IsActive, upd.IsActive)
	p.UpdatedAt = s.now()
	s.permissions[id] = p
	return p, nil
}

func (s *Store) EnsurePermissions(_ context.Context, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[string]struct{}, len(s.permissions))
	for _, p := range s.permissions {
		existing[p.Name] = struct{}{}
	}
	for _, p := range perms {
		if _, ok := existing[p.Name]; ok {
			continue
		}
		if _, err := s.createPermissionLocked(p); err != nil {
			return err
		}
		existing[p.Name] = struct{}{}
	}
	return nil
}

func (s *Store) PermissionResources(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.distinctLocked(func(p auth.Permission) string { return p.Resource }), nil
}

func (s *Store) PermissionActions(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.distinctLocked(func(p auth.Permission) string { return p.Action }), nil
}

func (s *Store) distinctLocked(field func(auth.Permission) string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, p := range s.permissions {
		if !p.IsActive {
			continue
		}
		v := field(p)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// --- graph ---

func (s *Store) AssignRole(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	set, ok := s.userRoles[userID]
	if !ok {
		set = make(map[string]struct{})
		s.userRoles[userID] = set
	}
	set[roleID] = struct{}{}
	return nil
}

func (s *Store) RevokeRole(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	delete(s.userRoles[userID], roleID)
	return nil
}

func (s *Store) UserRoles(_ context.Context, userID string) ([]auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []auth.Role{}
	for roleID := range s.userRoles[userID] {
		if r, ok := s.roles[roleID]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GrantPermission(_ context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.permissions[permissionID]; !ok {
		return auth.ErrNotFound
	}
	set, ok := s.rolePerms[roleID]
	if !ok {
		set = make(map[string]struct{})
		s.rolePerms[roleID] = set
	}
	set[permissionID] = struct{}{}
	return nil
}

func (s *Store) RevokePermission(_ context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.permissions[permissionID]; !ok {
		return auth.ErrNotFound
	}
	delete(s.rolePerms[roleID], permissionID)
	return nil
}

func (s *Store) SetRolePermissions(_ context.Context, roleID string, permissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	set := make(map[string]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		if _, ok := s.permissions[id]; !ok {
			return auth.ErrNotFound
		}
		set[id] = struct{}{}
	}
	s.rolePerms[roleID] = set
	return nil
}

func (s *Store) RolePermissions(_ context.Context, roleID string) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []auth.Permission{}
	for pid := range s.rolePerms[roleID] {
		if p, ok := s.permissions[pid]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UserPermissions(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	out := []string{}
	for roleID := range s.userRoles[userID] {
		role, ok := s.roles[roleID]
		if !ok || !role.Active() {
			continue
		}
		for pid := range s.rolePerms[roleID] {
			p, ok := s.permissions[pid]
			if !ok || !p.Active() {
				continue
			}
			if _, dup := seen[p.Name]; dup {
				continue
			}
			seen[p.Name] = struct{}{}
			out = append(out, p.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- password resets ---

func (s *Store) ReplaceResetToken(_ context.Context, tok auth.ResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[tok.UserID]; !ok {
		return auth.ErrNotFound
	}
	now := s.now()
	for id, existing := range s.resets {
		if existing.UserID == tok.UserID && existing.ConsumedAt == nil && existing.InvalidatedAt == nil {
			existing.InvalidatedAt = &now
			s.resets[id] = existing
		}
	}
	s.resets[tok.ID] = tok
	return nil
}

func (s *Store) ConsumeResetToken(_ context.Context, tokenHash, passwordHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tok := range s.resets {
		if tok.TokenHash != tokenHash || !tok.Pending(now) {
			continue
		}
		if u, ok := s.users[tok.UserID]; !ok || !u.Active() {
			return "", auth.ErrInvalidOrExpiredToken
		}
		if err := s.setPasswordLocked(tok.UserID, passwordHash); err != nil {
			return "", auth.ErrInvalidOrExpiredToken
		}
		consumed := now
		tok.ConsumedAt = &consumed
		s.resets[id] = tok
		return tok.UserID, nil
	}
	return "", auth.ErrInvalidOrExpiredToken
}

// ResetTokens returns the stored reset tokens of userID, oldest first.
func (s *Store) ResetTokens(userID string) []auth.ResetToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.ResetToken
	for _, t := range s.resets {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func paginate[T any](items []T, page auth.PageRequest) []T {
	page = page.Normalize()
	start := page.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + page.PerPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func containsAny(needle string, haystack ...string) bool {
	for _, h := range haystack {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
