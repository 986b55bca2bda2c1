package auth

import (
	"fmt"
	"strings"
)

const (
	PermUsersRead         = "users:read"
	PermUsersWrite        = "users:write"
	PermUsersDelete       = "users:delete"
	PermRolesRead         = "roles:read"
	PermRolesWrite        = "roles:write"
	PermRolesDelete       = "roles:delete"
	PermPermissionsRead   = "permissions:read"
	PermPermissionsWrite  = "permissions:write"
	PermPermissionsDelete = "permissions:delete"
	PermAdminAccess       = "admin:access"
	PermAdminSettings     = "admin:settings"
)

// DefaultRoleName is the role handed to every new account.
const DefaultRoleName = "user"

// BuiltinPermissions is the catalog seeded on first start.
var BuiltinPermissions = []Permission{
	builtin(PermUsersRead, "Read users"),
	builtin(PermUsersWrite, "Create and edit users"),
	builtin(PermUsersDelete, "Delete users"),
	builtin(PermRolesRead, "Read roles"),
	builtin(PermRolesWrite, "Create and edit roles"),
	builtin(PermRolesDelete, "Delete roles"),
	builtin(PermPermissionsRead, "Read permissions"),
	builtin(PermPermissionsWrite, "Create and edit permissions"),
	builtin(PermPermissionsDelete, "Delete permissions"),
	builtin(PermAdminAccess, "Access the admin area"),
	builtin(PermAdminSettings, "Change system settings"),
}

func builtin(name, description string) Permission {
	resource, action, _ := strings.Cut(name, ":")
	return Permission{Name: name, Resource: resource, Action: action, Description: description, IsActive: true}
}

// PermissionName joins resource and action.
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

// ParsePermissionName splits and validates a resource:action string.
func ParsePermissionName(name string) (resource, action string, err error) {
	name = strings.ToLower(strings.TrimSpace(name))
	resource, action, ok := strings.Cut(name, ":")
	if !ok || !validSegment(resource) || !validSegment(action) {
		return "", "", fmt.Errorf("%w: permission must look like resource:action", ErrInvalidInput)
	}
	return resource, action, nil
}

func validSegment(s string) bool {
	if s == "" || len(s) > 50 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}
