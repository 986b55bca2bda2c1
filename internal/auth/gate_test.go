package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"warden.dev/internal/auth"
)

func TestGateEditorExample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u1 := f.createUser(t, "u1@example.test", "Secure123!")
	editor := f.createRole(t, "editor", "posts:write")
	if err := f.rbac.AssignRole(ctx, u1.ID, editor.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	token := f.accessToken(t, u1.ID)

	p, err := f.gate.Authorize(ctx, token, "posts:write")
	if err != nil {
		t.Fatalf("posts:write: %v", err)
	}
	if p.User.ID != u1.ID {
		t.Fatalf("resolved user %s, want %s", p.User.ID, u1.ID)
	}
	if _, err := f.gate.Authorize(ctx, token, "posts:delete"); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("posts:delete: expected ErrPermissionDenied, got %v", err)
	}

	if err := f.rbac.RevokeRole(ctx, u1.ID, editor.ID); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	if _, err := f.gate.Authorize(ctx, token, "posts:write"); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("after revoke: expected ErrPermissionDenied, got %v", err)
	}
}

func TestGateUserWithoutRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "lonely@example.test", "Secure123!")
	f.createRole(t, "admin", auth.PermUsersRead, auth.PermRolesRead)
	token := f.accessToken(t, u.ID)

	for _, perm := range []string{auth.PermUsersRead, auth.PermRolesRead, "posts:write"} {
		if _, err := f.gate.Authorize(ctx, token, perm); !errors.Is(err, auth.ErrPermissionDenied) {
			t.Fatalf("%s: expected ErrPermissionDenied, got %v", perm, err)
		}
	}
	p, err := f.gate.Authorize(ctx, token, "")
	if err != nil {
		t.Fatalf("permission-free check: %v", err)
	}
	if len(p.Permissions) != 0 {
		t.Fatalf("expected empty permission set, got %v", p.PermissionList())
	}
}

func TestGateIgnoresInactiveRolesAndPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "u@example.test", "Secure123!")
	writers := f.createRole(t, "writers", "posts:write")
	readers := f.createRole(t, "readers", "posts:read")
	for _, r := range []auth.Role{writers, readers} {
		if err := f.rbac.AssignRole(ctx, u.ID, r.ID); err != nil {
			t.Fatalf("AssignRole: %v", err)
		}
	}
	token := f.accessToken(t, u.ID)

	if _, err := f.rbac.ToggleRoleStatus(ctx, writers.ID); err != nil {
		t.Fatalf("ToggleRoleStatus: %v", err)
	}
	if _, err := f.gate.Authorize(ctx, token, "posts:write"); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("inactive role: expected ErrPermissionDenied, got %v", err)
	}

	read, err := f.store.GetPermissionByName(ctx, "posts:read")
	if err != nil {
		t.Fatalf("GetPermissionByName: %v", err)
	}
	if _, err := f.gate.Authorize(ctx, token, "posts:read"); err != nil {
		t.Fatalf("posts:read before deactivation: %v", err)
	}
	if err := f.rbac.DeletePermission(ctx, read.ID); err != nil {
		t.Fatalf("DeletePermission: %v", err)
	}
	if _, err := f.gate.Authorize(ctx, token, "posts:read"); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("inactive permission: expected ErrPermissionDenied, got %v", err)
	}

	if err := f.rbac.DeleteRole(ctx, readers.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	p, err := f.gate.Authorize(ctx, token, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if len(p.Roles) != 0 {
		t.Fatalf("expected no active roles, got %+v", p.Roles)
	}
}

func TestGateSuperuserBypassesPermissionsButNotActiveCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "root@example.test", "Secure123!")
	yes := true
	if _, err := f.rbac.UpdateUser(ctx, u.ID, auth.UserUpdate{IsSuperuser: &yes}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	token := f.accessToken(t, u.ID)

	if _, err := f.gate.Authorize(ctx, token, "anything:at-all"); err != nil {
		t.Fatalf("superuser: %v", err)
	}
	if _, err := f.rbac.ToggleUserStatus(ctx, u.ID); err != nil {
		t.Fatalf("ToggleUserStatus: %v", err)
	}
	if _, err := f.gate.Authorize(ctx, token, "anything:at-all"); !errors.Is(err, auth.ErrUserInactive) {
		t.Fatalf("inactive superuser: expected ErrUserInactive, got %v", err)
	}
}

func TestGateRejectsDeletedAndUnknownUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "gone@example.test", "Secure123!")
	token := f.accessToken(t, u.ID)
	if err := f.rbac.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := f.gate.Authorize(ctx, token, ""); !errors.Is(err, auth.ErrUserInactive) {
		t.Fatalf("deleted user: expected ErrUserInactive, got %v", err)
	}
	if _, err := f.store.GetUser(ctx, u.ID); err != nil {
		t.Fatalf("soft-deleted row must remain: %v", err)
	}

	ghost := f.accessToken(t, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if _, err := f.gate.Authorize(ctx, ghost, ""); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("unknown user: expected ErrInvalidToken, got %v", err)
	}
}

func TestGateTokenFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "t@example.test", "Secure123!")

	refresh, err := f.tokens.Issue(u.ID, auth.TokenTypeRefresh)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.gate.Authorize(ctx, refresh.Value, ""); !errors.Is(err, auth.ErrWrongTokenType) {
		t.Fatalf("refresh token: expected ErrWrongTokenType, got %v", err)
	}

	access := f.accessToken(t, u.ID)
	f.clock.Advance(31 * time.Minute)
	if _, err := f.gate.Authorize(ctx, access, ""); !errors.Is(err, auth.ErrExpiredToken) {
		t.Fatalf("expired token: expected ErrExpiredToken, got %v", err)
	}
}

func TestGateIgnoresPermissionSnapshotInToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "snap@example.test", "Secure123!")
	tok, err := f.tokens.IssueAccess(u.ID, []string{"posts:write"})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := f.gate.Authorize(ctx, tok.Value, "posts:write"); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("expected snapshot to be ignored, got %v", err)
	}
}
