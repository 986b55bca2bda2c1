package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"warden.dev/internal/auth"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type createPermissionRequest struct {
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

type rolePermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids"`
}

func (a *API) mountRoles(r chi.Router) {
	r.Route("/roles", func(r chi.Router) {
		r.Use(a.authenticate)
		r.With(a.require(auth.PermRolesRead)).Get("/", a.handleListRoles)
		r.With(a.require(auth.PermRolesWrite)).Post("/", a.handleCreateRole)
		r.Route("/{id}", func(r chi.Router) {
			r.With(a.require(auth.PermRolesRead)).Get("/", a.handleGetRole)
			r.With(a.require(auth.PermRolesWrite)).Put("/", a.handleUpdateRole)
			r.With(a.require(auth.PermRolesDelete)).Delete("/", a.handleDeleteRole)
			r.With(a.require(auth.PermRolesWrite)).Post("/toggle-status", a.handleToggleRole)
			r.With(a.require(auth.PermRolesWrite)).Post("/default", a.handleSetDefaultRole)
			r.With(a.require(auth.PermRolesRead)).Get("/permissions", a.handleRolePermissions)
			r.With(a.require(auth.PermRolesWrite)).Put("/permissions", a.handleSetRolePermissions)
			r.With(a.require(auth.PermRolesWrite)).Post("/permissions/{permissionID}", a.handleGrantPermission)
			r.With(a.require(auth.PermRolesWrite)).Delete("/permissions/{permissionID}", a.handleRevokePermission)
		})
	})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	active, err := boolFromQuery(r, "is_active")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.RBAC.ListRoles(r.Context(), auth.RoleFilter{
		PageRequest: page,
		Search:      r.URL.Query().Get("search"),
		IsActive:    active,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.RBAC.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.role.created", map[string]string{"role_id": role.ID, "name": role.Name})
	w.Header().Set("Location", "/api/v1/roles/"+role.ID)
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.svc.RBAC.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var upd auth.RoleUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.RBAC.UpdateRole(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.role.updated", map[string]string{"role_id": role.ID})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.RBAC.DeleteRole(r.Context(), id); err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.role.deleted", map[string]string{"role_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleToggleRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.svc.RBAC.ToggleRoleStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.role.status.toggled", map[string]string{
		"role_id":   role.ID,
		"is_active": strconv.FormatBool(role.IsActive),
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleSetDefaultRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.svc.RBAC.SetDefaultRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.role.default", map[string]string{"role_id": role.ID})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.svc.RBAC.RolePermissions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": nonNil(perms)})
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	perms, err := a.svc.RBAC.SetRolePermissions(r.Context(), id, req.PermissionIDs)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.role.permissions.replaced", map[string]string{
		"role_id": id,
		"count":   strconv.Itoa(len(perms)),
	})
	writeJSON(w, http.StatusOK, map[string]any{"permissions": nonNil(perms)})
}

func (a *API) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	roleID, permID := chi.URLParam(r, "id"), chi.URLParam(r, "permissionID")
	if err := a.svc.RBAC.GrantPermission(r.Context(), roleID, permID); err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.permission.granted", map[string]string{"role_id": roleID, "permission_id": permID})
	writeJSON(w, http.StatusOK, messageResponse{Message: "permission granted"})
}

func (a *API) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	roleID, permID := chi.URLParam(r, "id"), chi.URLParam(r, "permissionID")
	if err := a.svc.RBAC.RevokePermission(r.Context(), roleID, permID); err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.permission.revoked", map[string]string{"role_id": roleID, "permission_id": permID})
	writeJSON(w, http.StatusOK, messageResponse{Message: "permission revoked"})
}

func (a *API) mountPermissions(r chi.Router) {
	r.Route("/permissions", func(r chi.Router) {
		r.Use(a.authenticate)
		r.With(a.require(auth.PermPermissionsRead)).Get("/", a.handleListPermissions)
		r.With(a.require(auth.PermPermissionsWrite)).Post("/", a.handleCreatePermission)
		r.With(a.require(auth.PermPermissionsRead)).Get("/resources", a.handlePermissionResources)
		r.With(a.require(auth.PermPermissionsRead)).Get("/actions", a.handlePermissionActions)
		r.With(a.require(auth.PermPermissionsWrite)).Post("/create-defaults", a.handleCreateDefaultPermissions)
		r.Route("/{id}", func(r chi.Router) {
			r.With(a.require(auth.PermPermissionsRead)).Get("/", a.handleGetPermission)
			r.With(a.require(auth.PermPermissionsWrite)).Put("/", a.handleUpdatePermission)
			r.With(a.require(auth.PermPermissionsDelete)).Delete("/", a.handleDeletePermission)
			r.With(a.require(auth.PermPermissionsWrite)).Post("/toggle-status", a.handleTogglePermission)
		})
	})
}

// handleCreateDefaultPermissions seeds the builtin catalog and default role.
// Safe to repeat.
func (a *API) handleCreateDefaultPermissions(w http.ResponseWriter, r *http.Request) {
	role, err := a.svc.RBAC.EnsureBuiltins(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "permissions.create_defaults", map[string]string{"default_role": role.ID})
	writeJSON(w, http.StatusOK, messageResponse{Message: "default permissions ensured"})
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	active, err := boolFromQuery(r, "is_active")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	res, err := a.svc.RBAC.ListPermissions(r.Context(), auth.PermissionFilter{
		PageRequest: page,
		Search:      q.Get("search"),
		Resource:    q.Get("resource"),
		IsActive:    active,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.svc.RBAC.CreatePermission(r.Context(), req.Resource, req.Action, req.Description)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.permission.created", map[string]string{"permission_id": perm.ID, "name": perm.Name})
	w.Header().Set("Location", "/api/v1/permissions/"+perm.ID)
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handlePermissionResources(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.RBAC.PermissionResources(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": nonNil(res)})
}

func (a *API) handlePermissionActions(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.RBAC.PermissionActions(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": nonNil(res)})
}

func (a *API) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	perm, err := a.svc.RBAC.GetPermission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	var upd auth.PermissionUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.svc.RBAC.UpdatePermission(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.permission.updated", map[string]string{"permission_id": perm.ID})
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.RBAC.DeletePermission(r.Context(), id); err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.permission.deleted", map[string]string{"permission_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTogglePermission(w http.ResponseWriter, r *http.Request) {
	perm, err := a.svc.RBAC.TogglePermissionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.permission.status.toggled", map[string]string{
		"permission_id": perm.ID,
		"is_active":     strconv.FormatBool(perm.IsActive),
	})
	writeJSON(w, http.StatusOK, perm)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
