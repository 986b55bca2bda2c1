package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"warden.dev/internal/auth"
)

func (a *API) mountUsers(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Use(a.authenticate)
		r.With(a.require(auth.PermUsersRead)).Get("/", a.handleListUsers)
		r.Route("/{id}", func(r chi.Router) {
			r.With(a.require(auth.PermUsersRead)).Get("/", a.handleGetUser)
			r.With(a.require(auth.PermUsersWrite)).Put("/", a.handleUpdateUser)
			r.With(a.require(auth.PermUsersDelete)).Delete("/", a.handleDeleteUser)
			r.With(a.require(auth.PermUsersWrite)).Post("/toggle-status", a.handleToggleUser)
			r.With(a.require(auth.PermUsersRead)).Get("/roles", a.handleUserRoles)
			r.With(a.require(auth.PermUsersWrite)).Post("/roles/{roleID}", a.handleAssignRole)
			r.With(a.require(auth.PermUsersWrite)).Delete("/roles/{roleID}", a.handleRevokeRole)
		})
	})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
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
	res, err := a.svc.RBAC.ListUsers(r.Context(), auth.UserFilter{
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

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.svc.RBAC.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var upd auth.UserUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if upd.IsSuperuser != nil {
		principal, _ := auth.PrincipalFromContext(r.Context())
		if !principal.User.IsSuperuser {
			writeError(w, r, http.StatusForbidden, "only superusers may change superuser status")
			return
		}
	}
	user, err := a.svc.RBAC.UpdateUser(r.Context(), id, upd)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "user.updated", map[string]string{"target_user_id": user.ID})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if self, _ := auth.UserIDFromContext(r.Context()); self == strings.TrimSpace(id) {
		writeError(w, r, http.StatusBadRequest, "cannot delete your own account")
		return
	}
	if err := a.svc.RBAC.DeleteUser(r.Context(), id); err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "user.deleted", map[string]string{"target_user_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleToggleUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if self, _ := auth.UserIDFromContext(r.Context()); self == strings.TrimSpace(id) {
		writeError(w, r, http.StatusBadRequest, "cannot change the status of your own account")
		return
	}
	user, err := a.svc.RBAC.ToggleUserStatus(r.Context(), id)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "user.status.toggled", map[string]string{
		"target_user_id": user.ID,
		"is_active":      strconv.FormatBool(user.IsActive),
	})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.RBAC.UserRoles(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": nonNil(roles)})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	userID, roleID := chi.URLParam(r, "id"), chi.URLParam(r, "roleID")
	if err := a.svc.RBAC.AssignRole(r.Context(), userID, roleID); err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.role.assigned", map[string]string{"target_user_id": userID, "role_id": roleID})
	writeJSON(w, http.StatusOK, messageResponse{Message: "role assigned"})
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	userID, roleID := chi.URLParam(r, "id"), chi.URLParam(r, "roleID")
	if err := a.svc.RBAC.RevokeRole(r.Context(), userID, roleID); err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "rbac.role.revoked", map[string]string{"target_user_id": userID, "role_id": roleID})
	writeJSON(w, http.StatusOK, messageResponse{Message: "role revoked"})
}

// pageFromQuery reads page and per_page. Out of range values are clamped by
// the service; non-numeric values are rejected.
func pageFromQuery(r *http.Request) (auth.PageRequest, error) {
	q := r.URL.Query()
	var p auth.PageRequest
	for key, dst := range map[string]*int{"page": &p.Page, "per_page": &p.PerPage} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return auth.PageRequest{}, errInvalidQuery(key)
		}
		*dst = n
	}
	return p, nil
}

func boolFromQuery(r *http.Request, key string) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errInvalidQuery(key)
	}
	return &v, nil
}

type errInvalidQuery string

func (e errInvalidQuery) Error() string { return "invalid query parameter " + string(e) }
