package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"warden.dev/internal/auth"
	"warden.dev/internal/obs"
)

const resetAcceptedMessage = "if the account exists, a password reset link has been sent"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type sessionResponse struct {
	auth.TokenPair
	User auth.User `json:"user"`
}

type permissionsResponse struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	IsSuperuser bool     `json:"is_superuser"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (a *API) mountAuth(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", a.handleLogin)
		r.Post("/token", a.handleTokenForm)
		r.Post("/register", a.handleRegister)
		r.Post("/refresh", a.handleRefresh)
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(a.resetLimit, "password_reset"))
			r.Post("/password-reset/request", a.handleResetRequest)
			r.Post("/password-reset/confirm", a.handleResetConfirm)
		})
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)
			r.Post("/logout", a.handleLogout)
			r.Post("/change-password", a.handleChangePassword)
			r.Get("/me/permissions", a.handleMyPermissions)
		})
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, principal, err := a.svc.Accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		obs.ObserveAuthEvent("login", outcomeOf(err))
		_ = a.audit.Event(r.Context(), "auth.login.failed", map[string]string{"ip": clientIP(r)})
		a.handleError(w, r, err)
		return
	}
	obs.ObserveAuthEvent("login", "success")
	ctx := auth.ContextWithPrincipal(r.Context(), principal)
	_ = a.audit.Event(ctx, "auth.login", map[string]string{"ip": clientIP(r)})
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, User: principal.User})
}

// handleTokenForm is the OAuth2 password grant form of login
// (application/x-www-form-urlencoded, username and password).
func (a *API) handleTokenForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid form body")
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "" && gt != "password" {
		writeError(w, r, http.StatusBadRequest, "unsupported grant_type")
		return
	}
	pair, principal, err := a.svc.Accounts.Login(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		obs.ObserveAuthEvent("login", outcomeOf(err))
		_ = a.audit.Event(r.Context(), "auth.login.failed", map[string]string{"ip": clientIP(r), "grant": "password"})
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			w.Header().Set("WWW-Authenticate", "Bearer")
		}
		a.handleError(w, r, err)
		return
	}
	obs.ObserveAuthEvent("login", "success")
	ctx := auth.ContextWithPrincipal(r.Context(), principal)
	_ = a.audit.Event(ctx, "auth.login", map[string]string{"ip": clientIP(r), "grant": "password"})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, pair, err := a.svc.Accounts.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		obs.ObserveAuthEvent("register", outcomeOf(err))
		a.handleError(w, r, err)
		return
	}
	obs.ObserveAuthEvent("register", "success")
	ctx := auth.ContextWithPrincipal(r.Context(), auth.NewPrincipal(user, nil, nil))
	_ = a.audit.Event(ctx, "auth.register", map[string]string{"email": user.Email})
	w.Header().Set("Location", "/api/v1/me")
	writeJSON(w, http.StatusCreated, sessionResponse{TokenPair: pair, User: user})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.svc.Accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		obs.ObserveAuthEvent("refresh", outcomeOf(err))
		a.handleError(w, r, err)
		return
	}
	obs.ObserveAuthEvent("refresh", "success")
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.Accounts.Logout(r.Context(), principal); err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "auth.logout", nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	err := a.svc.Accounts.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			writeError(w, r, http.StatusBadRequest, "current password is incorrect")
			return
		}
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "auth.password.changed", nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: "password updated"})
}

func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	roles := make([]string, 0, len(principal.Roles))
	for _, role := range principal.Roles {
		if role.Active() {
			roles = append(roles, role.Name)
		}
	}
	writeJSON(w, http.StatusOK, permissionsResponse{
		UserID:      principal.User.ID,
		Roles:       roles,
		Permissions: principal.PermissionList(),
		IsSuperuser: principal.User.IsSuperuser,
	})
}

func (a *API) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Resets.RequestReset(r.Context(), req.Email); err != nil {
		obs.ObserveAuthEvent("password_reset_request", outcomeOf(err))
		a.handleError(w, r, err)
		return
	}
	obs.ObserveAuthEvent("password_reset_request", "accepted")
	_ = a.audit.Event(r.Context(), "auth.password_reset.requested", map[string]string{"ip": clientIP(r)})
	writeJSON(w, http.StatusAccepted, messageResponse{Message: resetAcceptedMessage})
}

func (a *API) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Resets.ConfirmReset(r.Context(), req.Token, req.NewPassword); err != nil {
		obs.ObserveAuthEvent("password_reset_confirm", outcomeOf(err))
		a.handleError(w, r, err)
		return
	}
	obs.ObserveAuthEvent("password_reset_confirm", "success")
	_ = a.audit.Event(r.Context(), "auth.password_reset.completed", nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: "password has been reset"})
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		return "throttled"
	case errors.Is(err, auth.ErrAuthenticationFailed), auth.IsTokenError(err),
		errors.Is(err, auth.ErrUserInactive), errors.Is(err, auth.ErrInvalidOrExpiredToken):
		return "rejected"
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrConflict):
		return "invalid"
	default:
		return "error"
	}
}

func (a *API) mountMe(r chi.Router) {
	r.Route("/me", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Get("/", a.handleMe)
		r.Put("/", a.handleUpdateMe)
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	user, err := a.svc.Accounts.Me(r.Context(), userID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var upd auth.ProfileUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	user, err := a.svc.Accounts.UpdateProfile(r.Context(), userID, upd)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), "user.profile.updated", nil)
	writeJSON(w, http.StatusOK, user)
}
