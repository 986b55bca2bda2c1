package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"warden.dev/internal/auth"
)

const strongPassword = "Sup3rSecret"

func TestHealthzAndInfo(t *testing.T) {
	c := newTestAPI(t)

	var health map[string]any
	decodeBody(t, c.get("/healthz", nil, ""), http.StatusOK, &health)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", health)
	}

	var ready map[string]any
	decodeBody(t, c.get("/readyz", nil, ""), http.StatusOK, &ready)
	if ready["status"] != "ready" {
		t.Fatalf("unexpected readyz body: %v", ready)
	}

	resp := c.get("/info", nil, "")
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("expected %s header", requestIDHeader)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers")
	}
	expectStatus(t, resp, http.StatusOK)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestReadyReportsFailingDependency(t *testing.T) {
	c := newTestAPI(t, WithReadiness("broker", failingPinger{}))
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, c.get("/readyz", nil, ""), http.StatusServiceUnavailable, &body)
	if body.Status != "not_ready" || body.Checks["broker"] != "unavailable" || body.Checks["store"] != "ok" {
		t.Fatalf("unexpected readiness: %+v", body)
	}
}

func TestRegisterLoginAndMe(t *testing.T) {
	c := newTestAPI(t)

	var reg sessionResponse
	decodeBody(t, c.post("/api/v1/auth/register", "", map[string]string{
		"email":      "  Ada@Example.test ",
		"password":   strongPassword,
		"first_name": "Ada",
	}), http.StatusCreated, &reg)
	if reg.User.Email != "ada@example.test" {
		t.Fatalf("email not normalised: %q", reg.User.Email)
	}
	if reg.AccessToken == "" || reg.RefreshToken == "" || reg.TokenType != "bearer" {
		t.Fatalf("unexpected token pair: %+v", reg.TokenPair)
	}
	if c.mailer.count() != 1 {
		t.Fatalf("expected welcome mail, got %d jobs", c.mailer.count())
	}

	expectStatus(t, c.post("/api/v1/auth/register", "", map[string]string{
		"email": "ada@example.test", "password": strongPassword,
	}), http.StatusConflict)
	expectStatus(t, c.post("/api/v1/auth/register", "", map[string]string{
		"email": "bob@example.test", "password": "short",
	}), http.StatusBadRequest)

	token := c.login("ada@example.test", strongPassword)

	var me auth.User
	decodeBody(t, c.get("/api/v1/me", nil, token), http.StatusOK, &me)
	if me.ID != reg.User.ID || me.FirstName != "Ada" {
		t.Fatalf("unexpected /me: %+v", me)
	}

	decodeBody(t, c.do(http.MethodPut, "/api/v1/me", token, map[string]string{"bio": " hello "}), http.StatusOK, &me)
	if me.Bio != "hello" {
		t.Fatalf("bio = %q", me.Bio)
	}

	expectStatus(t, c.get("/api/v1/me", nil, ""), http.StatusUnauthorized)
	expectStatus(t, c.get("/api/v1/me", nil, "garbage"), http.StatusUnauthorized)
}

func TestLoginFailuresAreUniform(t *testing.T) {
	c := newTestAPI(t)
	u := c.createUser("eve@example.test", strongPassword, false)

	var wrong, missing map[string]any
	decodeBody(t, c.post("/api/v1/auth/login", "", map[string]string{
		"email": "eve@example.test", "password": "Wrong-pass1",
	}), http.StatusUnauthorized, &wrong)
	decodeBody(t, c.post("/api/v1/auth/login", "", map[string]string{
		"email": "nobody@example.test", "password": strongPassword,
	}), http.StatusUnauthorized, &missing)
	if wrong["error"] != missing["error"] {
		t.Fatalf("login errors differ: %v vs %v", wrong["error"], missing["error"])
	}

	inactive := false
	if _, err := c.store.UpdateUser(context.Background(), u.ID, auth.UserUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	var disabled map[string]any
	decodeBody(t, c.post("/api/v1/auth/login", "", map[string]string{
		"email": "eve@example.test", "password": strongPassword,
	}), http.StatusUnauthorized, &disabled)
	if disabled["error"] != wrong["error"] {
		t.Fatalf("inactive login error differs: %v", disabled["error"])
	}
}

func TestRefreshAndChangePassword(t *testing.T) {
	c := newTestAPI(t)
	c.createUser("sam@example.test", strongPassword, false)

	var session sessionResponse
	decodeBody(t, c.post("/api/v1/auth/login", "", map[string]string{
		"email": "sam@example.test", "password": strongPassword,
	}), http.StatusOK, &session)

	var refreshed auth.TokenPair
	decodeBody(t, c.post("/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": session.RefreshToken,
	}), http.StatusOK, &refreshed)
	if refreshed.RefreshToken != session.RefreshToken || refreshed.AccessToken == "" {
		t.Fatalf("unexpected refresh result: %+v", refreshed)
	}
	expectStatus(t, c.post("/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": session.AccessToken,
	}), http.StatusUnauthorized)

	expectStatus(t, c.post("/api/v1/auth/change-password", session.AccessToken, map[string]string{
		"current_password": "Wrong-pass1", "new_password": "N3wPassword",
	}), http.StatusBadRequest)
	expectStatus(t, c.post("/api/v1/auth/change-password", session.AccessToken, map[string]string{
		"current_password": strongPassword, "new_password": "N3wPassword",
	}), http.StatusOK)

	expectStatus(t, c.post("/api/v1/auth/login", "", map[string]string{
		"email": "sam@example.test", "password": strongPassword,
	}), http.StatusUnauthorized)
	c.login("sam@example.test", "N3wPassword")

	expectStatus(t, c.post("/api/v1/auth/logout", session.AccessToken, nil), http.StatusOK)
}

func TestPasswordResetFlow(t *testing.T) {
	c := newTestAPI(t)
	c.createUser("kim@example.test", strongPassword, false)

	var unknown, known messageResponse
	decodeBody(t, c.post("/api/v1/auth/password-reset/request", "", map[string]string{
		"email": "ghost@example.test",
	}), http.StatusAccepted, &unknown)
	if c.mailer.count() != 0 {
		t.Fatalf("unknown email must not enqueue mail")
	}
	decodeBody(t, c.post("/api/v1/auth/password-reset/request", "", map[string]string{
		"email": "kim@example.test",
	}), http.StatusAccepted, &known)
	if unknown != known {
		t.Fatalf("responses differ: %+v vs %+v", unknown, known)
	}

	job := c.mailer.last(t)
	u, err := url.Parse(job.Params["reset_url"])
	if err != nil {
		t.Fatalf("parse reset url: %v", err)
	}
	token := u.Query().Get("token")

	expectStatus(t, c.post("/api/v1/auth/password-reset/confirm", "", map[string]string{
		"token": token, "new_password": "weak",
	}), http.StatusBadRequest)
	expectStatus(t, c.post("/api/v1/auth/password-reset/confirm", "", map[string]string{
		"token": token, "new_password": "Rec0veredPass",
	}), http.StatusOK)
	expectStatus(t, c.post("/api/v1/auth/password-reset/confirm", "", map[string]string{
		"token": token, "new_password": "An0therPass",
	}), http.StatusBadRequest)

	c.login("kim@example.test", "Rec0veredPass")
}

func TestPermissionsAreResolvedPerRequest(t *testing.T) {
	c := newTestAPI(t)
	ctx := context.Background()
	c.createUser("lee@example.test", strongPassword, false)
	token := c.login("lee@example.test", strongPassword)

	expectStatus(t, c.get("/api/v1/users", nil, token), http.StatusForbidden)

	user, err := c.store.GetUserByEmail(ctx, "lee@example.test")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	role, err := c.rbac.CreateRole(ctx, "auditor", "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	perm, err := c.store.GetPermissionByName(ctx, auth.PermUsersRead)
	if err != nil {
		t.Fatalf("GetPermissionByName: %v", err)
	}
	if err := c.rbac.GrantPermission(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	if err := c.rbac.AssignRole(ctx, user.ID, role.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	// same token, new grant takes effect immediately
	var page auth.Page[auth.User]
	decodeBody(t, c.get("/api/v1/users", url.Values{"per_page": {"5"}}, token), http.StatusOK, &page)
	if page.Total != 1 || page.PerPage != 5 || len(page.Items) != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}

	var mine permissionsResponse
	decodeBody(t, c.get("/api/v1/auth/me/permissions", nil, token), http.StatusOK, &mine)
	if len(mine.Permissions) != 1 || mine.Permissions[0] != auth.PermUsersRead {
		t.Fatalf("unexpected permissions: %+v", mine)
	}

	expectStatus(t, c.get("/api/v1/users", url.Values{"page": {"x"}}, token), http.StatusBadRequest)

	if _, err := c.rbac.ToggleRoleStatus(ctx, role.ID); err != nil {
		t.Fatalf("ToggleRoleStatus: %v", err)
	}
	expectStatus(t, c.get("/api/v1/users", nil, token), http.StatusForbidden)
}

func TestAdminManagesRolesAndPermissions(t *testing.T) {
	c := newTestAPI(t)
	c.createUser("root@example.test", strongPassword, true)
	target := c.createUser("joe@example.test", strongPassword, false)
	token := c.login("root@example.test", strongPassword)

	var perm auth.Permission
	decodeBody(t, c.post("/api/v1/permissions", token, map[string]string{
		"resource": "Reports", "action": "export",
	}), http.StatusCreated, &perm)
	if perm.Name != "reports:export" {
		t.Fatalf("permission name = %q", perm.Name)
	}
	expectStatus(t, c.post("/api/v1/permissions", token, map[string]string{
		"resource": "reports", "action": "export",
	}), http.StatusConflict)

	var role auth.Role
	decodeBody(t, c.post("/api/v1/roles", token, map[string]string{"name": "analyst"}), http.StatusCreated, &role)
	expectStatus(t, c.post("/api/v1/roles/"+role.ID+"/permissions/"+perm.ID, token, nil), http.StatusOK)
	expectStatus(t, c.post("/api/v1/roles/"+role.ID+"/permissions/missing", token, nil), http.StatusNotFound)
	expectStatus(t, c.post("/api/v1/users/"+target.ID+"/roles/"+role.ID, token, nil), http.StatusOK)

	var roles struct {
		Roles []auth.Role `json:"roles"`
	}
	decodeBody(t, c.get("/api/v1/users/"+target.ID+"/roles", nil, token), http.StatusOK, &roles)
	if len(roles.Roles) != 1 || roles.Roles[0].ID != role.ID {
		t.Fatalf("unexpected user roles: %+v", roles)
	}

	joe := c.login("joe@example.test", strongPassword)
	var mine permissionsResponse
	decodeBody(t, c.get("/api/v1/auth/me/permissions", nil, joe), http.StatusOK, &mine)
	if len(mine.Permissions) != 1 || mine.Permissions[0] != "reports:export" {
		t.Fatalf("unexpected permissions: %+v", mine)
	}

	var replaced struct {
		Permissions []auth.Permission `json:"permissions"`
	}
	decodeBody(t, c.do(http.MethodPut, "/api/v1/roles/"+role.ID+"/permissions", token, map[string][]string{
		"permission_ids": {},
	}), http.StatusOK, &replaced)
	if len(replaced.Permissions) != 0 {
		t.Fatalf("expected no permissions, got %d", len(replaced.Permissions))
	}
	decodeBody(t, c.get("/api/v1/auth/me/permissions", nil, joe), http.StatusOK, &mine)
	if len(mine.Permissions) != 0 {
		t.Fatalf("revoked permissions still present: %v", mine.Permissions)
	}

	decodeBody(t, c.post("/api/v1/roles/"+role.ID+"/default", token, nil), http.StatusOK, &role)
	if !role.IsDefault {
		t.Fatalf("role not marked default")
	}

	var resources struct {
		Resources []string `json:"resources"`
	}
	decodeBody(t, c.get("/api/v1/permissions/resources", nil, token), http.StatusOK, &resources)
	found := false
	for _, r := range resources.Resources {
		if r == "reports" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reports missing from %v", resources.Resources)
	}

	expectStatus(t, c.do(http.MethodDelete, "/api/v1/users/"+target.ID, token, nil), http.StatusNoContent)
	expectStatus(t, c.post("/api/v1/auth/login", "", map[string]string{
		"email": "joe@example.test", "password": strongPassword,
	}), http.StatusUnauthorized)
	expectStatus(t, c.get("/api/v1/auth/me/permissions", nil, joe), http.StatusForbidden)
}

func TestAdminCannotDeleteSelf(t *testing.T) {
	c := newTestAPI(t)
	root := c.createUser("root@example.test", strongPassword, true)
	token := c.login("root@example.test", strongPassword)
	expectStatus(t, c.do(http.MethodDelete, "/api/v1/users/"+root.ID, token, nil), http.StatusBadRequest)
	expectStatus(t, c.post("/api/v1/users/"+root.ID+"/toggle-status", token, nil), http.StatusBadRequest)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	c := newTestAPI(t)
	expectStatus(t, c.post("/api/v1/auth/login", "", map[string]string{
		"email": "a@example.test", "password": strongPassword, "remember": "yes",
	}), http.StatusBadRequest)
	expectStatus(t, c.post("/api/v1/auth/login", "", nil), http.StatusBadRequest)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	c := newTestAPI(t)
	var body map[string]any
	decodeBody(t, c.get("/api/v1/nope", nil, ""), http.StatusNotFound, &body)
	if body["request_id"] == nil || body["error"] == nil {
		t.Fatalf("unexpected body: %v", body)
	}
}

type stubThrottle struct {
	allow bool
	err   error
}

func (s stubThrottle) Allow(context.Context, string) (bool, error) { return s.allow, s.err }

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	cases := []struct {
		name    string
		limiter auth.Throttle
		want    int
	}{
		{"allowed", stubThrottle{allow: true}, http.StatusNoContent},
		{"denied", stubThrottle{allow: false}, http.StatusTooManyRequests},
		{"limiter down fails open", stubThrottle{err: errors.New("redis down")}, http.StatusNoContent},
		{"no limiter", nil, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RateLimit(tc.limiter, "test")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
				t.Fatalf("missing Retry-After")
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"valid":        {"Bearer abc", "abc", true},
		"lower case":   {"bearer abc", "abc", true},
		"missing":      {"", "", false},
		"basic scheme": {"Basic abc", "", false},
		"empty token":  {"Bearer   ", "", false},
	}
	for name, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("%s: got %q, %v", name, got, err)
		}
	}
}

func TestTokenFormLogin(t *testing.T) {
	c := newTestAPI(t)
	c.createUser("form@example.test", strongPassword, false)
	endpoint := c.baseURL + "/api/v1/auth/token"

	resp, err := c.client.PostForm(endpoint, url.Values{
		"grant_type": {"password"}, "username": {"form@example.test"}, "password": {strongPassword},
	})
	if err != nil {
		t.Fatalf("post form: %v", err)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}
	var pair auth.TokenPair
	decodeBody(t, resp, http.StatusOK, &pair)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("missing tokens: %+v", pair)
	}
	expectStatus(t, c.get("/api/v1/me", nil, pair.AccessToken), http.StatusOK)

	resp, err = c.client.PostForm(endpoint, url.Values{"username": {"form@example.test"}, "password": {"Wrong-pass1"}})
	if err != nil {
		t.Fatalf("post form: %v", err)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got != "Bearer" {
		t.Fatalf("WWW-Authenticate = %q", got)
	}
	expectStatus(t, resp, http.StatusUnauthorized)

	resp, err = c.client.PostForm(endpoint, url.Values{"grant_type": {"client_credentials"}})
	if err != nil {
		t.Fatalf("post form: %v", err)
	}
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestCreateDefaultPermissions(t *testing.T) {
	c := newTestAPI(t)
	c.createUser("root@example.test", strongPassword, true)
	c.createUser("plain@example.test", strongPassword, false)
	admin := c.login("root@example.test", strongPassword)
	plain := c.login("plain@example.test", strongPassword)

	expectStatus(t, c.post("/api/v1/permissions/create-defaults", plain, nil), http.StatusForbidden)
	for i := 0; i < 2; i++ {
		var msg messageResponse
		decodeBody(t, c.post("/api/v1/permissions/create-defaults", admin, nil), http.StatusOK, &msg)
	}
	for _, p := range auth.BuiltinPermissions {
		if _, err := c.store.GetPermissionByName(context.Background(), p.Name); err != nil {
			t.Fatalf("builtin %s missing: %v", p.Name, err)
		}
	}
	if _, err := c.store.DefaultRole(context.Background()); err != nil {
		t.Fatalf("default role: %v", err)
	}
}
