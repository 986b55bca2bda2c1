package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"warden.dev/internal/auth"
	"warden.dev/internal/mail"
	"warden.dev/internal/store/memory"
	"warden.dev/internal/throttle"
)

const testKey = "httpapi-test-signing-key-0123456789"

type recordingMailer struct {
	mu   sync.Mutex
	jobs []mail.Job
}

func (m *recordingMailer) Enqueue(_ context.Context, job mail.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *recordingMailer) last(t *testing.T) mail.Job {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) == 0 {
		t.Fatalf("no mail jobs recorded")
	}
	return m.jobs[len(m.jobs)-1]
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	store  *memory.Store
	hasher auth.PasswordHasher
	rbac   *auth.RBACService
	mailer *recordingMailer
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()
	store := memory.New()
	hasher := auth.NewBcryptHasher(4)
	mailer := &recordingMailer{}

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		SigningKey: testKey,
		Issuer:     "warden-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	gate := auth.NewGate(tokens, store, store)
	rbac := auth.NewRBACService(store)
	if _, err := rbac.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	accounts, err := auth.NewAccountService(store, tokens, gate,
		auth.WithHasher(hasher),
		auth.WithMailer(mailer),
		auth.WithFrontendURL("https://app.example.test"),
	)
	if err != nil {
		t.Fatalf("NewAccountService: %v", err)
	}
	resets, err := auth.NewResetService(store, store, mailer, auth.ResetConfig{
		TTL:         time.Hour,
		FrontendURL: "https://app.example.test",
	}, auth.WithResetHasher(hasher))
	if err != nil {
		t.Fatalf("NewResetService: %v", err)
	}

	base := []Option{WithRateLimiter(throttle.NewLocal(1000, 1000)), WithReadiness("store", store)}
	api := New(Services{Accounts: accounts, Resets: resets, RBAC: rbac, Gate: gate}, "test", append(base, opts...)...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
		hasher:  hasher,
		rbac:    rbac,
		mailer:  mailer,
	}
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(authHeader, bearer+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, token, nil)
}

func (c *apiClient) post(path, token string, body any) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, token, body)
}

// createUser inserts an active account directly in the store.
func (c *apiClient) createUser(email, password string, superuser bool) auth.User {
	c.t.Helper()
	hash, err := c.hasher.Hash(password)
	if err != nil {
		c.t.Fatalf("hash: %v", err)
	}
	u, err := c.store.CreateUser(context.Background(), auth.NewUser{
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		IsSuperuser:  superuser,
	})
	if err != nil {
		c.t.Fatalf("CreateUser: %v", err)
	}
	return u
}

// login returns an access token for email.
func (c *apiClient) login(email, password string) string {
	c.t.Helper()
	resp := c.post("/api/v1/auth/login", "", map[string]string{"email": email, "password": password})
	var out sessionResponse
	decodeBody(c.t, resp, http.StatusOK, &out)
	if out.AccessToken == "" {
		c.t.Fatalf("login returned no access token")
	}
	return out.AccessToken
}

func decodeBody(t *testing.T, resp *http.Response, want int, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, want, body)
	}
	if dst == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	decodeBody(t, resp, want, nil)
}
