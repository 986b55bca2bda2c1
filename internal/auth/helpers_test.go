package auth_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"warden.dev/internal/auth"
	"warden.dev/internal/mail"
	"warden.dev/internal/store/memory"
)

const testKey = "test-signing-key-0123456789abcdef"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMailer struct {
	mu   sync.Mutex
	jobs []mail.Job
	err  error
}

func (m *recordingMailer) Enqueue(_ context.Context, job mail.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *recordingMailer) Jobs() []mail.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Job(nil), m.jobs...)
}

type fixture struct {
	store    *memory.Store
	clock    *testClock
	hasher   auth.PasswordHasher
	tokens   *auth.TokenService
	gate     *auth.Gate
	rbac     *auth.RBACService
	accounts *auth.AccountService
	resets   *auth.ResetService
	mailer   *recordingMailer
}

func newFixture(t *testing.T, opts ...auth.AccountOption) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		clock:  newTestClock(),
		hasher: auth.NewBcryptHasher(4),
		mailer: &recordingMailer{},
	}
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		SigningKey: testKey,
		Issuer:     "warden-test",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, auth.WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	f.tokens = tokens
	f.gate = auth.NewGate(tokens, f.store, f.store)
	f.rbac = auth.NewRBACService(f.store)

	base := []auth.AccountOption{
		auth.WithHasher(f.hasher),
		auth.WithMailer(f.mailer),
		auth.WithAccountClock(f.clock.Now),
		auth.WithFrontendURL("https://app.example.test"),
	}
	f.accounts, err = auth.NewAccountService(f.store, tokens, f.gate, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewAccountService: %v", err)
	}
	f.resets, err = auth.NewResetService(f.store, f.store, f.mailer, auth.ResetConfig{
		TTL:         time.Hour,
		FrontendURL: "https://app.example.test/",
	}, auth.WithResetClock(f.clock.Now), auth.WithResetHasher(f.hasher))
	if err != nil {
		t.Fatalf("NewResetService: %v", err)
	}
	return f
}

func (f *fixture) createUser(t *testing.T, email, password string) auth.User {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u, err := f.store.CreateUser(context.Background(), auth.NewUser{Email: email, PasswordHash: hash, IsActive: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func (f *fixture) createRole(t *testing.T, name string, perms ...string) auth.Role {
	t.Helper()
	ctx := context.Background()
	role, err := f.rbac.CreateRole(ctx, name, "")
	if err != nil {
		t.Fatalf("CreateRole(%s): %v", name, err)
	}
	for _, name := range perms {
		p, err := f.store.GetPermissionByName(ctx, name)
		if err != nil {
			res, act, perr := auth.ParsePermissionName(name)
			if perr != nil {
				t.Fatalf("ParsePermissionName(%s): %v", name, perr)
			}
			p, err = f.rbac.CreatePermission(ctx, res, act, "")
			if err != nil {
				t.Fatalf("CreatePermission(%s): %v", name, err)
			}
		}
		if err := f.rbac.GrantPermission(ctx, role.ID, p.ID); err != nil {
			t.Fatalf("GrantPermission: %v", err)
		}
	}
	return role
}

func (f *fixture) accessToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.tokens.Issue(userID, auth.TokenTypeAccess)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok.Value
}

func resetTokenFromJob(t *testing.T, job mail.Job) string {
	t.Helper()
	u, err := url.Parse(job.Params["reset_url"])
	if err != nil {
		t.Fatalf("parse reset url: %v", err)
	}
	token := u.Query().Get("token")
	if token == "" {
		t.Fatalf("reset url %q carries no token", job.Params["reset_url"])
	}
	return token
}
