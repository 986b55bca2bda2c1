package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"warden.dev/internal/mail"
)

// Throttle limits attempts per key. Implementations decide the window.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
}

// ProfileUpdate lists the fields a user may change on their own account.
type ProfileUpdate struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
	Bio       *string `json:"bio,omitempty"`
}

// AccountService orchestrates login, registration, refresh, logout and
// password changes.
type AccountService struct {
	store       Store
	tokens      *TokenService
	gate        *Gate
	hasher      PasswordHasher
	mailer      mail.Enqueuer
	throttle    Throttle
	log         *zap.Logger
	frontendURL string
	now         func() time.Time

	// dummyHash keeps unknown-email logins as slow as wrong-password ones.
	dummyHash string
}

// AccountOption configures AccountService behavior.
type AccountOption func(*AccountService)

func WithHasher(h PasswordHasher) AccountOption {
	return func(s *AccountService) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithMailer enables welcome e-mails.
func WithMailer(m mail.Enqueuer) AccountOption {
	return func(s *AccountService) { s.mailer = m }
}

// WithLoginThrottle limits login attempts per e-mail address.
func WithLoginThrottle(t Throttle) AccountOption {
	return func(s *AccountService) { s.throttle = t }
}

func WithLogger(l *zap.Logger) AccountOption {
	return func(s *AccountService) {
		if l != nil {
			s.log = l
		}
	}
}

func WithFrontendURL(u string) AccountOption {
	return func(s *AccountService) { s.frontendURL = strings.TrimRight(strings.TrimSpace(u), "/") }
}

func WithAccountClock(fn func() time.Time) AccountOption {
	return func(s *AccountService) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewAccountService(store Store, tokens *TokenService, gate *Gate, opts ...AccountOption) (*AccountService, error) {
	svc := &AccountService{
		store:  store,
		tokens: tokens,
		gate:   gate,
		hasher: NewBcryptHasher(0),
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	dummy, err := svc.hasher.Hash("warden-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	svc.dummyHash = dummy
	return svc, nil
}

// Login checks credentials and issues a token pair. Every failure is
// reported as ErrAuthenticationFailed.
func (s *AccountService) Login(ctx context.Context, email, password string) (pair TokenPair, p Principal, err error) {
	ctx, span := startSpan(ctx, "auth.Account.Login")
	defer func() { endSpan(span, err) }()

	email = strings.ToLower(strings.TrimSpace(email))
	if s.throttle != nil && email != "" {
		ok, terr := s.throttle.Allow(ctx, "login:"+email)
		if terr != nil {
			s.log.Warn("login throttle unavailable", zap.Error(terr))
		} else if !ok {
			return TokenPair{}, Principal{}, ErrRateLimited
		}
	}
	email, err = NormalizeEmail(email)
	if err != nil {
		return TokenPair{}, Principal{}, ErrAuthenticationFailed
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_ = s.hasher.Verify(s.dummyHash, password)
		return TokenPair{}, Principal{}, ErrAuthenticationFailed
	}
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if err := s.hasher.Verify(user.PasswordHash, password); err != nil {
		return TokenPair{}, Principal{}, ErrAuthenticationFailed
	}
	if !user.Active() {
		return TokenPair{}, Principal{}, ErrAuthenticationFailed
	}
	span.SetAttributes(attribute.String("user_id", user.ID))

	p, err = s.gate.Resolve(ctx, user.ID, "")
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err = s.tokens.IssuePair(user.ID, p.PermissionList())
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	now := s.now().UTC()
	if err := s.store.TouchLastLogin(ctx, user.ID, now); err != nil {
		s.log.Warn("update last login failed", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		p.User.LastLogin = &now
	}
	return pair, p, nil
}

// Register creates an account, assigns the active default role if one exists
// and issues a token pair.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (user User, pair TokenPair, err error) {
	ctx, span := startSpan(ctx, "auth.Account.Register")
	defer func() { endSpan(span, err) }()

	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	if err := ValidatePassword(in.Password); err != nil {
		return User{}, TokenPair{}, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return User{}, TokenPair{}, fmt.Errorf("hash password: %w", err)
	}
	user, err = s.store.CreateUser(ctx, NewUser{
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Phone:        strings.TrimSpace(in.Phone),
		IsActive:     true,

		WithDefaultRole: true,
	})
	if err != nil {
		return User{}, TokenPair{}, err
	}
	span.SetAttributes(attribute.String("user_id", user.ID))

	perms, err := s.store.UserPermissions(ctx, user.ID)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	pair, err = s.tokens.IssuePair(user.ID, perms)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	s.sendWelcome(ctx, user)
	return user, pair, nil
}

// sendWelcome is best effort: the account already exists, so a broker
// failure is logged and not returned.
func (s *AccountService) sendWelcome(ctx context.Context, user User) {
	if s.mailer == nil {
		return
	}
	job := mail.NewJob(user.Email, mail.TemplateWelcome, map[string]string{
		"name":      user.FullName(),
		"login_url": s.frontendURL + "/login",
	})
	if err := s.mailer.Enqueue(ctx, job); err != nil {
		s.log.Warn("enqueue welcome mail failed", zap.String("user_id", user.ID), zap.Error(err))
	}
}

// Refresh mints a new access token from a refresh token. The refresh token
// is returned unchanged and keeps its expiry.
func (s *AccountService) Refresh(ctx context.Context, refreshToken string) (pair TokenPair, err error) {
	ctx, span := startSpan(ctx, "auth.Account.Refresh")
	defer func() { endSpan(span, err) }()

	claims, err := s.tokens.Validate(refreshToken, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	p, err := s.gate.Resolve(ctx, claims.Subject, "")
	if err != nil {
		return TokenPair{}, err
	}
	access, err := s.tokens.IssueAccess(p.User.ID, p.PermissionList())
	if err != nil {
		return TokenPair{}, err
	}
	pair = s.tokens.pair(access, Token{
		Value:     strings.TrimSpace(refreshToken),
		Type:      TokenTypeRefresh,
		ExpiresAt: claims.ExpiresAt.Time,
	})
	return pair, nil
}

// Logout keeps no server state: tokens stay valid until they expire and the
// client is expected to discard them.
func (s *AccountService) Logout(ctx context.Context, p Principal) error {
	s.log.Debug("logout", zap.String("user_id", p.User.ID))
	return nil
}

// ChangePassword replaces the password after checking the current one.
func (s *AccountService) ChangePassword(ctx context.Context, userID, current, next string) (err error) {
	ctx, span := startSpan(ctx, "auth.Account.ChangePassword", attribute.String("user_id", userID))
	defer func() { endSpan(span, err) }()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.hasher.Verify(user.PasswordHash, current); err != nil {
		return ErrAuthenticationFailed
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}
	if current == next {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.SetPasswordHash(ctx, user.ID, hash)
}

func (s *AccountService) Me(ctx context.Context, userID string) (User, error) {
	return s.store.GetUser(ctx, userID)
}

// UpdateProfile changes profile fields of userID.
func (s *AccountService) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (User, error) {
	u := trimUserUpdate(UserUpdate{
		FirstName: upd.FirstName,
		LastName:  upd.LastName,
		Phone:     upd.Phone,
		AvatarURL: upd.AvatarURL,
		Bio:       upd.Bio,
	})
	if u.empty() {
		return s.store.GetUser(ctx, userID)
	}
	return s.store.UpdateUser(ctx, userID, u)
}
