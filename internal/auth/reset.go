package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"warden.dev/internal/ids"
	"warden.dev/internal/mail"
)

const (
	defaultResetTTL = time.Hour
	resetSecretLen  = 32
)

// ResetConfig configures the password reset flow.
type ResetConfig struct {
	TTL time.Duration
	// FrontendURL is the base of the link placed in reset e-mails.
	FrontendURL string
}

// ResetService issues and redeems single-use password reset tokens.
type ResetService struct {
	users       UserStore
	resets      ResetStore
	hasher      PasswordHasher
	mailer      mail.Enqueuer
	ttl         time.Duration
	frontendURL string
	now         func() time.Time
}

// ResetOption configures ResetService behavior.
type ResetOption func(*ResetService)

func WithResetClock(fn func() time.Time) ResetOption {
	return func(s *ResetService) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithResetHasher(h PasswordHasher) ResetOption {
	return func(s *ResetService) {
		if h != nil {
			s.hasher = h
		}
	}
}

func NewResetService(users UserStore, resets ResetStore, mailer mail.Enqueuer, cfg ResetConfig, opts ...ResetOption) (*ResetService, error) {
	if mailer == nil {
		return nil, &ConfigError{Field: "mail", Reason: "an enqueuer is required for password resets"}
	}
	svc := &ResetService{
		users:       users,
		resets:      resets,
		hasher:      NewBcryptHasher(0),
		mailer:      mailer,
		ttl:         cfg.TTL,
		frontendURL: strings.TrimRight(strings.TrimSpace(cfg.FrontendURL), "/"),
		now:         time.Now,
	}
	if svc.ttl <= 0 {
		svc.ttl = defaultResetTTL
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// RequestReset starts a reset for email. The result is the same whether or
// not the account exists; a token is only created and mailed for an existing
// active account. Any earlier pending token of that account stops working.
func (s *ResetService) RequestReset(ctx context.Context, email string) (err error) {
	ctx, span := startSpan(ctx, "auth.Reset.Request")
	defer func() { endSpan(span, err) }()

	email, err = NormalizeEmail(email)
	if err != nil {
		return err
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !user.Active() {
		return nil
	}
	span.SetAttributes(attribute.String("user_id", user.ID))

	raw, err := ids.Secret(resetSecretLen)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	tok := ResetToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: ids.Hash(raw),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.resets.ReplaceResetToken(ctx, tok); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}
	job := mail.NewJob(user.Email, mail.TemplatePasswordReset, map[string]string{
		"name":               user.FullName(),
		"reset_url":          s.resetURL(raw),
		"expires_in_minutes": strconv.Itoa(int(s.ttl / time.Minute)),
	})
	if err := s.mailer.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue reset mail: %w", err)
	}
	return nil
}

// ConfirmReset redeems token and sets newPassword. Consuming the token and
// changing the password happen in one atomic unit, so of two concurrent
// confirmations only one succeeds.
func (s *ResetService) ConfirmReset(ctx context.Context, token, newPassword string) (err error) {
	ctx, span := startSpan(ctx, "auth.Reset.Confirm")
	defer func() { endSpan(span, err) }()

	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidOrExpiredToken
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	userID, err := s.resets.ConsumeResetToken(ctx, ids.Hash(token), hash, s.now().UTC())
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("user_id", userID))
	return nil
}

func (s *ResetService) resetURL(raw string) string {
	return s.frontendURL + "/reset-password?token=" + url.QueryEscape(raw)
}
