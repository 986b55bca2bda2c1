package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "warden"
)

// TokenType discriminates access from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

func (t TokenType) valid() bool { return t == TokenTypeAccess || t == TokenTypeRefresh }

// TokenConfig is built once at startup and handed to NewTokenService.
type TokenConfig struct {
	SigningKey string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Claims are the JWT claims carried by warden tokens.
type Claims struct {
	TokenType   TokenType `json:"token_type"`
	Permissions []string  `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Token is a signed token and its expiry.
type Token struct {
	Value     string
	Type      TokenType
	ExpiresAt time.Time
}

// TokenPair is returned by login, registration and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService issues and validates HS256 tokens.
type TokenService struct {
	key        []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTokenService validates cfg and returns a ready service. A missing
// signing key yields a *ConfigError.
func NewTokenService(cfg TokenConfig, opts ...TokenOption) (*TokenService, error) {
	key := strings.TrimSpace(cfg.SigningKey)
	if key == "" {
		return nil, &ConfigError{Field: "auth.signing_key", Reason: "must be set"}
	}
	svc := &TokenService{
		key:        []byte(key),
		issuer:     strings.TrimSpace(cfg.Issuer),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
	if svc.issuer == "" {
		svc.issuer = defaultIssuer
	}
	if svc.accessTTL <= 0 {
		svc.accessTTL = defaultAccessTTL
	}
	if svc.refreshTTL <= 0 {
		svc.refreshTTL = defaultRefreshTTL
	}
	if svc.refreshTTL <= svc.accessTTL {
		return nil, &ConfigError{Field: "auth.refresh_ttl", Reason: "must exceed access ttl"}
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// Issue signs a token of the given type for userID.
func (s *TokenService) Issue(userID string, typ TokenType) (Token, error) {
	return s.issue(userID, typ, nil)
}

// IssueAccess signs an access token carrying a permission snapshot. The
// snapshot is informational; Gate always recomputes permissions.
func (s *TokenService) IssueAccess(userID string, permissions []string) (Token, error) {
	return s.issue(userID, TokenTypeAccess, permissions)
}

// IssuePair signs a fresh access and refresh token for userID.
func (s *TokenService) IssuePair(userID string, permissions []string) (TokenPair, error) {
	access, err := s.IssueAccess(userID, permissions)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.Issue(userID, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	return s.pair(access, refresh), nil
}

func (s *TokenService) pair(access, refresh Token) TokenPair {
	return TokenPair{
		AccessToken:      access.Value,
		RefreshToken:     refresh.Value,
		TokenType:        "bearer",
		ExpiresIn:        int64(s.accessTTL / time.Second),
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}
}

func (s *TokenService) issue(userID string, typ TokenType, permissions []string) (Token, error) {
	if s == nil || len(s.key) == 0 {
		return Token{}, &ConfigError{Field: "auth.signing_key", Reason: "must be set"}
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Token{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if !typ.valid() {
		return Token{}, fmt.Errorf("%w: unknown token type %q", ErrInvalidInput, typ)
	}
	ttl := s.accessTTL
	if typ == TokenTypeRefresh {
		ttl = s.refreshTTL
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		TokenType:   typ,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, Type: typ, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Validate verifies signature, expiry and type, in that order. A token is
// expired from its exp instant onwards.
func (s *TokenService) Validate(raw string, expected TokenType) (*Claims, error) {
	if s == nil || len(s.key) == 0 {
		return nil, &ConfigError{Field: "auth.signing_key", Reason: "must be set"}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, ErrInvalidSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	if claims.TokenType != expected {
		return nil, ErrWrongTokenType
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Refresh validates a refresh token and mints a new access token for its
// subject. The refresh token keeps its original expiry.
func (s *TokenService) Refresh(refreshToken string) (Token, error) {
	claims, err := s.Validate(refreshToken, TokenTypeRefresh)
	if err != nil {
		return Token{}, err
	}
	return s.Issue(claims.Subject, TokenTypeAccess)
}
