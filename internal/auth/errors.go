package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("resource conflict")
	ErrInvalidInput = errors.New("invalid input")

	// ErrAuthenticationFailed is returned for every login failure. It never
	// says whether the email exists.
	ErrAuthenticationFailed = errors.New("invalid credentials")

	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token expired")
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrWrongTokenType   = errors.New("wrong token type")

	ErrUserInactive     = errors.New("account inactive")
	ErrPermissionDenied = errors.New("permission denied")

	ErrInvalidOrExpiredToken = errors.New("invalid or expired reset token")
	ErrWeakPassword          = errors.New("password does not meet strength requirements")

	ErrRateLimited = errors.New("too many attempts")

	// ErrConfig marks configuration failures that must abort startup.
	ErrConfig = errors.New("configuration error")
)

// ConfigError describes a missing or invalid setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// IsTokenError reports whether err came from token validation.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrWrongTokenType)
}
