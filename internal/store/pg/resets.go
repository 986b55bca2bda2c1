package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"warden.dev/internal/auth"
)

func (s *Store) ReplaceResetToken(ctx context.Context, tok auth.ResetToken) error {
	if s.db == nil {
		return errDBUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Requests for the same user queue on the user row, so the invalidation
	// below always sees the previous request's token.
	var locked string
	err = tx.QueryRowContext(ctx, `select id from users where id = $1 for update`, tok.UserID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		update password_reset_tokens
		set invalidated_at = now()
		where user_id = $1 and consumed_at is null and invalidated_at is null
	`, tok.UserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt.UTC(), tok.CreatedAt.UTC()); err != nil {
		return mapErr(err)
	}
	return tx.Commit()
}

// ConsumeResetToken relies on the row lock taken by the conditional update:
// a concurrent confirmation blocks, then re-evaluates the predicate and
// matches nothing. Tokens of deleted or deactivated accounts never match.
func (s *Store) ConsumeResetToken(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, error) {
	if s.db == nil {
		return "", errDBUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	err = tx.QueryRowContext(ctx, `
		update password_reset_tokens
		set consumed_at = $2
		where token_hash = $1
		  and consumed_at is null
		  and invalidated_at is null
		  and expires_at > $2
		  and exists (
		      select 1 from users u
		      where u.id = password_reset_tokens.user_id and u.is_active and not u.is_deleted
		  )
		returning user_id
	`, tokenHash, now.UTC()).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrInvalidOrExpiredToken
	}
	if err != nil {
		return "", err
	}

	res, err := tx.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now()
		where id = $1 and is_active and not is_deleted
	`, userID, passwordHash)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", err
	} else if n == 0 {
		return "", auth.ErrInvalidOrExpiredToken
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return userID, nil
}
