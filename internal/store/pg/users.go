package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"warden.dev/internal/auth"
	"warden.dev/internal/ids"
)

const userColumns = `id, email, password_hash, first_name, last_name, phone, avatar_url, bio,
	is_active, is_deleted, is_verified, is_superuser, created_at, updated_at, last_login`

func scanUser(row scanner) (auth.User, error) {
	var (
		u         auth.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Phone, &u.AvatarURL, &u.Bio,
		&u.IsActive, &u.IsDeleted, &u.IsVerified, &u.IsSuperuser, &u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if err != nil {
		return auth.User{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		u.LastLogin = &t
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, nu auth.NewUser) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errDBUnavailable
	}
	if !nu.WithDefaultRole {
		return insertUser(ctx, s.db, nu)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := insertUser(ctx, tx, nu)
	if err != nil {
		return auth.User{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		select $1, id from roles
		where is_default and is_active and not is_deleted
		on conflict do nothing
	`, u.ID); err != nil {
		return auth.User{}, fmt.Errorf("assign default role: %w", mapErr(err))
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	return u, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertUser(ctx context.Context, q queryRower, nu auth.NewUser) (auth.User, error) {
	row := q.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, first_name, last_name, phone, is_active, is_verified, is_superuser)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+userColumns,
		ids.New(), nu.Email, nu.PasswordHash, nu.FirstName, nu.LastName, nu.Phone, nu.IsActive, nu.IsVerified, nu.IsSuperuser)
	u, err := scanUser(row)
	if err != nil {
		return auth.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errDBUnavailable
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if err != nil {
		return auth.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errDBUnavailable
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email))
	if err != nil {
		return auth.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context, f auth.UserFilter) ([]auth.User, int, error) {
	if s.db == nil {
		return nil, 0, errDBUnavailable
	}
	var w filter
	if f.IsActive != nil {
		w.add("is_active = ?", *f.IsActive)
	}
	if f.Search != "" {
		w.add("(email ilike ? or first_name ilike ? or last_name ilike ?)", likePattern(f.Search))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users`+w.where(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	suffix, args := w.page(f.PageRequest)
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users`+w.where()+` order by id`+suffix, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errDBUnavailable
	}
	row := s.db.QueryRowContext(ctx, `
		update users set
			first_name = coalesce($2, first_name),
			last_name = coalesce($3, last_name),
			phone = coalesce($4, phone),
			avatar_url = coalesce($5, avatar_url),
			bio = coalesce($6, bio),
			is_active = coalesce($7, is_active),
			is_verified = coalesce($8, is_verified),
			is_superuser = coalesce($9, is_superuser),
			updated_at = now()
		where id = $1
		returning `+userColumns,
		id, upd.FirstName, upd.LastName, upd.Phone, upd.AvatarURL, upd.Bio, upd.IsActive, upd.IsVerified, upd.IsSuperuser)
	u, err := scanUser(row)
	if err != nil {
		return auth.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) SoftDeleteUser(ctx context.Context, id string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update users set is_deleted = true, is_active = false, updated_at = now()
		where id = $1
	`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) SetPasswordHash(ctx context.Context, id, hash string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	res, err := s.db.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, id, hash)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errDBUnavailable
	}
	res, err := s.db.ExecContext(ctx, `update users set last_login = $2 where id = $1`, id, at.UTC())
	if err != nil {
		return err
	}
	return expectOne(res)
}
