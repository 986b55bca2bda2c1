package pg

import (
	"context"
	"database/sql"
	"errors"

	"warden.dev/internal/auth"
	"warden.dev/internal/ids"
)

const roleColumns = `id, name, description, is_active, is_deleted, is_default, created_at, updated_at`

const permissionColumns = `id, name, resource, action, description, is_active, created_at, updated_at`

func scanRole(row scanner) (auth.Role, error) {
	var r auth.Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsActive, &r.IsDeleted, &r.IsDefault, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanPermission(row scanner) (auth.Permission, error) {
	var p auth.Permission
	err := row.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// --- roles ---

func (s *Store) CreateRole(ctx context.Context, name, description string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errDBUnavailable
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		returning `+roleColumns, ids.New(), name, description))
	if err != nil {
		return auth.Role{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) GetRole(ctx context.Context, id string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errDBUnavailable
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id))
	if err != nil {
		return auth.Role{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errDBUnavailable
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name))
	if err != nil {
		return auth.Role{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context, f auth.RoleFilter) ([]auth.Role, int, error) {
	if s.db == nil {
		return nil, 0, errDBUnavailable
	}
	var w filter
	w.addRaw("not is_deleted")
	if f.IsActive != nil {
		w.add("is_active = ?", *f.IsActive)
	}
	if f.Search != "" {
		w.add("(name ilike ? or description ilike ?)", likePattern(f.Search))
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from roles`+w.where(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	suffix, args := w.page(f.PageRequest)
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles`+w.where()+` order by name`+suffix, args...)
	if err != nil {
		return nil, 0, err
	}
	roles, err := collect(rows, scanRole)
	if err != nil {
		return nil, 0, err
	}
	return roles, total, nil
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errDBUnavailable
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		update roles set
			name = coalesce($2, name),
			description = coalesce($3, description),
			is_active = coalesce($4, is_active),
			updated_at = now()
		where id = $1
		returning `+roleColumns, id, upd.Name, upd.Description, upd.IsActive))
	if err != nil {
		return auth.Role{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) SoftDeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update roles set is_deleted = true, is_active = false, is_default = false, updated_at = now()
		where id = $1
	`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) SetDefaultRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The partial unique index on is_default is checked per row, so the old
	// default is cleared before the new one is set.
	if _, err := tx.ExecContext(ctx, `update roles set is_default = false, updated_at = now() where is_default and id <> $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `update roles set is_default = true, updated_at = now() where id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DefaultRole(ctx context.Context) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errDBUnavailable
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles
		where is_default and is_active and not is_deleted
		limit 1
	`))
	if err != nil {
		return auth.Role{}, mapErr(err)
	}
	return r, nil
}

// --- permissions ---

func (s *Store) CreatePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errDBUnavailable
	}
	created, err := scanPermission(s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, resource, action, description, is_active)
		values ($1, $2, $3, $4, $5, $6)
		returning `+permissionColumns, ids.New(), p.Name, p.Resource, p.Action, p.Description, p.IsActive))
	if err != nil {
		return auth.Permission{}, mapErr(err)
	}
	return created, nil
}

func (s *Store) GetPermission(ctx context.Context, id string) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errDBUnavailable
	}
	p, err := scanPermission(s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where id = $1`, id))
	if err != nil {
		return auth.Permission{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errDBUnavailable
	}
	p, err := scanPermission(s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where name = $1`, name))
	if err != nil {
		return auth.Permission{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) ListPermissions(ctx context.Context, f auth.PermissionFilter) ([]auth.Permission, int, error) {
	if s.db == nil {
		return nil, 0, errDBUnavailable
	}
	var w filter
	if f.Resource != "" {
		w.add("resource = ?", f.Resource)
	}
	if f.IsActive != nil {
		w.add("is_active = ?", *f.IsActive)
	}
	if f.Search != "" {
		w.add("(name ilike ? or description ilike ?)", likePattern(f.Search))
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from permissions`+w.where(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	suffix, args := w.page(f.PageRequest)
	rows, err := s.db.QueryContext(ctx, `select `+permissionColumns+` from permissions`+w.where()+` order by name`+suffix, args...)
	if err != nil {
		return nil, 0, err
	}
	perms, err := collect(rows, scanPermission)
	if err != nil {
		return nil, 0, err
	}
	return perms, total, nil
}

func (s *Store) UpdatePermission(ctx context.Context, id string, upd auth.PermissionUpdate) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errDBUnavailable
	}
	p, err := scanPermission(s.db.QueryRowContext(ctx, `
		update permissions set
			description = coalesce($2, description),
			is_active = coalesce($3, is_active),
			updated_at = now()
		where id = $1
		returning `+permissionColumns, id, upd.Description, upd.IsActive))
	if err != nil {
		return auth.Permission{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	if s.db == nil {
		return errDBUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, name, resource, action, description, is_active)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (name) do nothing
		`, ids.New(), p.Name, p.Resource, p.Action, p.Description, p.IsActive); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) PermissionResources(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `select distinct resource from permissions where is_active order by resource`)
}

func (s *Store) PermissionActions(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `select distinct action from permissions where is_active order by action`)
}

func (s *Store) distinct(ctx context.Context, query string) ([]string, error) {
	if s.db == nil {
		return nil, errDBUnavailable
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row scanner) (string, error) {
		var v string
		err := row.Scan(&v)
		return v, err
	})
}

// --- graph ---

func (s *Store) AssignRole(ctx context.Context, userID, roleID string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
		on conflict do nothing
	`, userID, roleID)
	return mapErr(err)
}

func (s *Store) RevokeRole(ctx context.Context, userID, roleID string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	if err := s.requireBoth(ctx, `users`, userID, `roles`, roleID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	return err
}

func (s *Store) UserRoles(ctx context.Context, userID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errDBUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.description, r.is_active, r.is_deleted, r.is_default, r.created_at, r.updated_at
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRole)
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		values ($1, $2)
		on conflict do nothing
	`, roleID, permissionID)
	return mapErr(err)
}

func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	if err := s.requireBoth(ctx, `roles`, roleID, `permissions`, permissionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `delete from role_permissions where role_id = $1 and permission_id = $2`, roleID, permissionID)
	return err
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `select id from roles where id = $1 for update`, roleID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, pid := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, pid); err != nil {
			return mapErr(err)
		}
	}
	return tx.Commit()
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errDBUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.resource, p.action, p.description, p.is_active, p.created_at, p.updated_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPermission)
}

func (s *Store) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errDBUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		  and r.is_active and not r.is_deleted
		  and p.is_active
		order by p.name
	`, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row scanner) (string, error) {
		var name string
		err := row.Scan(&name)
		return name, err
	})
}

// requireBoth returns ErrNotFound unless both rows exist. Table names are
// constants supplied by callers.
func (s *Store) requireBoth(ctx context.Context, tableA, idA, tableB, idB string) error {
	var okA, okB bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from `+tableA+` where id = $1), exists(select 1 from `+tableB+` where id = $2)`,
		idA, idB).Scan(&okA, &okB)
	if err != nil {
		return err
	}
	if !okA || !okB {
		return auth.ErrNotFound
	}
	return nil
}
