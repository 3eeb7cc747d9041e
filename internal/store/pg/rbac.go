package pg

import (
	"context"
	"database/sql"
	"errors"

	"curamed.org/internal/ids"
	"curamed.org/internal/rbac"
)

// RBACStore is the role-permission-graph view of the pool.
type RBACStore struct {
	db *sql.DB
}

const roleColumns = `
	id, tenant_id, name, coalesce(description, ''), is_system,
	active, deactivated_at, deleted_at, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (*rbac.Role, error) {
	var (
		r                        rbac.Role
		active                   bool
		deactivatedAt, deletedAt sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Name, &r.Description, &r.IsSystem,
		&active, &deactivatedAt, &deletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Lifecycle = scanLifecycle(active, deactivatedAt, deletedAt)
	return &r, nil
}

func (s *RBACStore) CreateRole(ctx context.Context, role *rbac.Role) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	role.ID = ids.New()
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, tenant_id, name, description, is_system, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, true, $6, $7)
	`, role.ID, role.TenantID, role.Name, nullIfEmpty(role.Description), role.IsSystem, role.CreatedAt, role.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.ErrConflict
		}
		return err
	}
	return nil
}

func (s *RBACStore) GetRole(ctx context.Context, tenantID, roleID string) (*rbac.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+roleColumns+`
		from roles
		where tenant_id = $1 and id = $2 and active and deleted_at is null
	`, tenantID, roleID)
	r, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	return r, err
}

func (s *RBACStore) ListRoles(ctx context.Context, tenantID string) ([]*rbac.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+`
		from roles
		where tenant_id = $1 and active and deleted_at is null
		order by name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*rbac.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *RBACStore) SetPermissions(ctx context.Context, tenantID, roleID string, codes []string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `
		select 1 from roles where tenant_id = $1 and id = $2 and deleted_at is null
	`, tenantID, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, code := range codes {
		var permID string
		err := tx.QueryRowContext(ctx, `
			select id from permissions
			where tenant_id = $1 and code = $2 and active and deleted_at is null
		`, tenantID, code).Scan(&permID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return rbac.ErrNotFound
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
		`, roleID, permID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *RBACStore) RemovePermissions(ctx context.Context, tenantID, roleID string, codes []string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		delete from role_permissions rp
		using permissions p, roles r
		where rp.permission_id = p.id
		  and rp.role_id = r.id
		  and r.tenant_id = $1 and r.id = $2
		  and p.code = any($3)
	`, tenantID, roleID, codes)
	if err != nil {
		return err
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

func (s *RBACStore) RolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.code
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		join roles r on r.id = rp.role_id
		where r.tenant_id = $1 and r.id = $2
		order by p.code
	`, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *RBACStore) CloneRole(ctx context.Context, tenantID, sourceRoleID string, clone *rbac.Role) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `
		select 1 from roles where tenant_id = $1 and id = $2 and active and deleted_at is null
	`, tenantID, sourceRoleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.ErrNotFound
		}
		return err
	}

	clone.ID = ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into roles (id, tenant_id, name, description, is_system, active, created_at, updated_at)
		values ($1, $2, $3, $4, false, true, $5, $6)
	`, clone.ID, tenantID, clone.Name, nullIfEmpty(clone.Description), clone.CreatedAt, clone.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.ErrConflict
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		select $1, permission_id from role_permissions where role_id = $2
	`, clone.ID, sourceRoleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *RBACStore) Assign(ctx context.Context, a *rbac.Assignment) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, tenant_id, branch_id, assigned_by, assigned_at, active)
		values ($1, $2, $3, $4, $5, $6, true)
	`, a.UserID, a.RoleID, a.TenantID, nullIfEmpty(a.BranchID), nullIfEmpty(a.AssignedBy), a.AssignedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return rbac.ErrConflict
			case pgErrForeignKeyViolation:
				return rbac.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *RBACStore) Unassign(ctx context.Context, tenantID, userID, roleID, branchID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles
		where tenant_id = $1 and user_id = $2 and role_id = $3
		  and coalesce(branch_id, '') = $4
	`, tenantID, userID, roleID, branchID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *RBACStore) Assignments(ctx context.Context, tenantID, userID string) ([]*rbac.Assignment, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, tenant_id, coalesce(branch_id, ''), coalesce(assigned_by, ''), assigned_at, active
		from user_roles
		where tenant_id = $1 and user_id = $2 and active
		order by role_id
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*rbac.Assignment
	for rows.Next() {
		var a rbac.Assignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.TenantID, &a.BranchID, &a.AssignedBy, &a.AssignedAt, &a.Active); err != nil {
			return nil, err
		}
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RBACStore) EffectivePermissions(ctx context.Context, tenantID, userID, branchID string) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.code
		from user_roles ur
		join roles r on r.id = ur.role_id
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.tenant_id = $1 and ur.user_id = $2 and ur.active
		  and (ur.branch_id is null or ur.branch_id = $3)
		  and r.active and r.deleted_at is null
		  and p.active and p.deleted_at is null
		order by p.code
	`, tenantID, userID, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return codes, nil
}
