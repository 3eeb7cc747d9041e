package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"curamed.org/internal/catalog"
	"curamed.org/internal/ids"
)

// CatalogStore is the permission-catalog view of the pool.
type CatalogStore struct {
	db *sql.DB
}

const permissionColumns = `
	id, tenant_id, code, module, resource_type, action, scope,
	coalesce(description, ''), is_system,
	active, deactivated_at, deleted_at, created_at, updated_at`

func scanPermission(row interface{ Scan(...any) error }) (*catalog.Permission, error) {
	var (
		p                        catalog.Permission
		active                   bool
		deactivatedAt, deletedAt sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Code, &p.Module, &p.ResourceType, &p.Action, &p.Scope,
		&p.Description, &p.IsSystem,
		&active, &deactivatedAt, &deletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Lifecycle = scanLifecycle(active, deactivatedAt, deletedAt)
	return &p, nil
}

func (s *CatalogStore) Create(ctx context.Context, p *catalog.Permission) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	p.ID = ids.New()
	_, err := s.db.ExecContext(ctx, `
		insert into permissions
			(id, tenant_id, code, module, resource_type, action, scope,
			 description, is_system, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, $10, $11)
	`, p.ID, p.TenantID, p.Code, p.Module, p.ResourceType, p.Action, p.Scope,
		nullIfEmpty(p.Description), p.IsSystem, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return catalog.ErrConflict
		}
		return err
	}
	return nil
}

func (s *CatalogStore) Get(ctx context.Context, tenantID, id string) (*catalog.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+permissionColumns+`
		from permissions
		where tenant_id = $1 and id = $2 and active and deleted_at is null
	`, tenantID, id)
	p, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	return p, err
}

func (s *CatalogStore) GetByCode(ctx context.Context, tenantID, code string) (*catalog.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+permissionColumns+`
		from permissions
		where tenant_id = $1 and code = $2 and active and deleted_at is null
	`, tenantID, code)
	p, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	return p, err
}

func (s *CatalogStore) List(ctx context.Context, tenantID, module string) ([]*catalog.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	query := `
		select ` + permissionColumns + `
		from permissions
		where tenant_id = $1 and active and deleted_at is null`
	args := []any{tenantID}
	if module != "" {
		query += ` and module = $2`
		args = append(args, module)
	}
	query += ` order by code`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*catalog.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *CatalogStore) Deactivate(ctx context.Context, tenantID, id string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update permissions
		set active = false, deactivated_at = $3, updated_at = $3
		where tenant_id = $1 and id = $2 and deleted_at is null
	`, tenantID, id, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *CatalogStore) ReferencingRoles(ctx context.Context, tenantID, id string) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct r.name
		from role_permissions rp
		join roles r on r.id = rp.role_id
		where rp.permission_id = $2 and r.tenant_id = $1 and r.active and r.deleted_at is null
		order by r.name
	`, tenantID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

func (s *CatalogStore) AssignedCodes(ctx context.Context, tenantID string) (map[string]struct{}, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.code
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where p.tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assigned := map[string]struct{}{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		assigned[code] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assigned, nil
}

func (s *CatalogStore) Unused(ctx context.Context, tenantID string) ([]*catalog.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+permissionColumns+`
		from permissions
		where tenant_id = $1 and active and deleted_at is null
		  and id not in (select permission_id from role_permissions)
		order by code
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*catalog.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
