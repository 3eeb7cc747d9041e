package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"curamed.org/internal/ids"
	"curamed.org/internal/policy"
)

// PolicyStore is the ABAC-policy view of the pool. Target lists and
// conditions live in jsonb columns; selection predicates stay relational.
type PolicyStore struct {
	db *sql.DB
}

const policyColumns = `
	id, tenant_id, name, coalesce(description, ''), effect, priority,
	actions, resources, conditions, applies_to_roles, applies_to_departments, applies_to_users,
	effective_from, effective_until, requires_mfa,
	active, deactivated_at, deleted_at, created_at, updated_at`

func scanPolicy(row interface{ Scan(...any) error }) (*policy.Policy, error) {
	var p policy.Policy
	var actions, resources, conditions, roles, departments, users []byte
	var effectiveFrom, effectiveUntil, deactivatedAt, deletedAt sql.NullTime
	var active bool
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Description, &p.Effect, &p.Priority,
		&actions, &resources, &conditions, &roles, &departments, &users,
		&effectiveFrom, &effectiveUntil, &p.RequiresMFA,
		&active, &deactivatedAt, &deletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{actions, &p.Actions},
		{resources, &p.Resources},
		{conditions, &p.Conditions},
		{roles, &p.AppliesToRoles},
		{departments, &p.AppliesToDepartments},
		{users, &p.AppliesToUsers},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("decode policy column: %w", err)
		}
	}
	p.EffectiveFrom = timePtr(effectiveFrom)
	p.EffectiveUntil = timePtr(effectiveUntil)
	p.Lifecycle = scanLifecycle(active, deactivatedAt, deletedAt)
	return &p, nil
}

func marshalPolicyLists(p *policy.Policy) (actions, resources, conditions, roles, departments, users []byte, err error) {
	for _, pair := range []struct {
		src any
		dst *[]byte
	}{
		{p.Actions, &actions},
		{p.Resources, &resources},
		{p.Conditions, &conditions},
		{p.AppliesToRoles, &roles},
		{p.AppliesToDepartments, &departments},
		{p.AppliesToUsers, &users},
	} {
		raw, mErr := json.Marshal(pair.src)
		if mErr != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode policy column: %w", mErr)
		}
		*pair.dst = raw
	}
	return actions, resources, conditions, roles, departments, users, nil
}

func (s *PolicyStore) Create(ctx context.Context, p *policy.Policy) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	actions, resources, conditions, roles, departments, users, err := marshalPolicyLists(p)
	if err != nil {
		return err
	}
	p.ID = ids.New()
	_, err = s.db.ExecContext(ctx, `
		insert into policies
			(id, tenant_id, name, description, effect, priority,
			 actions, resources, conditions, applies_to_roles, applies_to_departments, applies_to_users,
			 effective_from, effective_until, requires_mfa, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, true, $16, $17)
	`, p.ID, p.TenantID, p.Name, nullIfEmpty(p.Description), string(p.Effect), p.Priority,
		actions, resources, conditions, roles, departments, users,
		nullTimePtr(p.EffectiveFrom), nullTimePtr(p.EffectiveUntil), p.RequiresMFA,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return policy.ErrConflict
		}
		return err
	}
	return nil
}

func (s *PolicyStore) Get(ctx context.Context, tenantID, id string) (*policy.Policy, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+policyColumns+`
		from policies
		where tenant_id = $1 and id = $2 and deleted_at is null
	`, tenantID, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	return p, err
}

func (s *PolicyStore) List(ctx context.Context, tenantID string) ([]*policy.Policy, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+policyColumns+`
		from policies
		where tenant_id = $1 and deleted_at is null
		order by priority desc, name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
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

func (s *PolicyStore) Deactivate(ctx context.Context, tenantID, id string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update policies
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
		return policy.ErrNotFound
	}
	return nil
}
