// Package rbac maintains the role-permission graph: tenant-scoped roles,
// their permission edges, and user-role assignments (optionally scoped to a
// branch). RBAC is strictly additive: a permission granted by any active
// assignment is granted.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"curamed.org/internal/lifecycle"
)

var (
	ErrInvalidInput = errors.New("rbac: invalid input")
	ErrNotFound     = errors.New("rbac: not found")
	ErrConflict     = errors.New("rbac: resource conflict")
)

// Role groups permissions within a tenant.
type Role struct {
	ID          string              `json:"id"`
	TenantID    string              `json:"tenant_id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	IsSystem    bool                `json:"is_system"`
	Lifecycle   lifecycle.Lifecycle `json:"lifecycle"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Assignment gives a user a role, optionally limited to one branch.
// Uniqueness key is (user, role, branch).
type Assignment struct {
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	TenantID   string    `json:"tenant_id"`
	BranchID   string    `json:"branch_id,omitempty"`
	AssignedBy string    `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
	Active     bool      `json:"active"`
}

// Store is the persistence contract for the graph.
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, tenantID, roleID string) (*Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)

	// SetPermissions replaces the role's full edge set in one transaction.
	SetPermissions(ctx context.Context, tenantID, roleID string, codes []string) error
	// RemovePermissions subtracts the given edges.
	RemovePermissions(ctx context.Context, tenantID, roleID string, codes []string) error
	RolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error)
	// CloneRole copies the source role and its edges under a new id and name.
	CloneRole(ctx context.Context, tenantID, sourceRoleID string, clone *Role) error

	Assign(ctx context.Context, a *Assignment) error
	Unassign(ctx context.Context, tenantID, userID, roleID, branchID string) error
	Assignments(ctx context.Context, tenantID, userID string) ([]*Assignment, error)

	// EffectivePermissions unions codes across the user's active assignments.
	// Branch-scoped assignments count only when branchID matches; tenant-wide
	// assignments (empty branch) always count.
	EffectivePermissions(ctx context.Context, tenantID, userID, branchID string) ([]string, error)
}

// Service validates and orchestrates graph operations.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	return &Service{store: store, now: time.Now}, nil
}

// WithClock overrides the time source. Test use only.
func (s *Service) WithClock(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// CreateRole adds a tenant-scoped role.
func (s *Service) CreateRole(ctx context.Context, tenantID, name, description string) (*Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	name = strings.TrimSpace(name)
	if tenantID == "" || name == "" {
		return nil, fmt.Errorf("%w: tenant_id and role name are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	role := &Role{
		TenantID:    tenantID,
		Name:        name,
		Description: strings.TrimSpace(description),
		Lifecycle:   lifecycle.NewActive(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// GetRole returns one visible role.
func (s *Service) GetRole(ctx context.Context, tenantID, roleID string) (*Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	roleID = strings.TrimSpace(roleID)
	if tenantID == "" || roleID == "" {
		return nil, fmt.Errorf("%w: tenant_id and role_id are required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, tenantID, roleID)
}

// ListRoles returns the tenant's roles.
func (s *Service) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.ListRoles(ctx, tenantID)
}

// SetPermissions replaces the role's permission set with exactly the codes
// submitted. Replacement, not addition, so the effective set is predictable.
func (s *Service) SetPermissions(ctx context.Context, tenantID, roleID string, codes []string) error {
	tenantID = strings.TrimSpace(tenantID)
	roleID = strings.TrimSpace(roleID)
	if tenantID == "" || roleID == "" {
		return fmt.Errorf("%w: tenant_id and role_id are required", ErrInvalidInput)
	}
	return s.store.SetPermissions(ctx, tenantID, roleID, dedupeCodes(codes))
}

// RemovePermissions subtracts the given codes from the role's edge set.
func (s *Service) RemovePermissions(ctx context.Context, tenantID, roleID string, codes []string) error {
	tenantID = strings.TrimSpace(tenantID)
	roleID = strings.TrimSpace(roleID)
	if tenantID == "" || roleID == "" {
		return fmt.Errorf("%w: tenant_id and role_id are required", ErrInvalidInput)
	}
	codes = dedupeCodes(codes)
	if len(codes) == 0 {
		return fmt.Errorf("%w: permission codes are required", ErrInvalidInput)
	}
	return s.store.RemovePermissions(ctx, tenantID, roleID, codes)
}

// RolePermissions lists the role's current edge set.
func (s *Service) RolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error) {
	tenantID = strings.TrimSpace(tenantID)
	roleID = strings.TrimSpace(roleID)
	if tenantID == "" || roleID == "" {
		return nil, fmt.Errorf("%w: tenant_id and role_id are required", ErrInvalidInput)
	}
	return s.store.RolePermissions(ctx, tenantID, roleID)
}

// Clone deep-copies a role's permission edges under a new name. The clone is
// independent of the source from that point on.
func (s *Service) Clone(ctx context.Context, tenantID, sourceRoleID, newName string) (*Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	sourceRoleID = strings.TrimSpace(sourceRoleID)
	newName = strings.TrimSpace(newName)
	if tenantID == "" || sourceRoleID == "" || newName == "" {
		return nil, fmt.Errorf("%w: tenant_id, role_id and new name are required", ErrInvalidInput)
	}
	source, err := s.store.GetRole(ctx, tenantID, sourceRoleID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	clone := &Role{
		TenantID:    tenantID,
		Name:        newName,
		Description: source.Description,
		Lifecycle:   lifecycle.NewActive(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CloneRole(ctx, tenantID, sourceRoleID, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// Assign gives a user a role, optionally branch-scoped.
func (s *Service) Assign(ctx context.Context, tenantID, userID, roleID, branchID, assignedBy string) (*Assignment, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if tenantID == "" || userID == "" || roleID == "" {
		return nil, fmt.Errorf("%w: tenant_id, user_id and role_id are required", ErrInvalidInput)
	}
	a := &Assignment{
		UserID:     userID,
		RoleID:     roleID,
		TenantID:   tenantID,
		BranchID:   strings.TrimSpace(branchID),
		AssignedBy: strings.TrimSpace(assignedBy),
		AssignedAt: s.now().UTC(),
		Active:     true,
	}
	if err := s.store.Assign(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Unassign removes one (user, role, branch) assignment.
func (s *Service) Unassign(ctx context.Context, tenantID, userID, roleID, branchID string) error {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if tenantID == "" || userID == "" || roleID == "" {
		return fmt.Errorf("%w: tenant_id, user_id and role_id are required", ErrInvalidInput)
	}
	return s.store.Unassign(ctx, tenantID, userID, roleID, strings.TrimSpace(branchID))
}

// Assignments lists the user's assignments within the tenant.
func (s *Service) Assignments(ctx context.Context, tenantID, userID string) ([]*Assignment, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	return s.store.Assignments(ctx, tenantID, userID)
}

// EffectivePermissions unions codes over the user's active role assignments
// visible from the given branch context.
func (s *Service) EffectivePermissions(ctx context.Context, tenantID, userID, branchID string) ([]string, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	return s.store.EffectivePermissions(ctx, tenantID, userID, strings.TrimSpace(branchID))
}

func dedupeCodes(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
