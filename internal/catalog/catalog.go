// Package catalog holds the canonical, tenant-scoped set of permissions.
// A permission is keyed by (module, resource type, action, scope); its code
// is the dotted join of those parts and is unique per tenant.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"curamed.org/internal/lifecycle"
)

var (
	ErrInvalidInput = errors.New("catalog: invalid input")
	ErrNotFound     = errors.New("catalog: not found")
	ErrConflict     = errors.New("catalog: permission code already exists")
	ErrDependency   = errors.New("catalog: permission referenced by active roles")
)

// DependencyError carries the roles that block a deactivation.
type DependencyError struct {
	Code  string
	Roles []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("catalog: permission %s referenced by active roles: %s",
		e.Code, strings.Join(e.Roles, ", "))
}

func (e *DependencyError) Unwrap() error { return ErrDependency }

// Permission is a fine-grained capability within a tenant.
type Permission struct {
	ID           string              `json:"id"`
	TenantID     string              `json:"tenant_id"`
	Code         string              `json:"code"`
	Module       string              `json:"module"`
	ResourceType string              `json:"resource_type"`
	Action       string              `json:"action"`
	Scope        string              `json:"scope,omitempty"`
	Description  string              `json:"description,omitempty"`
	IsSystem     bool                `json:"is_system"`
	Lifecycle    lifecycle.Lifecycle `json:"lifecycle"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Code assembles the canonical dotted code for the permission parts.
func Code(module, resourceType, action, scope string) string {
	parts := []string{module, resourceType, action}
	if scope != "" {
		parts = append(parts, scope)
	}
	return strings.Join(parts, ".")
}

// MatrixCell is one resourceType x action intersection in the grid view.
type MatrixCell struct {
	PermissionID string `json:"permission_id"`
	Code         string `json:"code"`
	Assigned     bool   `json:"assigned"`
	Active       bool   `json:"active"`
}

// Matrix is the grid of a module's permissions with assignment flags.
type Matrix struct {
	Module        string                           `json:"module"`
	ResourceTypes []string                         `json:"resource_types"`
	Actions       []string                         `json:"actions"`
	Cells         map[string]map[string]MatrixCell `json:"cells"`
}

// BulkResult reports the outcome of a bulk creation.
type BulkResult struct {
	Created []Permission `json:"created"`
	Skipped []string     `json:"skipped"`
}

// Store is the persistence contract for the catalog.
type Store interface {
	Create(ctx context.Context, p *Permission) error
	Get(ctx context.Context, tenantID, id string) (*Permission, error)
	GetByCode(ctx context.Context, tenantID, code string) (*Permission, error)
	List(ctx context.Context, tenantID, module string) ([]*Permission, error)
	// Deactivate flips the lifecycle off; returns ErrNotFound for unknown ids.
	Deactivate(ctx context.Context, tenantID, id string, at time.Time) error
	// ReferencingRoles lists names of visible roles holding the permission.
	ReferencingRoles(ctx context.Context, tenantID, id string) ([]string, error)
	// AssignedCodes reports which of the tenant's codes appear on any role.
	AssignedCodes(ctx context.Context, tenantID string) (map[string]struct{}, error)
	// Unused returns visible permissions with zero role references.
	Unused(ctx context.Context, tenantID string) ([]*Permission, error)
}

// Service validates and orchestrates catalog operations.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("catalog: store is required")
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

// CreateInput carries the parts of a new permission.
type CreateInput struct {
	Module       string
	ResourceType string
	Action       string
	Scope        string
	Description  string
	IsSystem     bool
}

func (in *CreateInput) normalize() error {
	in.Module = normalizePart(in.Module)
	in.ResourceType = normalizePart(in.ResourceType)
	in.Action = normalizePart(in.Action)
	in.Scope = normalizePart(in.Scope)
	in.Description = strings.TrimSpace(in.Description)
	if in.Module == "" || in.ResourceType == "" || in.Action == "" {
		return fmt.Errorf("%w: module, resource_type and action are required", ErrInvalidInput)
	}
	return nil
}

func normalizePart(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	return strings.ReplaceAll(s, " ", "_")
}

// Create adds one permission to the tenant's catalog.
func (s *Service) Create(ctx context.Context, tenantID string, in CreateInput) (*Permission, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	perm := &Permission{
		TenantID:     tenantID,
		Code:         Code(in.Module, in.ResourceType, in.Action, in.Scope),
		Module:       in.Module,
		ResourceType: in.ResourceType,
		Action:       in.Action,
		Scope:        in.Scope,
		Description:  in.Description,
		IsSystem:     in.IsSystem,
		Lifecycle:    lifecycle.NewActive(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// BulkCreate builds the cross-product of resource types and actions within a
// module. Codes that already exist are skipped, not errors.
func (s *Service) BulkCreate(ctx context.Context, tenantID, module string, resourceTypes, actions []string) (*BulkResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	module = normalizePart(module)
	if tenantID == "" || module == "" {
		return nil, fmt.Errorf("%w: tenant_id and module are required", ErrInvalidInput)
	}
	resourceTypes = normalizeParts(resourceTypes)
	actions = normalizeParts(actions)
	if len(resourceTypes) == 0 || len(actions) == 0 {
		return nil, fmt.Errorf("%w: resource_types and actions are required", ErrInvalidInput)
	}

	result := &BulkResult{}
	for _, rt := range resourceTypes {
		for _, action := range actions {
			perm, err := s.Create(ctx, tenantID, CreateInput{
				Module:       module,
				ResourceType: rt,
				Action:       action,
			})
			if errors.Is(err, ErrConflict) {
				result.Skipped = append(result.Skipped, Code(module, rt, action, ""))
				continue
			}
			if err != nil {
				return nil, err
			}
			result.Created = append(result.Created, *perm)
		}
	}
	return result, nil
}

// Deactivate soft-disables a permission. System permissions require force;
// permissions held by active roles are blocked unless force cascades.
func (s *Service) Deactivate(ctx context.Context, tenantID, id string, force bool) error {
	tenantID = strings.TrimSpace(tenantID)
	id = strings.TrimSpace(id)
	if tenantID == "" || id == "" {
		return fmt.Errorf("%w: tenant_id and permission id are required", ErrInvalidInput)
	}

	perm, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if perm.IsSystem && !force {
		return fmt.Errorf("%w: system permission %s cannot be deactivated without force", ErrInvalidInput, perm.Code)
	}

	roles, err := s.store.ReferencingRoles(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if len(roles) > 0 && !force {
		return &DependencyError{Code: perm.Code, Roles: roles}
	}

	return s.store.Deactivate(ctx, tenantID, id, s.now().UTC())
}

// Get returns one visible permission.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*Permission, error) {
	tenantID = strings.TrimSpace(tenantID)
	id = strings.TrimSpace(id)
	if tenantID == "" || id == "" {
		return nil, fmt.Errorf("%w: tenant_id and permission id are required", ErrInvalidInput)
	}
	return s.store.Get(ctx, tenantID, id)
}

// List returns the tenant's permissions, optionally filtered to a module.
func (s *Service) List(ctx context.Context, tenantID, module string) ([]*Permission, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.List(ctx, tenantID, normalizePart(module))
}

// Matrix builds the resourceType x action grid for a module (or the whole
// tenant when module is empty), marking which cells any role has assigned.
func (s *Service) Matrix(ctx context.Context, tenantID, module string) (*Matrix, error) {
	perms, err := s.List(ctx, tenantID, module)
	if err != nil {
		return nil, err
	}
	assigned, err := s.store.AssignedCodes(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	m := &Matrix{
		Module: normalizePart(module),
		Cells:  make(map[string]map[string]MatrixCell),
	}
	seenRT := make(map[string]struct{})
	seenAction := make(map[string]struct{})
	for _, p := range perms {
		if _, ok := seenRT[p.ResourceType]; !ok {
			seenRT[p.ResourceType] = struct{}{}
			m.ResourceTypes = append(m.ResourceTypes, p.ResourceType)
		}
		if _, ok := seenAction[p.Action]; !ok {
			seenAction[p.Action] = struct{}{}
			m.Actions = append(m.Actions, p.Action)
		}
		row, ok := m.Cells[p.ResourceType]
		if !ok {
			row = make(map[string]MatrixCell)
			m.Cells[p.ResourceType] = row
		}
		_, isAssigned := assigned[p.Code]
		row[p.Action] = MatrixCell{
			PermissionID: p.ID,
			Code:         p.Code,
			Assigned:     isAssigned,
			Active:       p.Lifecycle.Visible(),
		}
	}
	return m, nil
}

// Unused lists permissions no role references.
func (s *Service) Unused(ctx context.Context, tenantID string) ([]*Permission, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.Unused(ctx, tenantID)
}

func normalizeParts(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = normalizePart(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
