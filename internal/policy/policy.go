// Package policy implements attribute-based access control: tenant-scoped
// policies with typed conditions, evaluated deny-overrides with explicit
// priorities. Evaluation errors always fail closed.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"curamed.org/internal/lifecycle"
)

var (
	ErrInvalidInput = errors.New("policy: invalid input")
	ErrNotFound     = errors.New("policy: not found")
	ErrConflict     = errors.New("policy: resource conflict")
	ErrCondition    = errors.New("policy: condition error")
)

// Effect is a policy's outcome when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ParseEffect validates an effect string.
func ParseEffect(s string) (Effect, error) {
	e := Effect(strings.ToLower(strings.TrimSpace(s)))
	switch e {
	case EffectAllow, EffectDeny:
		return e, nil
	}
	return "", fmt.Errorf("%w: unknown effect %q", ErrInvalidInput, s)
}

// Policy is one tenant-scoped ABAC rule. Empty applicability slices mean
// the policy is global within its tenant.
type Policy struct {
	ID                   string              `json:"id"`
	TenantID             string              `json:"tenant_id"`
	Name                 string              `json:"name"`
	Description          string              `json:"description,omitempty"`
	Effect               Effect              `json:"effect"`
	Priority             int                 `json:"priority"`
	Actions              []string            `json:"actions"`
	Resources            []string            `json:"resources"`
	Conditions           []Condition         `json:"conditions,omitempty"`
	AppliesToRoles       []string            `json:"applies_to_roles,omitempty"`
	AppliesToDepartments []string            `json:"applies_to_departments,omitempty"`
	AppliesToUsers       []string            `json:"applies_to_users,omitempty"`
	EffectiveFrom        *time.Time          `json:"effective_from,omitempty"`
	EffectiveUntil       *time.Time          `json:"effective_until,omitempty"`
	RequiresMFA          bool                `json:"requires_mfa"`
	Lifecycle            lifecycle.Lifecycle `json:"lifecycle"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// Validate checks structural correctness before persistence.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: policy name is required", ErrInvalidInput)
	}
	if _, err := ParseEffect(string(p.Effect)); err != nil {
		return err
	}
	if len(p.Actions) == 0 || len(p.Resources) == 0 {
		return fmt.Errorf("%w: actions and resources are required", ErrInvalidInput)
	}
	for _, c := range p.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if p.EffectiveFrom != nil && p.EffectiveUntil != nil && !p.EffectiveFrom.Before(*p.EffectiveUntil) {
		return fmt.Errorf("%w: effective window is empty", ErrInvalidInput)
	}
	return nil
}

// InWindow reports whether the policy is effective at the instant.
func (p *Policy) InWindow(now time.Time) bool {
	if p.EffectiveFrom != nil && now.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveUntil != nil && !now.Before(*p.EffectiveUntil) {
		return false
	}
	return true
}

// MatchesTarget reports whether the policy covers the action and resource.
// Patterns support the bare wildcard "*" and trailing "prefix.*".
func (p *Policy) MatchesTarget(action, resource string) bool {
	return matchAny(p.Actions, action) && matchAny(p.Resources, resource)
}

// AppliesTo reports principal applicability: a policy with no user, role or
// department filters applies to everyone in the tenant; otherwise matching
// any one filter list is enough.
func (p *Policy) AppliesTo(userID string, roles, departments []string) bool {
	if len(p.AppliesToUsers) == 0 && len(p.AppliesToRoles) == 0 && len(p.AppliesToDepartments) == 0 {
		return true
	}
	if containsFold(p.AppliesToUsers, userID) {
		return true
	}
	for _, r := range roles {
		if containsFold(p.AppliesToRoles, r) {
			return true
		}
	}
	for _, d := range departments {
		if containsFold(p.AppliesToDepartments, d) {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, value) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, value string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return value == prefix || strings.HasPrefix(value, prefix+".")
	}
	return pattern == value
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

// Store is the persistence contract for policies.
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, tenantID, id string) (*Policy, error)
	// List returns the tenant's visible policies.
	List(ctx context.Context, tenantID string) ([]*Policy, error)
	Deactivate(ctx context.Context, tenantID, id string, at time.Time) error
}
