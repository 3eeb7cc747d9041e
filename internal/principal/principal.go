// Package principal builds the per-request identity used by every engine
// call. Claims are extracted once at the HTTP boundary and passed explicitly;
// nothing in the engine reads ambient global state.
package principal

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrUnauthorized covers missing or invalid tenant/identity claims.
	// Callers surface it as a bare access denial without internal detail.
	ErrUnauthorized = errors.New("principal: not authorized")

	// ErrInvalidToken indicates the bearer token failed validation.
	ErrInvalidToken = errors.New("principal: invalid token")
)

// Roles with break-glass approval authority.
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
)

// Principal is the authenticated actor of a request: tenant, user, resolved
// role and department memberships, and the session/device the request rides on.
type Principal struct {
	TenantID    string
	UserID      string
	Roles       []string
	Departments []string
	DeviceID    string
	SessionID   string
	BranchID    string
	MFAAt       time.Time
}

// Validate reports whether the principal carries the minimum identity claims.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" || strings.TrimSpace(p.UserID) == "" {
		return ErrUnauthorized
	}
	return nil
}

// HasRole checks role membership, case-insensitively.
func (p Principal) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range p.Roles {
		if strings.ToLower(r) == role {
			return true
		}
	}
	return false
}

// CanApproveEmergency reports whether the principal may approve or reject
// break-glass requests.
func (p Principal) CanApproveEmergency() bool {
	return p.HasRole(RoleAdmin) || p.HasRole(RoleSupervisor)
}

// MFAFresh reports whether the principal completed MFA within the window
// ending at now. Policies with requires_mfa force a deny when this is false.
func (p Principal) MFAFresh(now time.Time, window time.Duration) bool {
	if p.MFAAt.IsZero() || window <= 0 {
		return false
	}
	return now.Sub(p.MFAAt) <= window
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(strings.ToLower(v))
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
