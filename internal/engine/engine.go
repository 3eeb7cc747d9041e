// Package engine combines RBAC, ABAC and emergency grants into one
// allow/deny verdict with a fixed precedence order. All failure paths
// resolve to Deny.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"curamed.org/internal/audit"
	"curamed.org/internal/emergency"
	"curamed.org/internal/obs"
	"curamed.org/internal/policy"
	"curamed.org/internal/principal"
	"curamed.org/internal/session"
)

// Effect is the final verdict.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Mechanism names which authorization path produced the verdict.
type Mechanism string

const (
	MechanismEmergency Mechanism = "emergency"
	MechanismABAC      Mechanism = "abac"
	MechanismRBAC      Mechanism = "rbac"
	MechanismSession   Mechanism = "session"
)

// Decision is the engine's verdict for one request.
type Decision struct {
	Effect    Effect    `json:"effect"`
	Mechanism Mechanism `json:"mechanism"`
	Reason    string    `json:"reason"`
	PolicyID  string    `json:"policy_id,omitempty"`
	GrantID   string    `json:"grant_id,omitempty"`
}

// PermissionSource resolves a user's effective RBAC permission codes.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, tenantID, userID, branchID string) ([]string, error)
}

// PolicySource evaluates the tenant's ABAC policies.
type PolicySource interface {
	EvaluateAll(ctx context.Context, p principal.Principal, action, resource string, attrs policy.Attributes) (policy.Result, error)
	Applicable(ctx context.Context, p principal.Principal, action, resource string) ([]*policy.Policy, error)
	Conflicts(ctx context.Context, tenantID string) ([]policy.Conflict, error)
}

// GrantSource looks up live emergency grants.
type GrantSource interface {
	ActiveGrant(ctx context.Context, tenantID, userID, code string) (*emergency.Grant, error)
}

// SessionSource gates requests on live session and device state.
type SessionSource interface {
	Validate(ctx context.Context, tenantID, sessionID string) (*session.Session, *session.Device, error)
}

// Engine is the unified decision point. It is stateless between calls;
// every request re-reads persisted state.
type Engine struct {
	rbac     PermissionSource
	policies PolicySource
	grants   GrantSource
	sessions SessionSource
	recorder *audit.Recorder
}

func New(rbac PermissionSource, policies PolicySource, grants GrantSource, sessions SessionSource, recorder *audit.Recorder) (*Engine, error) {
	if rbac == nil || policies == nil || grants == nil {
		return nil, errors.New("engine: rbac, policy and grant sources are required")
	}
	return &Engine{
		rbac:     rbac,
		policies: policies,
		grants:   grants,
		sessions: sessions,
		recorder: recorder,
	}, nil
}

// Decide answers whether the principal may perform action on resource.
// Precedence: live emergency grant, then ABAC deny, then ABAC allow, then
// RBAC membership, then default deny. The three read paths run concurrently;
// any path error denies.
func (e *Engine) Decide(ctx context.Context, p principal.Principal, action, resource string, attrs policy.Attributes) (Decision, error) {
	action = strings.TrimSpace(action)
	resource = strings.TrimSpace(resource)
	if err := p.Validate(); err != nil {
		return e.finish(ctx, p, action, resource, Decision{
			Effect: Deny, Mechanism: MechanismRBAC, Reason: "not authorized",
		}), principal.ErrUnauthorized
	}
	if action == "" || resource == "" {
		return e.finish(ctx, p, action, resource, Decision{
			Effect: Deny, Mechanism: MechanismRBAC, Reason: "action and resource are required",
		}), fmt.Errorf("engine: action and resource are required")
	}

	if attrs == nil {
		attrs = policy.Attributes{}
	}
	if p.SessionID != "" && e.sessions != nil {
		_, device, err := e.sessions.Validate(ctx, p.TenantID, p.SessionID)
		if err != nil {
			d := Decision{Effect: Deny, Mechanism: MechanismSession, Reason: "not authorized"}
			if errors.Is(err, session.ErrDeviceBlocked) {
				d.Reason = "device is blocked"
				return e.finish(ctx, p, action, resource, d), err
			}
			return e.finish(ctx, p, action, resource, d), principal.ErrUnauthorized
		}
		attrs["device_trust"] = policy.String(string(device.TrustLevel))
	}

	code := resource + "." + action

	var (
		wg       sync.WaitGroup
		grant    *emergency.Grant
		grantErr error
		abac     policy.Result
		abacErr  error
		codes    []string
		rbacErr  error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		grant, grantErr = e.grants.ActiveGrant(ctx, p.TenantID, p.UserID, code)
	}()
	go func() {
		defer wg.Done()
		abac, abacErr = e.policies.EvaluateAll(ctx, p, action, resource, attrs)
	}()
	go func() {
		defer wg.Done()
		codes, rbacErr = e.rbac.EffectivePermissions(ctx, p.TenantID, p.UserID, p.BranchID)
	}()
	wg.Wait()

	if grantErr == nil && grant != nil {
		return e.finish(ctx, p, action, resource, Decision{
			Effect:    Allow,
			Mechanism: MechanismEmergency,
			Reason:    "live emergency grant",
			GrantID:   grant.ID,
		}), nil
	}
	if grantErr != nil && !errors.Is(grantErr, emergency.ErrNotFound) {
		return e.finish(ctx, p, action, resource, Decision{
			Effect: Deny, Mechanism: MechanismEmergency, Reason: "grant lookup failed",
		}), grantErr
	}

	if abacErr != nil {
		return e.finish(ctx, p, action, resource, Decision{
			Effect: Deny, Mechanism: MechanismABAC, Reason: "policy evaluation failed", PolicyID: abac.PolicyID,
		}), abacErr
	}
	switch abac.Verdict {
	case policy.VerdictDeny:
		return e.finish(ctx, p, action, resource, Decision{
			Effect: Deny, Mechanism: MechanismABAC, Reason: abac.Reason, PolicyID: abac.PolicyID,
		}), nil
	case policy.VerdictAllow:
		return e.finish(ctx, p, action, resource, Decision{
			Effect: Allow, Mechanism: MechanismABAC, Reason: abac.Reason, PolicyID: abac.PolicyID,
		}), nil
	}

	if rbacErr != nil {
		return e.finish(ctx, p, action, resource, Decision{
			Effect: Deny, Mechanism: MechanismRBAC, Reason: "permission lookup failed",
		}), rbacErr
	}
	for _, c := range codes {
		if codeMatches(c, action, resource) {
			return e.finish(ctx, p, action, resource, Decision{
				Effect: Allow, Mechanism: MechanismRBAC, Reason: "permission granted by role",
			}), nil
		}
	}
	return e.finish(ctx, p, action, resource, Decision{
		Effect: Deny, Mechanism: MechanismRBAC, Reason: "no permission grants this action",
	}), nil
}

// Check is Decide reduced to a boolean for callers that only need the gate.
func (e *Engine) Check(ctx context.Context, p principal.Principal, action, resource string, attrs policy.Attributes) (bool, error) {
	d, err := e.Decide(ctx, p, action, resource, attrs)
	if err != nil {
		return false, err
	}
	return d.Effect == Allow, nil
}

// ApplicablePolicies exposes which policies EvaluateAll would consider for
// the request, in evaluation order.
func (e *Engine) ApplicablePolicies(ctx context.Context, p principal.Principal, action, resource string) ([]*policy.Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return e.policies.Applicable(ctx, p, action, resource)
}

// CheckConflicts lists equal-priority allow/deny overlaps in the tenant's
// policy set.
func (e *Engine) CheckConflicts(ctx context.Context, tenantID string) ([]policy.Conflict, error) {
	return e.policies.Conflicts(ctx, tenantID)
}

// codeMatches reports whether an effective permission code grants the
// requested action on the resource. Codes are dotted
// module.resource_type.action.scope; the scope segment does not narrow the
// match here because branch scoping is applied when assignments are
// resolved.
func codeMatches(code, action, resource string) bool {
	want := resource + "." + action
	if code == want {
		return true
	}
	i := strings.LastIndex(code, ".")
	return i > 0 && code[:i] == want
}

func (e *Engine) finish(ctx context.Context, p principal.Principal, action, resource string, d Decision) Decision {
	obs.CountDecision(string(d.Mechanism), string(d.Effect))
	if e.recorder != nil {
		meta := map[string]string{"action": action}
		if d.PolicyID != "" {
			meta["policy_id"] = d.PolicyID
		}
		if d.GrantID != "" {
			meta["grant_id"] = d.GrantID
		}
		_ = e.recorder.Record(ctx, audit.Entry{
			TenantID:     p.TenantID,
			ActorID:      p.UserID,
			Action:       "authz.decide",
			ResourceType: resource,
			Decision:     string(d.Effect),
			Mechanism:    string(d.Mechanism),
			Metadata:     meta,
		})
	}
	return d
}
