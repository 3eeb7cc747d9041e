package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"curamed.org/internal/lifecycle"
	"curamed.org/internal/principal"
)

// Verdict is the evaluator's three-valued outcome. NoOpinion means no policy
// matched and the caller should fall through to the next mechanism.
type Verdict string

const (
	VerdictAllow     Verdict = "allow"
	VerdictDeny      Verdict = "deny"
	VerdictNoOpinion Verdict = "no_opinion"
)

// Result reports what EvaluateAll decided and why.
type Result struct {
	Verdict           Verdict  `json:"verdict"`
	PolicyID          string   `json:"policy_id,omitempty"`
	PolicyName        string   `json:"policy_name,omitempty"`
	Reason            string   `json:"reason,omitempty"`
	MatchedConditions []string `json:"matched_conditions,omitempty"`
}

// SingleResult reports one policy evaluated in isolation.
type SingleResult struct {
	Effect            Effect   `json:"effect"`
	Matched           bool     `json:"matched"`
	MatchedConditions []string `json:"matched_conditions,omitempty"`
}

// MFAWindow is how recently the principal must have completed MFA for
// RequiresMFA policies to grant.
const MFAWindow = 15 * time.Minute

// Evaluator selects and evaluates a tenant's policies for a request.
type Evaluator struct {
	store Store
	now   func() time.Time
}

func NewEvaluator(store Store) (*Evaluator, error) {
	if store == nil {
		return nil, fmt.Errorf("policy: store is required")
	}
	return &Evaluator{store: store, now: time.Now}, nil
}

// WithClock overrides the time source. Test use only.
func (e *Evaluator) WithClock(fn func() time.Time) *Evaluator {
	if fn != nil {
		e.now = fn
	}
	return e
}

// Create validates and persists a policy.
func (e *Evaluator) Create(ctx context.Context, p *Policy) (*Policy, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: policy is required", ErrInvalidInput)
	}
	p.TenantID = strings.TrimSpace(p.TenantID)
	p.Name = strings.TrimSpace(p.Name)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	p.Lifecycle = lifecycle.NewActive()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := e.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns one visible policy.
func (e *Evaluator) Get(ctx context.Context, tenantID, id string) (*Policy, error) {
	tenantID = strings.TrimSpace(tenantID)
	id = strings.TrimSpace(id)
	if tenantID == "" || id == "" {
		return nil, fmt.Errorf("%w: tenant_id and policy id are required", ErrInvalidInput)
	}
	return e.store.Get(ctx, tenantID, id)
}

// List returns the tenant's visible policies.
func (e *Evaluator) List(ctx context.Context, tenantID string) ([]*Policy, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return e.store.List(ctx, tenantID)
}

// Deactivate retires a policy from future evaluations.
func (e *Evaluator) Deactivate(ctx context.Context, tenantID, id string) error {
	tenantID = strings.TrimSpace(tenantID)
	id = strings.TrimSpace(id)
	if tenantID == "" || id == "" {
		return fmt.Errorf("%w: tenant_id and policy id are required", ErrInvalidInput)
	}
	return e.store.Deactivate(ctx, tenantID, id, e.now().UTC())
}

// Evaluate runs one policy against a request in isolation, ignoring
// selection and applicability. Useful for policy authoring dry-runs.
func (e *Evaluator) Evaluate(p *Policy, attrs Attributes) (SingleResult, error) {
	if p == nil {
		return SingleResult{}, fmt.Errorf("%w: policy is required", ErrInvalidInput)
	}
	matched, names, err := matchConditions(p, attrs)
	if err != nil {
		return SingleResult{}, err
	}
	return SingleResult{Effect: p.Effect, Matched: matched, MatchedConditions: names}, nil
}

// EvaluateAll runs the tenant's policy set against a request. Selection is
// tenant + visible + inside the effective window; then action/resource match,
// then principal applicability, then conditions (all must hold). Candidates
// sort by priority descending with deny before allow on ties, and the first
// match wins. Any evaluation error denies.
func (e *Evaluator) EvaluateAll(ctx context.Context, p principal.Principal, action, resource string, attrs Attributes) (Result, error) {
	action = strings.TrimSpace(action)
	resource = strings.TrimSpace(resource)
	if p.TenantID == "" || action == "" || resource == "" {
		return denied("", "invalid request"), fmt.Errorf("%w: tenant, action and resource are required", ErrInvalidInput)
	}
	policies, err := e.store.List(ctx, p.TenantID)
	if err != nil {
		return denied("", "policy lookup failed"), err
	}
	now := e.now().UTC()

	candidates := make([]*Policy, 0, len(policies))
	for _, pol := range policies {
		if !pol.Lifecycle.Visible() || !pol.InWindow(now) {
			continue
		}
		if !pol.MatchesTarget(action, resource) {
			continue
		}
		if !pol.AppliesTo(p.UserID, p.Roles, p.Departments) {
			continue
		}
		candidates = append(candidates, pol)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Effect == EffectDeny && candidates[j].Effect == EffectAllow
	})

	for _, pol := range candidates {
		matched, names, err := matchConditions(pol, attrs)
		if err != nil {
			return denied(pol.ID, "condition evaluation failed"), err
		}
		if !matched {
			continue
		}
		if pol.Effect == EffectAllow && pol.RequiresMFA && !p.MFAFresh(now, MFAWindow) {
			return Result{
				Verdict:           VerdictDeny,
				PolicyID:          pol.ID,
				PolicyName:        pol.Name,
				Reason:            "mfa required",
				MatchedConditions: names,
			}, nil
		}
		return Result{
			Verdict:           Verdict(pol.Effect),
			PolicyID:          pol.ID,
			PolicyName:        pol.Name,
			Reason:            "policy matched",
			MatchedConditions: names,
		}, nil
	}
	return Result{Verdict: VerdictNoOpinion, Reason: "no policy matched"}, nil
}

// Applicable returns, ordered as EvaluateAll would consider them, the
// policies whose selection and target match the request, without running
// conditions.
func (e *Evaluator) Applicable(ctx context.Context, p principal.Principal, action, resource string) ([]*Policy, error) {
	if p.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	policies, err := e.store.List(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	var result []*Policy
	for _, pol := range policies {
		if !pol.Lifecycle.Visible() || !pol.InWindow(now) {
			continue
		}
		if !pol.MatchesTarget(action, resource) {
			continue
		}
		if !pol.AppliesTo(p.UserID, p.Roles, p.Departments) {
			continue
		}
		result = append(result, pol)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].Effect == EffectDeny && result[j].Effect == EffectAllow
	})
	return result, nil
}

// Conflict is an equal-priority allow/deny pair with overlapping targets.
type Conflict struct {
	AllowPolicyID string `json:"allow_policy_id"`
	DenyPolicyID  string `json:"deny_policy_id"`
	Priority      int    `json:"priority"`
	Action        string `json:"action"`
	Resource      string `json:"resource"`
}

// Conflicts scans the tenant's visible policies for equal-priority
// allow/deny pairs whose action and resource patterns overlap. Such pairs
// resolve deny-first at evaluation time, which is usually not what the
// author intended.
func (e *Evaluator) Conflicts(ctx context.Context, tenantID string) ([]Conflict, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	policies, err := e.store.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var visible []*Policy
	for _, pol := range policies {
		if pol.Lifecycle.Visible() {
			visible = append(visible, pol)
		}
	}
	var conflicts []Conflict
	for i, a := range visible {
		if a.Effect != EffectAllow {
			continue
		}
		for j, d := range visible {
			if i == j || d.Effect != EffectDeny || a.Priority != d.Priority {
				continue
			}
			action, actionOverlap := overlap(a.Actions, d.Actions)
			resource, resourceOverlap := overlap(a.Resources, d.Resources)
			if actionOverlap && resourceOverlap {
				conflicts = append(conflicts, Conflict{
					AllowPolicyID: a.ID,
					DenyPolicyID:  d.ID,
					Priority:      a.Priority,
					Action:        action,
					Resource:      resource,
				})
			}
		}
	}
	return conflicts, nil
}

func matchConditions(p *Policy, attrs Attributes) (bool, []string, error) {
	names := make([]string, 0, len(p.Conditions))
	for _, c := range p.Conditions {
		ok, err := c.Match(attrs)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return false, nil, nil
		}
		names = append(names, c.Attribute)
	}
	return true, names, nil
}

// overlap reports whether two pattern lists can match a common value and
// names one witness.
func overlap(a, b []string) (string, bool) {
	for _, pa := range a {
		for _, pb := range b {
			if w, ok := patternsOverlap(pa, pb); ok {
				return w, true
			}
		}
	}
	return "", false
}

func patternsOverlap(a, b string) (string, bool) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "*" {
		return b, true
	}
	if b == "*" {
		return a, true
	}
	pa, wildA := strings.CutSuffix(a, ".*")
	pb, wildB := strings.CutSuffix(b, ".*")
	switch {
	case wildA && wildB:
		if strings.HasPrefix(pa, pb) || strings.HasPrefix(pb, pa) {
			if len(pa) > len(pb) {
				return pa, true
			}
			return pb, true
		}
	case wildA:
		if matchPattern(a, b) {
			return b, true
		}
	case wildB:
		if matchPattern(b, a) {
			return a, true
		}
	default:
		if a == b {
			return a, true
		}
	}
	return "", false
}

func denied(policyID, reason string) Result {
	return Result{Verdict: VerdictDeny, PolicyID: policyID, Reason: reason}
}
