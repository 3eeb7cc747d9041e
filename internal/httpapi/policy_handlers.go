package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"curamed.org/internal/policy"
)

type createPolicyRequest struct {
	Name                 string             `json:"name"`
	Description          string             `json:"description"`
	Effect               string             `json:"effect"`
	Priority             int                `json:"priority"`
	Actions              []string           `json:"actions"`
	Resources            []string           `json:"resources"`
	Conditions           []policy.Condition `json:"conditions"`
	AppliesToRoles       []string           `json:"applies_to_roles"`
	AppliesToDepartments []string           `json:"applies_to_departments"`
	AppliesToUsers       []string           `json:"applies_to_users"`
	EffectiveFrom        *time.Time         `json:"effective_from"`
	EffectiveUntil       *time.Time         `json:"effective_until"`
	RequiresMFA          bool               `json:"requires_mfa"`
}

type evaluateRequest struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Attributes map[string]any `json:"attributes"`
}

type dryRunRequest struct {
	PolicyID string         `json:"policy_id"`
	Context  map[string]any `json:"context"`
}

func (a *API) handlePoliciesCollection(w http.ResponseWriter, r *http.Request) {
	if a.policies == nil {
		writeError(w, r, http.StatusServiceUnavailable, "policy service unavailable")
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.createPolicy(w, r)
	case http.MethodGet:
		a.listPolicies(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePolicyResource(w http.ResponseWriter, r *http.Request) {
	if a.policies == nil {
		writeError(w, r, http.StatusServiceUnavailable, "policy service unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/policies/"), "/")
	switch path {
	case "":
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	case "evaluate":
		a.evaluate(w, r)
		return
	case "evaluate-all":
		a.evaluateAll(w, r)
		return
	case "conflicts":
		a.policyConflicts(w, r)
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.getPolicy(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "deactivate":
		a.deactivatePolicy(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	var req createPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.policies.Create(r.Context(), &policy.Policy{
		TenantID:             p.TenantID,
		Name:                 req.Name,
		Description:          req.Description,
		Effect:               policy.Effect(req.Effect),
		Priority:             req.Priority,
		Actions:              req.Actions,
		Resources:            req.Resources,
		Conditions:           req.Conditions,
		AppliesToRoles:       req.AppliesToRoles,
		AppliesToDepartments: req.AppliesToDepartments,
		AppliesToUsers:       req.AppliesToUsers,
		EffectiveFrom:        req.EffectiveFrom,
		EffectiveUntil:       req.EffectiveUntil,
		RequiresMFA:          req.RequiresMFA,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/policies/%s", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listPolicies(w http.ResponseWriter, r *http.Request) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	policies, err := a.policies.List(r.Context(), p.TenantID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": policies})
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	pol, err := a.policies.Get(r.Context(), p.TenantID, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (a *API) deactivatePolicy(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	if err := a.policies.Deactivate(r.Context(), p.TenantID, id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// evaluate dry-runs a single policy against a caller-supplied attribute
// context. The full decision pipeline lives on /v1/permissions/check.
func (a *API) evaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	var req dryRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.PolicyID == "" {
		writeError(w, r, http.StatusBadRequest, "policy_id is required")
		return
	}
	pol, err := a.policies.Get(r.Context(), p.TenantID, req.PolicyID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	attrs, err := decodeAttributes(req.Context)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.policies.Evaluate(pol, attrs)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// evaluateAll lists the policies applicable to the request with each
// policy's isolated outcome, in evaluation order.
func (a *API) evaluateAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.engine == nil {
		writeError(w, r, http.StatusServiceUnavailable, "decision engine unavailable")
		return
	}
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	attrs, err := decodeAttributes(req.Attributes)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	applicable, err := a.engine.ApplicablePolicies(r.Context(), p, req.Action, req.Resource)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	type evaluatedPolicy struct {
		PolicyID   string              `json:"policy_id"`
		PolicyName string              `json:"policy_name"`
		Priority   int                 `json:"priority"`
		Result     policy.SingleResult `json:"result"`
	}
	items := make([]evaluatedPolicy, 0, len(applicable))
	for _, pol := range applicable {
		result, err := a.policies.Evaluate(pol, attrs)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		items = append(items, evaluatedPolicy{
			PolicyID:   pol.ID,
			PolicyName: pol.Name,
			Priority:   pol.Priority,
			Result:     result,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) policyConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.engine == nil {
		writeError(w, r, http.StatusServiceUnavailable, "decision engine unavailable")
		return
	}
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	conflicts, err := a.engine.CheckConflicts(r.Context(), p.TenantID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": conflicts})
}
