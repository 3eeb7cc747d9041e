package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"curamed.org/internal/catalog"
	"curamed.org/internal/policy"
)

type createPermissionRequest struct {
	Module       string `json:"module"`
	ResourceType string `json:"resource_type"`
	Action       string `json:"action"`
	Scope        string `json:"scope"`
	Description  string `json:"description"`
	IsSystem     bool   `json:"is_system"`
}

type bulkPermissionsRequest struct {
	Module        string   `json:"module"`
	ResourceTypes []string `json:"resource_types"`
	Actions       []string `json:"actions"`
}

type checkPermissionRequest struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Attributes map[string]any `json:"attributes"`
}

func (a *API) handlePermissionsCollection(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "catalog service unavailable")
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.createPermission(w, r)
	case http.MethodGet:
		a.listPermissions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePermissionResource(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "catalog service unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/permissions/"), "/")
	switch path {
	case "":
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	case "bulk":
		a.bulkCreatePermissions(w, r)
		return
	case "matrix":
		a.permissionMatrix(w, r)
		return
	case "unused":
		a.unusedPermissions(w, r)
		return
	case "check":
		a.checkPermission(w, r)
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.getPermission(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "deactivate":
		a.deactivatePermission(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createPermission(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	var req createPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.catalog.Create(r.Context(), p.TenantID, catalog.CreateInput{
		Module:       req.Module,
		ResourceType: req.ResourceType,
		Action:       req.Action,
		Scope:        req.Scope,
		Description:  req.Description,
		IsSystem:     req.IsSystem,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/permissions/%s", perm.ID))
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	perms, err := a.catalog.List(r.Context(), p.TenantID, r.URL.Query().Get("module"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

func (a *API) bulkCreatePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	var req bulkPermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.catalog.BulkCreate(r.Context(), p.TenantID, req.Module, req.ResourceTypes, req.Actions)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) permissionMatrix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	matrix, err := a.catalog.Matrix(r.Context(), p.TenantID, r.URL.Query().Get("module"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matrix)
}

func (a *API) unusedPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	perms, err := a.catalog.Unused(r.Context(), p.TenantID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

// checkPermission runs the full decision pipeline for the caller.
func (a *API) checkPermission(w http.ResponseWriter, r *http.Request) {
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
	var req checkPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	attrs, err := decodeAttributes(req.Attributes)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	decision, _ := a.engine.Decide(r.Context(), p, req.Action, req.Resource, attrs)
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) getPermission(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	perm, err := a.catalog.Get(r.Context(), p.TenantID, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) deactivatePermission(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := a.catalog.Deactivate(r.Context(), p.TenantID, id, force); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeAttributes(raw map[string]any) (policy.Attributes, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	attrs := make(policy.Attributes, len(raw))
	for name, v := range raw {
		value, err := policy.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		attrs[name] = value
	}
	return attrs, nil
}
