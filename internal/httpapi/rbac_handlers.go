package httpapi

import (
	"fmt"
	"net/http"
	"strings"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type cloneRoleRequest struct {
	Name string `json:"name"`
}

type assignRoleRequest struct {
	RoleID   string `json:"role_id"`
	BranchID string `json:"branch_id"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.createRole(w, r)
	case http.MethodGet:
		a.listRoles(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.getRole(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleRolePermissions(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "clone":
		a.cloneRole(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), p.TenantID, req.Name, req.Description)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	roles, err := a.rbac.ListRoles(r.Context(), p.TenantID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	role, err := a.rbac.GetRole(r.Context(), p.TenantID, roleID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// handleRolePermissions handles the permission edges of one role.
func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		p, ok := callerPrincipal(w, r)
		if !ok {
			return
		}
		codes, err := a.rbac.RolePermissions(r.Context(), p.TenantID, roleID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": codes})
	case http.MethodPut:
		p, ok := a.ensureAdmin(w, r)
		if !ok {
			return
		}
		var req rolePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rbac.SetPermissions(r.Context(), p.TenantID, roleID, req.Permissions); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		p, ok := a.ensureAdmin(w, r)
		if !ok {
			return
		}
		var req rolePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rbac.RemovePermissions(r.Context(), p.TenantID, roleID, req.Permissions); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) cloneRole(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	var req cloneRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.Clone(r.Context(), p.TenantID, roleID, req.Name)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] != "assignments" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		a.listAssignments(w, r, userID)
	case len(parts) == 2 && r.Method == http.MethodPost:
		a.assignRole(w, r, userID)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		a.unassignRole(w, r, userID, parts[2])
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) listAssignments(w http.ResponseWriter, r *http.Request, userID string) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	assignments, err := a.rbac.Assignments(r.Context(), p.TenantID, userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": assignments})
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request, userID string) {
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := a.rbac.Assign(r.Context(), p.TenantID, userID, req.RoleID, req.BranchID, p.UserID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) unassignRole(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	p, ok := a.ensureAdmin(w, r)
	if !ok {
		return
	}
	branchID := r.URL.Query().Get("branch_id")
	if err := a.rbac.Unassign(r.Context(), p.TenantID, userID, roleID, branchID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
