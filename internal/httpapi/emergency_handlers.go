package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"curamed.org/internal/emergency"
)

type emergencyRequestRequest struct {
	Reason          string   `json:"reason"`
	Type            string   `json:"type"`
	PatientID       string   `json:"patient_id"`
	Permissions     []string `json:"permissions"`
	DurationMinutes int      `json:"duration_minutes"`
}

type emergencyRejectRequest struct {
	Reason string `json:"reason"`
}

type emergencyReviewRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (a *API) handleEmergencyCollection(w http.ResponseWriter, r *http.Request) {
	if a.emergency == nil {
		writeError(w, r, http.StatusServiceUnavailable, "emergency service unavailable")
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.requestEmergencyAccess(w, r)
	case http.MethodGet:
		a.listEmergencyGrants(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleEmergencyResource(w http.ResponseWriter, r *http.Request) {
	if a.emergency == nil {
		writeError(w, r, http.StatusServiceUnavailable, "emergency service unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/emergency-access/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if path == "auto-revoke" {
		a.autoRevokeEmergency(w, r)
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.getEmergencyGrant(w, r, parts[0])
	case len(parts) == 2:
		a.transitionEmergencyGrant(w, r, parts[0], parts[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) requestEmergencyAccess(w http.ResponseWriter, r *http.Request) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	var req emergencyRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	grant, err := a.emergency.Request(r.Context(), p, emergency.RequestInput{
		Reason:          req.Reason,
		Type:            emergency.Type(req.Type),
		PatientID:       req.PatientID,
		Permissions:     req.Permissions,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/emergency-access/%s", grant.ID))
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) listEmergencyGrants(w http.ResponseWriter, r *http.Request) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	status := emergency.Status(r.URL.Query().Get("status"))
	grants, err := a.emergency.List(r.Context(), p.TenantID, status)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": grants})
}

func (a *API) getEmergencyGrant(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	grant, err := a.emergency.Get(r.Context(), p.TenantID, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// transitionEmergencyGrant dispatches the grant state transitions. Who may
// perform each transition is enforced by the service.
func (a *API) transitionEmergencyGrant(w http.ResponseWriter, r *http.Request, id, verb string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}

	var grant *emergency.Grant
	var err error
	switch verb {
	case "approve":
		grant, err = a.emergency.Approve(r.Context(), p, p.TenantID, id)
	case "reject":
		var req emergencyRejectRequest
		if decodeErr := decodeJSON(w, r, &req); decodeErr != nil {
			writeError(w, r, http.StatusBadRequest, decodeErr.Error())
			return
		}
		grant, err = a.emergency.Reject(r.Context(), p, p.TenantID, id, req.Reason)
	case "revoke":
		grant, err = a.emergency.Revoke(r.Context(), p, p.TenantID, id)
	case "review":
		var req emergencyReviewRequest
		if decodeErr := decodeJSON(w, r, &req); decodeErr != nil {
			writeError(w, r, http.StatusBadRequest, decodeErr.Error())
			return
		}
		grant, err = a.emergency.Review(r.Context(), p, p.TenantID, id, emergency.ReviewStatus(req.Status), req.Notes)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// autoRevokeEmergency sweeps grants whose window has lapsed. The background
// sweeper does this on a timer; the endpoint exists for operators.
func (a *API) autoRevokeEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.ensureAdmin(w, r); !ok {
		return
	}
	ids, err := a.emergency.AutoRevokeExpired(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expired": len(ids),
		"ids":     ids,
	})
}
