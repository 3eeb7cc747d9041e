package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"curamed.org/internal/principal"
	"curamed.org/internal/session"
)

type createSessionRequest struct {
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
	Location string `json:"location"`
}

type terminateAllRequest struct {
	ExceptSessionID string `json:"except_session_id"`
	Reason          string `json:"reason"`
}

type registerDeviceRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	OS          string `json:"os"`
	Browser     string `json:"browser"`
	Fingerprint string `json:"fingerprint"`
}

type setTrustRequest struct {
	Level string `json:"level"`
}

func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session service unavailable")
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.createSession(w, r)
	case http.MethodGet:
		a.listSessions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session service unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if path == "terminate-all" {
		a.terminateAllSessions(w, r)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getSession(w, r, path)
	case http.MethodDelete:
		a.terminateSession(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

// createSession opens a session for the caller on one of their registered
// devices. The raw token appears only in this response.
func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sess, token, err := a.sessions.CreateSession(r.Context(), p.TenantID, p.UserID, req.DeviceID, req.IP, req.Location)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/sessions/%s", sess.ID))
	writeJSON(w, http.StatusCreated, map[string]any{
		"session": sess,
		"token":   token,
	})
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	userID := p.UserID
	if q := r.URL.Query().Get("user_id"); q != "" && q != p.UserID {
		if _, ok := a.ensureAdmin(w, r); !ok {
			return
		}
		userID = q
	}
	sessions, err := a.sessions.ListSessions(r.Context(), p.TenantID, userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sessions})
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	sess, err := a.sessions.GetSession(r.Context(), p.TenantID, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if sess.UserID != p.UserID && !p.HasRole(principal.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "not authorized")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) terminateSession(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	sess, err := a.sessions.GetSession(r.Context(), p.TenantID, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if sess.UserID != p.UserID && !p.HasRole(principal.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "not authorized")
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}
	if err := a.sessions.Terminate(r.Context(), p.TenantID, id, reason); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) terminateAllSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	var req terminateAllRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "terminate all"
	}
	count, err := a.sessions.TerminateAll(r.Context(), p.TenantID, p.UserID, req.ExceptSessionID, req.Reason)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": count})
}

func (a *API) handleDevicesCollection(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session service unavailable")
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.registerDevice(w, r)
	case http.MethodGet:
		a.listDevices(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleDeviceResource(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session service unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/devices/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.getDevice(w, r, parts[0])
	case len(parts) == 2:
		a.deviceAction(w, r, parts[0], parts[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) registerDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	var req registerDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	device, err := a.sessions.RegisterDevice(r.Context(), p.TenantID, p.UserID, session.RegisterDeviceInput{
		Name:        req.Name,
		Type:        req.Type,
		OS:          req.OS,
		Browser:     req.Browser,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/devices/%s", device.ID))
	writeJSON(w, http.StatusCreated, device)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	userID := p.UserID
	if q := r.URL.Query().Get("user_id"); q != "" && q != p.UserID {
		if _, ok := a.ensureAdmin(w, r); !ok {
			return
		}
		userID = q
	}
	devices, err := a.sessions.ListDevices(r.Context(), p.TenantID, userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": devices})
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return
	}
	device, err := a.sessions.GetDevice(r.Context(), p.TenantID, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if device.UserID != p.UserID && !p.HasRole(principal.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "not authorized")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (a *API) deviceAction(w http.ResponseWriter, r *http.Request, id, verb string) {
	// Trust level is replaced via PUT; the other verbs are commands.
	want := http.MethodPost
	if verb == "trust" {
		want = http.MethodPut
	}
	if r.Method != want {
		methodNotAllowed(w, r, want)
		return
	}

	switch verb {
	case "trust":
		p, ok := a.ensureAdmin(w, r)
		if !ok {
			return
		}
		var req setTrustRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		level, err := session.ParseTrustLevel(req.Level)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.sessions.SetTrustLevel(r.Context(), p.TenantID, id, level); err != nil {
			handleDomainError(w, r, err)
			return
		}
	case "block":
		p, ok := a.ensureAdmin(w, r)
		if !ok {
			return
		}
		if err := a.sessions.Block(r.Context(), p.TenantID, id); err != nil {
			handleDomainError(w, r, err)
			return
		}
	case "unblock":
		p, ok := a.ensureAdmin(w, r)
		if !ok {
			return
		}
		if err := a.sessions.Unblock(r.Context(), p.TenantID, id); err != nil {
			handleDomainError(w, r, err)
			return
		}
	case "primary":
		p, ok := callerPrincipal(w, r)
		if !ok {
			return
		}
		if err := a.sessions.SetPrimary(r.Context(), p.TenantID, p.UserID, id); err != nil {
			handleDomainError(w, r, err)
			return
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
