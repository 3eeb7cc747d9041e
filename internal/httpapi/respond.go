package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"curamed.org/internal/catalog"
	"curamed.org/internal/emergency"
	"curamed.org/internal/policy"
	"curamed.org/internal/principal"
	"curamed.org/internal/rbac"
	"curamed.org/internal/session"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps sentinel errors from the domain packages onto
// HTTP status codes. State conflicts carry the current state so clients
// can show why the transition failed.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var stateErr *emergency.InvalidStateError
	if errors.As(err, &stateErr) {
		payload := map[string]any{
			"error":         stateErr.Error(),
			"current_state": string(stateErr.Current),
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusConflict, payload)
		return
	}
	var depErr *catalog.DependencyError
	if errors.As(err, &depErr) {
		payload := map[string]any{
			"error":          depErr.Error(),
			"blocking_roles": depErr.Roles,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusConflict, payload)
		return
	}

	switch {
	case errors.Is(err, session.ErrDeviceBlocked):
		writeError(w, r, http.StatusForbidden, "device is blocked")
	case errors.Is(err, principal.ErrUnauthorized),
		errors.Is(err, emergency.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "not authorized")
	case errors.Is(err, catalog.ErrInvalidInput),
		errors.Is(err, rbac.ErrInvalidInput),
		errors.Is(err, policy.ErrInvalidInput),
		errors.Is(err, emergency.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, catalog.ErrConflict),
		errors.Is(err, rbac.ErrConflict),
		errors.Is(err, policy.ErrConflict),
		errors.Is(err, session.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, rbac.ErrNotFound),
		errors.Is(err, policy.ErrNotFound),
		errors.Is(err, emergency.ErrNotFound),
		errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrTerminated):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "operation failed")
	}
}
