package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"curamed.org/internal/principal"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		p, err := principal.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, principal.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := principal.ContextWithPrincipal(r.Context(), p)
		ctx = principal.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerPrincipal pulls the authenticated principal or rejects the request.
func callerPrincipal(w http.ResponseWriter, r *http.Request) (principal.Principal, bool) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authorized")
		return principal.Principal{}, false
	}
	return p, true
}

// ensureAdmin gates management endpoints on the admin role.
func (a *API) ensureAdmin(w http.ResponseWriter, r *http.Request) (principal.Principal, bool) {
	p, ok := callerPrincipal(w, r)
	if !ok {
		return principal.Principal{}, false
	}
	if !p.HasRole(principal.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "not authorized")
		return principal.Principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
