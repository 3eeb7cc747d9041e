package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/roles/01J5ABCDEF":          "/v1/roles/:id",
		"/v1/roles/01J5ABCDEF/clone":    "/v1/roles/:id/clone",
		"/v1/permissions/matrix":        "/v1/permissions/matrix",
		"/v1/permissions/check":         "/v1/permissions/check",
		"/v1/sessions/abc123":           "/v1/sessions/:id",
		"/v1/devices/abc/trust":         "/v1/devices/:id/trust",
		"/v1/emergency-access/abc":      "/v1/emergency-access/:id",
		"/v1/policies/evaluate":         "/v1/policies/evaluate",
		"/v1/policies/evaluate?foo=bar": "/v1/policies/evaluate",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
