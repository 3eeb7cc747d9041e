package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"curamed.org/internal/catalog"
	"curamed.org/internal/emergency"
	"curamed.org/internal/engine"
	"curamed.org/internal/policy"
	"curamed.org/internal/principal"
	"curamed.org/internal/rbac"
	"curamed.org/internal/session"
)

type fakeCatalogSvc struct {
	deactivateErr error
}

func (f *fakeCatalogSvc) Create(ctx context.Context, tenantID string, in catalog.CreateInput) (*catalog.Permission, error) {
	if in.Module == "" {
		return nil, catalog.ErrInvalidInput
	}
	return &catalog.Permission{
		ID:       "perm-1",
		TenantID: tenantID,
		Code:     in.Module + "." + in.ResourceType + "." + in.Action + "." + in.Scope,
	}, nil
}

func (f *fakeCatalogSvc) BulkCreate(ctx context.Context, tenantID, module string, resourceTypes, actions []string) (*catalog.BulkResult, error) {
	return &catalog.BulkResult{}, nil
}

func (f *fakeCatalogSvc) Get(ctx context.Context, tenantID, id string) (*catalog.Permission, error) {
	if id != "perm-1" {
		return nil, catalog.ErrNotFound
	}
	return &catalog.Permission{ID: id, TenantID: tenantID}, nil
}

func (f *fakeCatalogSvc) List(ctx context.Context, tenantID, module string) ([]*catalog.Permission, error) {
	return nil, nil
}

func (f *fakeCatalogSvc) Matrix(ctx context.Context, tenantID, module string) (*catalog.Matrix, error) {
	return &catalog.Matrix{}, nil
}

func (f *fakeCatalogSvc) Unused(ctx context.Context, tenantID string) ([]*catalog.Permission, error) {
	return nil, nil
}

func (f *fakeCatalogSvc) Deactivate(ctx context.Context, tenantID, id string, force bool) error {
	return f.deactivateErr
}

type fakeRBACSvc struct{}

func (f *fakeRBACSvc) CreateRole(ctx context.Context, tenantID, name, description string) (*rbac.Role, error) {
	return &rbac.Role{ID: "role-1", TenantID: tenantID, Name: name}, nil
}

func (f *fakeRBACSvc) GetRole(ctx context.Context, tenantID, roleID string) (*rbac.Role, error) {
	if roleID != "role-1" {
		return nil, rbac.ErrNotFound
	}
	return &rbac.Role{ID: roleID, TenantID: tenantID, Name: "Nurse"}, nil
}

func (f *fakeRBACSvc) ListRoles(ctx context.Context, tenantID string) ([]*rbac.Role, error) {
	return []*rbac.Role{{ID: "role-1", TenantID: tenantID, Name: "Nurse"}}, nil
}

func (f *fakeRBACSvc) SetPermissions(ctx context.Context, tenantID, roleID string, codes []string) error {
	return nil
}

func (f *fakeRBACSvc) RemovePermissions(ctx context.Context, tenantID, roleID string, codes []string) error {
	return nil
}

func (f *fakeRBACSvc) RolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error) {
	return []string{"clinical.medical_record.view.branch"}, nil
}

func (f *fakeRBACSvc) Clone(ctx context.Context, tenantID, sourceRoleID, newName string) (*rbac.Role, error) {
	return &rbac.Role{ID: "role-2", TenantID: tenantID, Name: newName}, nil
}

func (f *fakeRBACSvc) Assign(ctx context.Context, tenantID, userID, roleID, branchID, assignedBy string) (*rbac.Assignment, error) {
	return &rbac.Assignment{UserID: userID, RoleID: roleID, TenantID: tenantID}, nil
}

func (f *fakeRBACSvc) Unassign(ctx context.Context, tenantID, userID, roleID, branchID string) error {
	return nil
}

func (f *fakeRBACSvc) Assignments(ctx context.Context, tenantID, userID string) ([]*rbac.Assignment, error) {
	return nil, nil
}

type fakePolicySvc struct{}

func (f *fakePolicySvc) Create(ctx context.Context, p *policy.Policy) (*policy.Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.ID = "pol-1"
	return p, nil
}

func (f *fakePolicySvc) Get(ctx context.Context, tenantID, id string) (*policy.Policy, error) {
	if id == "pol-1" {
		return &policy.Policy{ID: "pol-1", TenantID: tenantID, Name: "high-risk-deny", Effect: policy.EffectDeny}, nil
	}
	return nil, policy.ErrNotFound
}

func (f *fakePolicySvc) List(ctx context.Context, tenantID string) ([]*policy.Policy, error) {
	return nil, nil
}

func (f *fakePolicySvc) Deactivate(ctx context.Context, tenantID, id string) error { return nil }

func (f *fakePolicySvc) Evaluate(p *policy.Policy, attrs policy.Attributes) (policy.SingleResult, error) {
	return policy.SingleResult{Effect: p.Effect, Matched: true}, nil
}

type fakeEmergencySvc struct {
	approveErr error
}

func (f *fakeEmergencySvc) Request(ctx context.Context, p principal.Principal, in emergency.RequestInput) (*emergency.Grant, error) {
	if in.Reason == "" {
		return nil, emergency.ErrInvalidInput
	}
	return &emergency.Grant{ID: "grant-1", TenantID: p.TenantID, RequesterID: p.UserID, Status: emergency.StatusPending}, nil
}

func (f *fakeEmergencySvc) Approve(ctx context.Context, p principal.Principal, tenantID, id string) (*emergency.Grant, error) {
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	return &emergency.Grant{ID: id, TenantID: tenantID, Status: emergency.StatusApproved}, nil
}

func (f *fakeEmergencySvc) Reject(ctx context.Context, p principal.Principal, tenantID, id, reason string) (*emergency.Grant, error) {
	return &emergency.Grant{ID: id, TenantID: tenantID, Status: emergency.StatusRejected}, nil
}

func (f *fakeEmergencySvc) Revoke(ctx context.Context, p principal.Principal, tenantID, id string) (*emergency.Grant, error) {
	return &emergency.Grant{ID: id, TenantID: tenantID, Status: emergency.StatusRevoked}, nil
}

func (f *fakeEmergencySvc) Review(ctx context.Context, p principal.Principal, tenantID, id string, status emergency.ReviewStatus, notes string) (*emergency.Grant, error) {
	return &emergency.Grant{ID: id, TenantID: tenantID}, nil
}

func (f *fakeEmergencySvc) Get(ctx context.Context, tenantID, id string) (*emergency.Grant, error) {
	return &emergency.Grant{ID: id, TenantID: tenantID}, nil
}

func (f *fakeEmergencySvc) List(ctx context.Context, tenantID string, status emergency.Status) ([]*emergency.Grant, error) {
	return nil, nil
}

func (f *fakeEmergencySvc) AutoRevokeExpired(ctx context.Context) ([]string, error) {
	return []string{"grant-9"}, nil
}

type fakeSessionSvc struct {
	createErr error
}

func (f *fakeSessionSvc) RegisterDevice(ctx context.Context, tenantID, userID string, in session.RegisterDeviceInput) (*session.Device, error) {
	return &session.Device{ID: "device-1", TenantID: tenantID, UserID: userID, Name: in.Name}, nil
}

func (f *fakeSessionSvc) GetDevice(ctx context.Context, tenantID, deviceID string) (*session.Device, error) {
	return &session.Device{ID: deviceID, TenantID: tenantID, UserID: "user-1"}, nil
}

func (f *fakeSessionSvc) ListDevices(ctx context.Context, tenantID, userID string) ([]*session.Device, error) {
	return nil, nil
}

func (f *fakeSessionSvc) SetTrustLevel(ctx context.Context, tenantID, deviceID string, level session.TrustLevel) error {
	return nil
}

func (f *fakeSessionSvc) Block(ctx context.Context, tenantID, deviceID string) error   { return nil }
func (f *fakeSessionSvc) Unblock(ctx context.Context, tenantID, deviceID string) error { return nil }

func (f *fakeSessionSvc) SetPrimary(ctx context.Context, tenantID, userID, deviceID string) error {
	return nil
}

func (f *fakeSessionSvc) CreateSession(ctx context.Context, tenantID, userID, deviceID, ip, location string) (*session.Session, string, error) {
	if f.createErr != nil {
		return nil, "", f.createErr
	}
	return &session.Session{ID: "sess-1", TenantID: tenantID, UserID: userID, DeviceID: deviceID}, "raw-token", nil
}

func (f *fakeSessionSvc) GetSession(ctx context.Context, tenantID, sessionID string) (*session.Session, error) {
	return &session.Session{ID: sessionID, TenantID: tenantID, UserID: "user-1"}, nil
}

func (f *fakeSessionSvc) ListSessions(ctx context.Context, tenantID, userID string) ([]*session.Session, error) {
	return nil, nil
}

func (f *fakeSessionSvc) Terminate(ctx context.Context, tenantID, sessionID, reason string) error {
	return nil
}

func (f *fakeSessionSvc) TerminateAll(ctx context.Context, tenantID, userID, exceptSessionID, reason string) (int, error) {
	return 2, nil
}

type fakeEngineSvc struct {
	decision engine.Decision
}

func (f *fakeEngineSvc) Decide(ctx context.Context, p principal.Principal, action, resource string, attrs policy.Attributes) (engine.Decision, error) {
	return f.decision, nil
}

func (f *fakeEngineSvc) ApplicablePolicies(ctx context.Context, p principal.Principal, action, resource string) ([]*policy.Policy, error) {
	return nil, nil
}

func (f *fakeEngineSvc) CheckConflicts(ctx context.Context, tenantID string) ([]policy.Conflict, error) {
	return nil, nil
}

type testDeps struct {
	catalog   *fakeCatalogSvc
	emergency *fakeEmergencySvc
	sessions  *fakeSessionSvc
	engine    *fakeEngineSvc
}

func newTestServer(t *testing.T) (*httptest.Server, *testDeps) {
	t.Helper()

	t.Setenv("CURAMED_AUTH_SECRET", "test-secret-test-secret-test-secret")
	principal.ResetSecretForTests()

	deps := &testDeps{
		catalog:   &fakeCatalogSvc{},
		emergency: &fakeEmergencySvc{},
		sessions:  &fakeSessionSvc{},
		engine:    &fakeEngineSvc{decision: engine.Decision{Effect: engine.Allow, Mechanism: engine.MechanismRBAC, Reason: "rbac allow"}},
	}
	api := New(Deps{
		Version:   "test",
		Catalog:   deps.catalog,
		RBAC:      &fakeRBACSvc{},
		Policies:  &fakePolicySvc{},
		Emergency: deps.emergency,
		Sessions:  deps.sessions,
		Engine:    deps.engine,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, deps
}

func bearerFor(t *testing.T, roles ...string) string {
	t.Helper()
	token, err := principal.GenerateToken(principal.Principal{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Roles:    roles,
	}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return "Bearer " + token
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, auth string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/v1/roles", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGarbageTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/v1/roles", "Bearer not.a.jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreatePermissionRequiresAdmin(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPost, "/v1/permissions", bearerFor(t, "nurse"), map[string]any{
		"module": "clinical", "resource_type": "medical_record", "action": "view", "scope": "branch",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreatePermissionAsAdmin(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPost, "/v1/permissions", bearerFor(t, "admin"), map[string]any{
		"module": "clinical", "resource_type": "medical_record", "action": "view", "scope": "branch",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/permissions/perm-1" {
		t.Fatalf("unexpected location: %s", loc)
	}
	resp.Body.Close()
}

func TestDeactivateReferencedPermissionConflict(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.catalog.deactivateErr = &catalog.DependencyError{
		Code:  "clinical.medical_record.view.branch",
		Roles: []string{"Nurse", "Doctor"},
	}

	resp := doRequest(t, srv, http.MethodPost, "/v1/permissions/perm-1/deactivate", bearerFor(t, "admin"), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	roles, ok := body["blocking_roles"].([]any)
	if !ok || len(roles) != 2 {
		t.Fatalf("expected blocking roles in body, got %v", body)
	}
}

func TestEmergencyApproveConflictNamesState(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.emergency.approveErr = &emergency.InvalidStateError{Op: "approve", Current: emergency.StatusRejected}

	resp := doRequest(t, srv, http.MethodPost, "/v1/emergency-access/grant-1/approve", bearerFor(t, "supervisor"), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["current_state"] != "rejected" {
		t.Fatalf("expected current_state in body, got %v", body)
	}
}

func TestCreateSessionOnBlockedDevice(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.sessions.createErr = session.ErrDeviceBlocked

	resp := doRequest(t, srv, http.MethodPost, "/v1/sessions", bearerFor(t, "nurse"), map[string]any{
		"device_id": "device-1",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != "device is blocked" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestCreateSessionReturnsRawTokenOnce(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPost, "/v1/sessions", bearerFor(t, "nurse"), map[string]any{
		"device_id": "device-1", "ip": "10.0.0.1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["token"] != "raw-token" {
		t.Fatalf("expected raw token in body, got %v", body)
	}
}

func TestCheckPermissionReturnsDecision(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPost, "/v1/permissions/check", bearerFor(t, "nurse"), map[string]any{
		"action":   "view",
		"resource": "clinical.medical_record",
		"attributes": map[string]any{
			"risk_score": 42,
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["effect"] != "allow" || body["mechanism"] != "rbac" {
		t.Fatalf("unexpected decision: %v", body)
	}
}

func TestEvaluateDryRunsPolicyByID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPost, "/v1/policies/evaluate", bearerFor(t, "nurse"), map[string]any{
		"policy_id": "pol-1",
		"context": map[string]any{
			"risk_score": 42,
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["effect"] != "deny" || body["matched"] != true {
		t.Fatalf("unexpected dry-run result: %v", body)
	}
}

func TestEvaluateUnknownPolicyIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPost, "/v1/policies/evaluate", bearerFor(t, "nurse"), map[string]any{
		"policy_id": "ghost",
		"context":   map[string]any{},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestUnknownRoleIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/v1/roles/ghost", bearerFor(t, "nurse"), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestResponsesCarryRequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
	resp.Body.Close()
}
