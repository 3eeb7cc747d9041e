// Package httpapi is the HTTP surface of the authorization engine: the
// decision endpoint plus management routes for the permission catalog,
// roles, policies, break-glass grants, sessions and devices.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"curamed.org/internal/catalog"
	"curamed.org/internal/emergency"
	"curamed.org/internal/engine"
	"curamed.org/internal/obs"
	"curamed.org/internal/policy"
	"curamed.org/internal/principal"
	"curamed.org/internal/rbac"
	"curamed.org/internal/session"
)

// ReadyProbe checks the dependencies behind /readyz.
type ReadyProbe struct {
	DB    *sql.DB
	Cache interface {
		Ping(ctx context.Context) error
	}
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Cache != nil {
		if err := rp.Cache.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CatalogService is the permission-catalog surface the handlers need.
type CatalogService interface {
	Create(ctx context.Context, tenantID string, in catalog.CreateInput) (*catalog.Permission, error)
	BulkCreate(ctx context.Context, tenantID, module string, resourceTypes, actions []string) (*catalog.BulkResult, error)
	Get(ctx context.Context, tenantID, id string) (*catalog.Permission, error)
	List(ctx context.Context, tenantID, module string) ([]*catalog.Permission, error)
	Matrix(ctx context.Context, tenantID, module string) (*catalog.Matrix, error)
	Unused(ctx context.Context, tenantID string) ([]*catalog.Permission, error)
	Deactivate(ctx context.Context, tenantID, id string, force bool) error
}

// RBACService covers roles and user assignments.
type RBACService interface {
	CreateRole(ctx context.Context, tenantID, name, description string) (*rbac.Role, error)
	GetRole(ctx context.Context, tenantID, roleID string) (*rbac.Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]*rbac.Role, error)
	SetPermissions(ctx context.Context, tenantID, roleID string, codes []string) error
	RemovePermissions(ctx context.Context, tenantID, roleID string, codes []string) error
	RolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error)
	Clone(ctx context.Context, tenantID, sourceRoleID, newName string) (*rbac.Role, error)
	Assign(ctx context.Context, tenantID, userID, roleID, branchID, assignedBy string) (*rbac.Assignment, error)
	Unassign(ctx context.Context, tenantID, userID, roleID, branchID string) error
	Assignments(ctx context.Context, tenantID, userID string) ([]*rbac.Assignment, error)
}

// PolicyService covers ABAC policy management and single-policy evaluation.
type PolicyService interface {
	Create(ctx context.Context, p *policy.Policy) (*policy.Policy, error)
	Get(ctx context.Context, tenantID, id string) (*policy.Policy, error)
	List(ctx context.Context, tenantID string) ([]*policy.Policy, error)
	Deactivate(ctx context.Context, tenantID, id string) error
	Evaluate(p *policy.Policy, attrs policy.Attributes) (policy.SingleResult, error)
}

// EmergencyService covers the break-glass grant lifecycle.
type EmergencyService interface {
	Request(ctx context.Context, p principal.Principal, in emergency.RequestInput) (*emergency.Grant, error)
	Approve(ctx context.Context, p principal.Principal, tenantID, id string) (*emergency.Grant, error)
	Reject(ctx context.Context, p principal.Principal, tenantID, id, reason string) (*emergency.Grant, error)
	Revoke(ctx context.Context, p principal.Principal, tenantID, id string) (*emergency.Grant, error)
	Review(ctx context.Context, p principal.Principal, tenantID, id string, status emergency.ReviewStatus, notes string) (*emergency.Grant, error)
	Get(ctx context.Context, tenantID, id string) (*emergency.Grant, error)
	List(ctx context.Context, tenantID string, status emergency.Status) ([]*emergency.Grant, error)
	AutoRevokeExpired(ctx context.Context) ([]string, error)
}

// SessionService covers devices and sessions.
type SessionService interface {
	RegisterDevice(ctx context.Context, tenantID, userID string, in session.RegisterDeviceInput) (*session.Device, error)
	GetDevice(ctx context.Context, tenantID, deviceID string) (*session.Device, error)
	ListDevices(ctx context.Context, tenantID, userID string) ([]*session.Device, error)
	SetTrustLevel(ctx context.Context, tenantID, deviceID string, level session.TrustLevel) error
	Block(ctx context.Context, tenantID, deviceID string) error
	Unblock(ctx context.Context, tenantID, deviceID string) error
	SetPrimary(ctx context.Context, tenantID, userID, deviceID string) error
	CreateSession(ctx context.Context, tenantID, userID, deviceID, ip, location string) (*session.Session, string, error)
	GetSession(ctx context.Context, tenantID, sessionID string) (*session.Session, error)
	ListSessions(ctx context.Context, tenantID, userID string) ([]*session.Session, error)
	Terminate(ctx context.Context, tenantID, sessionID, reason string) error
	TerminateAll(ctx context.Context, tenantID, userID, exceptSessionID, reason string) (int, error)
}

// DecisionEngine is the unified decision surface.
type DecisionEngine interface {
	Decide(ctx context.Context, p principal.Principal, action, resource string, attrs policy.Attributes) (engine.Decision, error)
	ApplicablePolicies(ctx context.Context, p principal.Principal, action, resource string) ([]*policy.Policy, error)
	CheckConflicts(ctx context.Context, tenantID string) ([]policy.Conflict, error)
}

// Deps wires the services into the API.
type Deps struct {
	Ready     ReadyProbe
	Version   string
	Catalog   CatalogService
	RBAC      RBACService
	Policies  PolicyService
	Emergency EmergencyService
	Sessions  SessionService
	Engine    DecisionEngine
}

// API is the HTTP layer.
type API struct {
	mux       *http.ServeMux
	ready     ReadyProbe
	version   string
	catalog   CatalogService
	rbac      RBACService
	policies  PolicyService
	emergency EmergencyService
	sessions  SessionService
	engine    DecisionEngine
}

func New(d Deps) *API {
	a := &API{
		mux:       http.NewServeMux(),
		ready:     d.Ready,
		version:   d.Version,
		catalog:   d.Catalog,
		rbac:      d.RBAC,
		policies:  d.Policies,
		emergency: d.Emergency,
		sessions:  d.Sessions,
		engine:    d.Engine,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/permissions", a.handlePermissionsCollection)
	a.mux.HandleFunc("/v1/permissions/", a.handlePermissionResource)
	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/policies", a.handlePoliciesCollection)
	a.mux.HandleFunc("/v1/policies/", a.handlePolicyResource)
	a.mux.HandleFunc("/v1/emergency-access", a.handleEmergencyCollection)
	a.mux.HandleFunc("/v1/emergency-access/", a.handleEmergencyResource)
	a.mux.HandleFunc("/v1/sessions", a.handleSessionsCollection)
	a.mux.HandleFunc("/v1/sessions/", a.handleSessionResource)
	a.mux.HandleFunc("/v1/devices", a.handleDevicesCollection)
	a.mux.HandleFunc("/v1/devices/", a.handleDeviceResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = obs.Instrument(h)
	h = Logging(h)
	h = RateLimit(h, 50, 25)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "curamed-authz",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "curamed-authz",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
