package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"curamed.org/internal/catalog"
	"curamed.org/internal/emergency"
	"curamed.org/internal/policy"
	"curamed.org/internal/rbac"
	"curamed.org/internal/session"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestEmergencyApproveHappyPath(t *testing.T) {
	store, mock := newMockStore(t)

	approvedAt := time.Date(2026, 3, 1, 22, 5, 0, 0, time.UTC)
	mock.ExpectExec("update emergency_grants").
		WithArgs("tenant-1", "grant-1", "supervisor-1", approvedAt, approvedAt.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Emergency().MarkApproved(context.Background(), "tenant-1", "grant-1", "supervisor-1", approvedAt, approvedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkApproved: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmergencyApproveConflictNamesCurrentStatus(t *testing.T) {
	store, mock := newMockStore(t)

	approvedAt := time.Date(2026, 3, 1, 22, 5, 0, 0, time.UTC)
	mock.ExpectExec("update emergency_grants").
		WithArgs("tenant-1", "grant-1", "supervisor-1", approvedAt, approvedAt.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select status from emergency_grants").
		WithArgs("tenant-1", "grant-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("rejected"))

	err := store.Emergency().MarkApproved(context.Background(), "tenant-1", "grant-1", "supervisor-1", approvedAt, approvedAt.Add(time.Hour))
	var stateErr *emergency.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if stateErr.Op != "approve" || stateErr.Current != emergency.StatusRejected {
		t.Fatalf("unexpected state error: %+v", stateErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmergencyApproveUnknownGrant(t *testing.T) {
	store, mock := newMockStore(t)

	approvedAt := time.Date(2026, 3, 1, 22, 5, 0, 0, time.UTC)
	mock.ExpectExec("update emergency_grants").
		WithArgs("tenant-1", "ghost", "supervisor-1", approvedAt, approvedAt.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select status from emergency_grants").
		WithArgs("tenant-1", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := store.Emergency().MarkApproved(context.Background(), "tenant-1", "ghost", "supervisor-1", approvedAt, approvedAt.Add(time.Hour))
	if !errors.Is(err, emergency.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEmergencyMarkExpiredBatch(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("update emergency_grants.*returning id").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("grant-1").AddRow("grant-2"))

	ids, err := store.Emergency().MarkExpiredBatch(context.Background(), now)
	if err != nil {
		t.Fatalf("MarkExpiredBatch: %v", err)
	}
	if len(ids) != 2 || ids[0] != "grant-1" || ids[1] != "grant-2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestEmergencyAttachReviewOnApprovedGrant(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`status in \('approved', 'expired', 'revoked'\)`).
		WithArgs("tenant-1", "grant-9", "justified", "sup-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Emergency().AttachReview(context.Background(), "tenant-1", "grant-9", "sup-1", emergency.ReviewJustified, "retrospective ok")
	if err != nil {
		t.Fatalf("AttachReview: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRBACSetPermissionsTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from roles").
		WithArgs("tenant-1", "role-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("delete from role_permissions").
		WithArgs("role-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery("select id from permissions").
		WithArgs("tenant-1", "clinical.medical_record.view.branch").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("perm-1"))
	mock.ExpectExec("insert into role_permissions").
		WithArgs("role-1", "perm-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.RBAC().SetPermissions(context.Background(), "tenant-1", "role-1", []string{"clinical.medical_record.view.branch"})
	if err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRBACSetPermissionsUnknownCodeRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from roles").
		WithArgs("tenant-1", "role-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("delete from role_permissions").
		WithArgs("role-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select id from permissions").
		WithArgs("tenant-1", "no.such.code.here").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := store.RBAC().SetPermissions(context.Background(), "tenant-1", "role-1", []string{"no.such.code.here"})
	if !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateRoleNameConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into roles").
		WithArgs(sqlmock.AnyArg(), "tenant-1", "Nurse", sqlmock.AnyArg(), false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.RBAC().CreateRole(context.Background(), &rbac.Role{TenantID: "tenant-1", Name: "Nurse"})
	if !errors.Is(err, rbac.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCatalogGetMapsMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select.*from permissions").
		WithArgs("tenant-1", "perm-404").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Catalog().Get(context.Background(), "tenant-1", "perm-404")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCatalogGetScansLifecycle(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "code", "module", "resource_type", "action", "scope",
		"description", "is_system", "active", "deactivated_at", "deleted_at",
		"created_at", "updated_at",
	}).AddRow(
		"perm-1", "tenant-1", "clinical.medical_record.view.branch",
		"clinical", "medical_record", "view", "branch",
		"View branch records", false, true, nil, nil, created, created,
	)
	mock.ExpectQuery("select.*from permissions").
		WithArgs("tenant-1", "perm-1").
		WillReturnRows(rows)

	p, err := store.Catalog().Get(context.Background(), "tenant-1", "perm-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Code != "clinical.medical_record.view.branch" || p.Action != "view" {
		t.Fatalf("unexpected permission: %+v", p)
	}
	if !p.Lifecycle.Active || p.Lifecycle.DeactivatedAt != nil {
		t.Fatalf("unexpected lifecycle: %+v", p.Lifecycle)
	}
}

func TestPolicyGetDecodesJSONColumns(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "description", "effect", "priority",
		"actions", "resources", "conditions", "applies_to_roles",
		"applies_to_departments", "applies_to_users",
		"effective_from", "effective_until", "requires_mfa",
		"active", "deactivated_at", "deleted_at", "created_at", "updated_at",
	}).AddRow(
		"pol-1", "tenant-1", "deny-after-hours", "", "deny", 80,
		[]byte(`["view"]`), []byte(`["clinical.*"]`),
		[]byte(`[{"attribute":"risk_score","operator":"gt","value":70}]`),
		[]byte(`["nurse"]`), []byte(`[]`), []byte(`[]`),
		nil, nil, false, true, nil, nil, created, created,
	)
	mock.ExpectQuery("select.*from policies").
		WithArgs("tenant-1", "pol-1").
		WillReturnRows(rows)

	p, err := store.Policies().Get(context.Background(), "tenant-1", "pol-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Effect != policy.EffectDeny || p.Priority != 80 {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if len(p.Actions) != 1 || p.Actions[0] != "view" {
		t.Fatalf("actions not decoded: %v", p.Actions)
	}
	if len(p.Conditions) != 1 || p.Conditions[0].Attribute != "risk_score" {
		t.Fatalf("conditions not decoded: %+v", p.Conditions)
	}
	if len(p.AppliesToRoles) != 1 || p.AppliesToRoles[0] != "nurse" {
		t.Fatalf("role list not decoded: %v", p.AppliesToRoles)
	}
}

func TestSetPrimaryDeviceSwapsInOneTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update devices set is_primary = false").
		WithArgs("tenant-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update devices set is_primary = true").
		WithArgs("tenant-1", "user-1", "device-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Sessions().SetPrimaryDevice(context.Background(), "tenant-1", "user-1", "device-2")
	if err != nil {
		t.Fatalf("SetPrimaryDevice: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetPrimaryDeviceUnknownDeviceRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update devices set is_primary = false").
		WithArgs("tenant-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update devices set is_primary = true").
		WithArgs("tenant-1", "user-1", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Sessions().SetPrimaryDevice(context.Background(), "tenant-1", "user-1", "ghost")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTerminateSessionAlreadyTerminated(t *testing.T) {
	store, mock := newMockStore(t)

	at := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	mock.ExpectExec("update sessions").
		WithArgs("tenant-1", "sess-1", "manual", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Sessions().TerminateSession(context.Background(), "tenant-1", "sess-1", "manual", at)
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpireSessionsReturnsCount(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("update sessions").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.Sessions().ExpireSessions(context.Background(), now)
	if err != nil {
		t.Fatalf("ExpireSessions: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 expired sessions, got %d", n)
	}
}
