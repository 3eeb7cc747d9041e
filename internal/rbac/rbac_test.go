package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"curamed.org/internal/lifecycle"
)

type fakeStore struct {
	nextID      int
	roles       map[string]*Role
	edges       map[string]map[string]struct{}
	assignments []*Assignment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles: make(map[string]*Role),
		edges: make(map[string]map[string]struct{}),
	}
}

func (f *fakeStore) CreateRole(_ context.Context, role *Role) error {
	for _, existing := range f.roles {
		if existing.TenantID == role.TenantID && existing.Name == role.Name {
			return ErrConflict
		}
	}
	f.nextID++
	role.ID = fmt.Sprintf("role-%d", f.nextID)
	copied := *role
	f.roles[role.ID] = &copied
	f.edges[role.ID] = make(map[string]struct{})
	return nil
}

func (f *fakeStore) GetRole(_ context.Context, tenantID, roleID string) (*Role, error) {
	role, ok := f.roles[roleID]
	if !ok || role.TenantID != tenantID || !role.Lifecycle.Visible() {
		return nil, ErrNotFound
	}
	copied := *role
	return &copied, nil
}

func (f *fakeStore) ListRoles(_ context.Context, tenantID string) ([]*Role, error) {
	var result []*Role
	for _, role := range f.roles {
		if role.TenantID == tenantID && role.Lifecycle.Visible() {
			copied := *role
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (f *fakeStore) SetPermissions(_ context.Context, tenantID, roleID string, codes []string) error {
	role, ok := f.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return ErrNotFound
	}
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	f.edges[roleID] = set
	return nil
}

func (f *fakeStore) RemovePermissions(_ context.Context, tenantID, roleID string, codes []string) error {
	role, ok := f.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return ErrNotFound
	}
	for _, c := range codes {
		delete(f.edges[roleID], c)
	}
	return nil
}

func (f *fakeStore) RolePermissions(_ context.Context, tenantID, roleID string) ([]string, error) {
	role, ok := f.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return nil, ErrNotFound
	}
	var codes []string
	for c := range f.edges[roleID] {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes, nil
}

func (f *fakeStore) CloneRole(ctx context.Context, tenantID, sourceRoleID string, clone *Role) error {
	source, ok := f.roles[sourceRoleID]
	if !ok || source.TenantID != tenantID {
		return ErrNotFound
	}
	if err := f.CreateRole(ctx, clone); err != nil {
		return err
	}
	for c := range f.edges[sourceRoleID] {
		f.edges[clone.ID][c] = struct{}{}
	}
	return nil
}

func (f *fakeStore) Assign(_ context.Context, a *Assignment) error {
	for _, existing := range f.assignments {
		if existing.TenantID == a.TenantID && existing.UserID == a.UserID &&
			existing.RoleID == a.RoleID && existing.BranchID == a.BranchID && existing.Active {
			return ErrConflict
		}
	}
	copied := *a
	f.assignments = append(f.assignments, &copied)
	return nil
}

func (f *fakeStore) Unassign(_ context.Context, tenantID, userID, roleID, branchID string) error {
	for _, a := range f.assignments {
		if a.TenantID == tenantID && a.UserID == userID && a.RoleID == roleID && a.BranchID == branchID && a.Active {
			a.Active = false
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeStore) Assignments(_ context.Context, tenantID, userID string) ([]*Assignment, error) {
	var result []*Assignment
	for _, a := range f.assignments {
		if a.TenantID == tenantID && a.UserID == userID && a.Active {
			copied := *a
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (f *fakeStore) EffectivePermissions(_ context.Context, tenantID, userID, branchID string) ([]string, error) {
	union := make(map[string]struct{})
	for _, a := range f.assignments {
		if a.TenantID != tenantID || a.UserID != userID || !a.Active {
			continue
		}
		if a.BranchID != "" && a.BranchID != branchID {
			continue
		}
		role, ok := f.roles[a.RoleID]
		if !ok || !role.Lifecycle.Visible() {
			continue
		}
		for c := range f.edges[a.RoleID] {
			union[c] = struct{}{}
		}
	}
	var codes []string
	for c := range union {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes, nil
}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	svc, err := NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc.WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	}), store
}

func TestSetPermissionsReplacesSet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "tenant-a", "nurse", "ward nurses")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.SetPermissions(ctx, "tenant-a", role.ID, []string{
		"clinical.patient_record.view.branch",
		"clinical.patient_record.update.branch",
	}); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}

	// Second call replaces, never appends.
	if err := svc.SetPermissions(ctx, "tenant-a", role.ID, []string{
		"clinical.lab_result.view.branch",
	}); err != nil {
		t.Fatalf("SetPermissions replace: %v", err)
	}
	codes, err := svc.RolePermissions(ctx, "tenant-a", role.ID)
	if err != nil {
		t.Fatalf("RolePermissions: %v", err)
	}
	if len(codes) != 1 || codes[0] != "clinical.lab_result.view.branch" {
		t.Fatalf("expected replaced set, got %v", codes)
	}
}

func TestRemovePermissionsSubtracts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "tenant-a", "physician", "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.SetPermissions(ctx, "tenant-a", role.ID, []string{
		"clinical.patient_record.view.tenant",
		"clinical.prescription.create.tenant",
	}); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	if err := svc.RemovePermissions(ctx, "tenant-a", role.ID, []string{
		"clinical.prescription.create.tenant",
	}); err != nil {
		t.Fatalf("RemovePermissions: %v", err)
	}
	codes, err := svc.RolePermissions(ctx, "tenant-a", role.ID)
	if err != nil {
		t.Fatalf("RolePermissions: %v", err)
	}
	if len(codes) != 1 || codes[0] != "clinical.patient_record.view.tenant" {
		t.Fatalf("expected subtracted set, got %v", codes)
	}

	if err := svc.RemovePermissions(ctx, "tenant-a", role.ID, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty codes, got %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	source, err := svc.CreateRole(ctx, "tenant-a", "auditor", "read-only")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.SetPermissions(ctx, "tenant-a", source.ID, []string{
		"admin.audit_log.view.tenant",
	}); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}

	clone, err := svc.Clone(ctx, "tenant-a", source.ID, "senior auditor")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if clone.ID == source.ID {
		t.Fatal("clone must get its own id")
	}
	if !clone.Lifecycle.Visible() {
		t.Fatal("clone must start active")
	}

	// Mutating the source must not touch the clone.
	if err := svc.SetPermissions(ctx, "tenant-a", source.ID, nil); err != nil {
		t.Fatalf("SetPermissions clear source: %v", err)
	}
	codes, err := svc.RolePermissions(ctx, "tenant-a", clone.ID)
	if err != nil {
		t.Fatalf("RolePermissions clone: %v", err)
	}
	if len(codes) != 1 || codes[0] != "admin.audit_log.view.tenant" {
		t.Fatalf("clone edges changed with source: %v", codes)
	}
	if len(store.edges[source.ID]) != 0 {
		t.Fatalf("source edges expected empty, got %v", store.edges[source.ID])
	}
}

func TestAssignUniquePerBranch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "tenant-a", "nurse", "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := svc.Assign(ctx, "tenant-a", "user-1", role.ID, "branch-1", "admin-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := svc.Assign(ctx, "tenant-a", "user-1", role.ID, "branch-1", "admin-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate assignment, got %v", err)
	}
	// Same role in a different branch is a distinct assignment.
	if _, err := svc.Assign(ctx, "tenant-a", "user-1", role.ID, "branch-2", "admin-1"); err != nil {
		t.Fatalf("Assign other branch: %v", err)
	}

	if err := svc.Unassign(ctx, "tenant-a", "user-1", role.ID, "branch-1"); err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	assignments, err := svc.Assignments(ctx, "tenant-a", "user-1")
	if err != nil {
		t.Fatalf("Assignments: %v", err)
	}
	if len(assignments) != 1 || assignments[0].BranchID != "branch-2" {
		t.Fatalf("expected only branch-2 assignment, got %+v", assignments)
	}
}

func TestEffectivePermissionsUnionAndBranchScope(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	nurse, err := svc.CreateRole(ctx, "tenant-a", "nurse", "")
	if err != nil {
		t.Fatalf("CreateRole nurse: %v", err)
	}
	scheduler, err := svc.CreateRole(ctx, "tenant-a", "scheduler", "")
	if err != nil {
		t.Fatalf("CreateRole scheduler: %v", err)
	}
	if err := svc.SetPermissions(ctx, "tenant-a", nurse.ID, []string{
		"clinical.patient_record.view.branch",
		"clinical.vitals.record.branch",
	}); err != nil {
		t.Fatalf("SetPermissions nurse: %v", err)
	}
	if err := svc.SetPermissions(ctx, "tenant-a", scheduler.ID, []string{
		"scheduling.appointment.create.tenant",
		"clinical.patient_record.view.branch",
	}); err != nil {
		t.Fatalf("SetPermissions scheduler: %v", err)
	}

	// Nurse role only in branch-1; scheduler role tenant-wide.
	if _, err := svc.Assign(ctx, "tenant-a", "user-1", nurse.ID, "branch-1", ""); err != nil {
		t.Fatalf("Assign nurse: %v", err)
	}
	if _, err := svc.Assign(ctx, "tenant-a", "user-1", scheduler.ID, "", ""); err != nil {
		t.Fatalf("Assign scheduler: %v", err)
	}

	got, err := svc.EffectivePermissions(ctx, "tenant-a", "user-1", "branch-1")
	if err != nil {
		t.Fatalf("EffectivePermissions branch-1: %v", err)
	}
	want := []string{
		"clinical.patient_record.view.branch",
		"clinical.vitals.record.branch",
		"scheduling.appointment.create.tenant",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	// From branch-2 the nurse assignment is out of scope.
	got, err = svc.EffectivePermissions(ctx, "tenant-a", "user-1", "branch-2")
	if err != nil {
		t.Fatalf("EffectivePermissions branch-2: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected tenant-wide union only, got %v", got)
	}

	// A deactivated role contributes nothing.
	store.roles[scheduler.ID].Lifecycle = lifecycle.Lifecycle{}
	got, err = svc.EffectivePermissions(ctx, "tenant-a", "user-1", "branch-1")
	if err != nil {
		t.Fatalf("EffectivePermissions after deactivate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected nurse codes only, got %v", got)
	}
}
