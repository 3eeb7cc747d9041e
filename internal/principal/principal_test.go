package principal

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	t.Setenv("CURAMED_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	defer ResetSecretForTests()

	mfaAt := time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Second)
	src := Principal{
		TenantID:    "tenant-1",
		UserID:      "user-42",
		Roles:       []string{"Admin", "nurse", "admin"},
		Departments: []string{"Cardiology"},
		DeviceID:    "dev-1",
		SessionID:   "sess-1",
		BranchID:    "branch-9",
		MFAAt:       mfaAt,
	}

	token, err := GenerateToken(src, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	got, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if got.TenantID != "tenant-1" || got.UserID != "user-42" {
		t.Fatalf("identity not preserved: %+v", got)
	}
	if len(got.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", got.Roles)
	}
	if !got.HasRole("admin") || !got.HasRole("nurse") {
		t.Fatalf("roles were not preserved: %v", got.Roles)
	}
	if got.SessionID != "sess-1" || got.DeviceID != "dev-1" || got.BranchID != "branch-9" {
		t.Fatalf("session claims not preserved: %+v", got)
	}
	if !got.MFAAt.Equal(mfaAt) {
		t.Fatalf("mfa timestamp not preserved: got %v want %v", got.MFAAt, mfaAt)
	}
}

func TestParseRejectsTokenWithoutTenant(t *testing.T) {
	t.Setenv("CURAMED_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	defer ResetSecretForTests()

	_, err := GenerateToken(Principal{UserID: "user-1"}, time.Minute)
	if err == nil {
		t.Fatal("expected error for principal without tenant")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), Principal{TenantID: "t1", UserID: "u1"})
	got, ok := FromContext(ctx)
	if !ok || got.TenantID != "t1" || got.UserID != "u1" {
		t.Fatalf("unexpected principal: %+v ok=%v", got, ok)
	}

	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context must not yield a principal")
	}
}

func TestMFAFresh(t *testing.T) {
	now := time.Now()
	p := Principal{MFAAt: now.Add(-3 * time.Minute)}
	if !p.MFAFresh(now, 5*time.Minute) {
		t.Fatal("mfa within window should be fresh")
	}
	if p.MFAFresh(now, time.Minute) {
		t.Fatal("mfa outside window should be stale")
	}
	if (Principal{}).MFAFresh(now, time.Hour) {
		t.Fatal("zero mfa timestamp is never fresh")
	}
}

func TestCanApproveEmergency(t *testing.T) {
	if !(Principal{Roles: []string{"Supervisor"}}).CanApproveEmergency() {
		t.Fatal("supervisor should approve")
	}
	if (Principal{Roles: []string{"nurse"}}).CanApproveEmergency() {
		t.Fatal("nurse must not approve")
	}
}
