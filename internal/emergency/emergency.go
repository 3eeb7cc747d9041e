// Package emergency implements time-bounded break-glass access: a requester
// asks for elevated permissions, an approver grants them for a fixed
// duration, and every grant is auto-revoked at expiry and reviewed after
// the fact.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"curamed.org/internal/audit"
	"curamed.org/internal/principal"
)

var (
	ErrInvalidInput = errors.New("emergency: invalid input")
	ErrNotFound     = errors.New("emergency: not found")
	ErrForbidden    = errors.New("emergency: not authorized")
)

// ErrInvalidState marks transitions attempted from the wrong status.
var ErrInvalidState = errors.New("emergency: invalid state")

// InvalidStateError reports the status that blocked a transition.
type InvalidStateError struct {
	Op      string
	Current Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("emergency: cannot %s grant in status %q", e.Op, e.Current)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// Status is a grant's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusRevoked  Status = "revoked"
	StatusExpired  Status = "expired"
)

// Type classifies why break-glass access was requested.
type Type string

const (
	TypePatientEmergency Type = "patient_emergency"
	TypeSystemOutage     Type = "system_outage"
	TypeOther            Type = "other"
)

// ReviewStatus is the post-hoc audit outcome. It never changes whether the
// grant was valid while live.
type ReviewStatus string

const (
	ReviewJustified   ReviewStatus = "justified"
	ReviewUnjustified ReviewStatus = "unjustified"
)

// Grant is one break-glass request and its full history.
type Grant struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	RequesterID     string       `json:"requester_id"`
	Reason          string       `json:"reason"`
	Type            Type         `json:"type"`
	PatientID       string       `json:"patient_id,omitempty"`
	Permissions     []string     `json:"permissions"`
	DurationMinutes int          `json:"duration_minutes"`
	Status          Status       `json:"status"`
	RequestedAt     time.Time    `json:"requested_at"`
	ApproverID      string       `json:"approver_id,omitempty"`
	ApprovedAt      *time.Time   `json:"approved_at,omitempty"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	RejectedBy      string       `json:"rejected_by,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	RevokedAt       *time.Time   `json:"revoked_at,omitempty"`
	RevokedBy       string       `json:"revoked_by,omitempty"`
	ReviewStatus    ReviewStatus `json:"review_status,omitempty"`
	ReviewerID      string       `json:"reviewer_id,omitempty"`
	ReviewNotes     string       `json:"review_notes,omitempty"`
}

// Live reports whether the grant authorizes access right now. Status is
// always re-read before this is consulted.
func (g *Grant) Live(now time.Time) bool {
	return g.Status == StatusApproved && g.ExpiresAt != nil && now.Before(*g.ExpiresAt)
}

// Covers reports whether the grant's permission list includes the code.
// A grant holding "*" covers everything; the trailing scope segment of a
// granted code is ignored so "a.b.view.tenant" covers a check for "a.b.view".
func (g *Grant) Covers(code string) bool {
	for _, p := range g.Permissions {
		if p == "*" || p == code {
			return true
		}
		if i := strings.LastIndex(p, "."); i > 0 && p[:i] == code {
			return true
		}
	}
	return false
}

const (
	minDurationMinutes = 5
	maxDurationMinutes = 240
)

// Store is the persistence contract. Transition methods use conditional
// updates keyed on the expected current status and return
// *InvalidStateError when the row has moved on.
type Store interface {
	Create(ctx context.Context, g *Grant) error
	Get(ctx context.Context, tenantID, id string) (*Grant, error)
	List(ctx context.Context, tenantID string, status Status) ([]*Grant, error)

	MarkApproved(ctx context.Context, tenantID, id, approverID string, approvedAt, expiresAt time.Time) error
	MarkRejected(ctx context.Context, tenantID, id, rejectedBy, reason string) error
	MarkRevoked(ctx context.Context, tenantID, id, revokedBy string, revokedAt time.Time) error
	// MarkExpiredBatch flips every approved grant past expiry and returns the
	// affected ids. Safe to run from multiple workers.
	MarkExpiredBatch(ctx context.Context, now time.Time) ([]string, error)
	AttachReview(ctx context.Context, tenantID, id, reviewerID string, status ReviewStatus, notes string) error

	// ActiveGrant returns the newest live grant covering the permission code,
	// or ErrNotFound.
	ActiveGrant(ctx context.Context, tenantID, userID, code string, now time.Time) (*Grant, error)
}

// Service runs the grant state machine.
type Service struct {
	store    Store
	recorder *audit.Recorder
	now      func() time.Time
}

func NewService(store Store, recorder *audit.Recorder) (*Service, error) {
	if store == nil {
		return nil, errors.New("emergency: store is required")
	}
	return &Service{store: store, recorder: recorder, now: time.Now}, nil
}

// WithClock overrides the time source. Test use only.
func (s *Service) WithClock(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// RequestInput carries a new break-glass request.
type RequestInput struct {
	Reason          string
	Type            Type
	PatientID       string
	Permissions     []string
	DurationMinutes int
}

// Request files a new pending grant for the calling principal.
func (s *Service) Request(ctx context.Context, p principal.Principal, in RequestInput) (*Grant, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if p.TenantID == "" || p.UserID == "" {
		return nil, fmt.Errorf("%w: tenant and requester are required", ErrInvalidInput)
	}
	if in.Reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	if len(in.Permissions) == 0 {
		return nil, fmt.Errorf("%w: at least one permission is required", ErrInvalidInput)
	}
	if in.DurationMinutes < minDurationMinutes || in.DurationMinutes > maxDurationMinutes {
		return nil, fmt.Errorf("%w: duration must be %d..%d minutes", ErrInvalidInput, minDurationMinutes, maxDurationMinutes)
	}
	switch in.Type {
	case TypePatientEmergency, TypeSystemOutage, TypeOther:
	case "":
		in.Type = TypeOther
	default:
		return nil, fmt.Errorf("%w: unknown grant type %q", ErrInvalidInput, in.Type)
	}

	g := &Grant{
		TenantID:        p.TenantID,
		RequesterID:     p.UserID,
		Reason:          in.Reason,
		Type:            in.Type,
		PatientID:       strings.TrimSpace(in.PatientID),
		Permissions:     in.Permissions,
		DurationMinutes: in.DurationMinutes,
		Status:          StatusPending,
		RequestedAt:     s.now().UTC(),
	}
	if err := s.store.Create(ctx, g); err != nil {
		return nil, err
	}
	s.record(ctx, "emergency.requested", g, nil)
	return g, nil
}

// Approve moves a pending grant to approved and starts the clock. The
// approver must hold an approver role and may not approve their own request.
func (s *Service) Approve(ctx context.Context, p principal.Principal, tenantID, id string) (*Grant, error) {
	g, err := s.loadForTransition(ctx, p, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !p.CanApproveEmergency() {
		return nil, fmt.Errorf("%w: approver role required", ErrForbidden)
	}
	if g.RequesterID == p.UserID {
		return nil, fmt.Errorf("%w: cannot approve own request", ErrForbidden)
	}
	now := s.now().UTC()
	expires := now.Add(time.Duration(g.DurationMinutes) * time.Minute)
	if err := s.store.MarkApproved(ctx, tenantID, id, p.UserID, now, expires); err != nil {
		return nil, err
	}
	g.Status = StatusApproved
	g.ApproverID = p.UserID
	g.ApprovedAt = &now
	g.ExpiresAt = &expires
	s.record(ctx, "emergency.approved", g, map[string]string{"expires_at": expires.Format(time.RFC3339)})
	return g, nil
}

// Reject closes a pending grant without access.
func (s *Service) Reject(ctx context.Context, p principal.Principal, tenantID, id, reason string) (*Grant, error) {
	g, err := s.loadForTransition(ctx, p, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !p.CanApproveEmergency() {
		return nil, fmt.Errorf("%w: approver role required", ErrForbidden)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", ErrInvalidInput)
	}
	if err := s.store.MarkRejected(ctx, tenantID, id, p.UserID, reason); err != nil {
		return nil, err
	}
	g.Status = StatusRejected
	g.RejectedBy = p.UserID
	g.RejectionReason = reason
	s.record(ctx, "emergency.rejected", g, map[string]string{"reason": reason})
	return g, nil
}

// Revoke cuts an approved grant short.
func (s *Service) Revoke(ctx context.Context, p principal.Principal, tenantID, id string) (*Grant, error) {
	if tenantID == "" || id == "" {
		return nil, fmt.Errorf("%w: tenant_id and grant id are required", ErrInvalidInput)
	}
	if p.TenantID != tenantID {
		return nil, fmt.Errorf("%w: tenant mismatch", ErrForbidden)
	}
	if !p.CanApproveEmergency() {
		return nil, fmt.Errorf("%w: approver role required", ErrForbidden)
	}
	g, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.store.MarkRevoked(ctx, tenantID, id, p.UserID, now); err != nil {
		return nil, err
	}
	g.Status = StatusRevoked
	g.RevokedAt = &now
	g.RevokedBy = p.UserID
	s.record(ctx, "emergency.revoked", g, nil)
	return g, nil
}

// Review attaches the compliance verdict to an approved, expired or revoked
// grant. Review never alters the grant's status or access window.
func (s *Service) Review(ctx context.Context, p principal.Principal, tenantID, id string, status ReviewStatus, notes string) (*Grant, error) {
	if tenantID == "" || id == "" {
		return nil, fmt.Errorf("%w: tenant_id and grant id are required", ErrInvalidInput)
	}
	if p.TenantID != tenantID {
		return nil, fmt.Errorf("%w: tenant mismatch", ErrForbidden)
	}
	if !p.CanApproveEmergency() {
		return nil, fmt.Errorf("%w: approver role required", ErrForbidden)
	}
	switch status {
	case ReviewJustified, ReviewUnjustified:
	default:
		return nil, fmt.Errorf("%w: unknown review status %q", ErrInvalidInput, status)
	}
	if err := s.store.AttachReview(ctx, tenantID, id, p.UserID, status, strings.TrimSpace(notes)); err != nil {
		return nil, err
	}
	g, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, "emergency.reviewed", g, map[string]string{"review_status": string(status)})
	return g, nil
}

// Get returns one grant.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*Grant, error) {
	if tenantID == "" || id == "" {
		return nil, fmt.Errorf("%w: tenant_id and grant id are required", ErrInvalidInput)
	}
	return s.store.Get(ctx, tenantID, id)
}

// List returns the tenant's grants, optionally filtered by status.
func (s *Service) List(ctx context.Context, tenantID string, status Status) ([]*Grant, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.List(ctx, tenantID, status)
}

// ActiveGrant returns the user's live grant covering the permission, or
// ErrNotFound. Callers get fresh state on every call.
func (s *Service) ActiveGrant(ctx context.Context, tenantID, userID, code string) (*Grant, error) {
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	return s.store.ActiveGrant(ctx, tenantID, userID, code, s.now().UTC())
}

// AutoRevokeExpired expires every approved grant past its deadline and
// returns the affected ids. Running it twice, or from two workers at once,
// expires each grant exactly once.
func (s *Service) AutoRevokeExpired(ctx context.Context) ([]string, error) {
	ids, err := s.store.MarkExpiredBatch(ctx, s.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		audit.LogEvent(ctx, "emergency.expired", map[string]any{"grant_id": id})
	}
	return ids, nil
}

func (s *Service) loadForTransition(ctx context.Context, p principal.Principal, tenantID, id string) (*Grant, error) {
	if tenantID == "" || id == "" {
		return nil, fmt.Errorf("%w: tenant_id and grant id are required", ErrInvalidInput)
	}
	if p.TenantID != tenantID {
		return nil, fmt.Errorf("%w: tenant mismatch", ErrForbidden)
	}
	return s.store.Get(ctx, tenantID, id)
}

func (s *Service) record(ctx context.Context, action string, g *Grant, meta map[string]string) {
	if s.recorder == nil {
		return
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta["status"] = string(g.Status)
	_ = s.recorder.Record(ctx, audit.Entry{
		TenantID:     g.TenantID,
		Action:       action,
		ResourceType: "emergency_grant",
		ResourceID:   g.ID,
		Decision:     string(g.Status),
		Mechanism:    "emergency",
		Metadata:     meta,
	})
}
