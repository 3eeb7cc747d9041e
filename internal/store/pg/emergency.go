package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"curamed.org/internal/emergency"
	"curamed.org/internal/ids"
)

// EmergencyStore is the break-glass view of the pool. All transitions are
// conditional updates keyed on the expected current status so concurrent
// actors cannot overwrite each other.
type EmergencyStore struct {
	db *sql.DB
}

const grantColumns = `
	id, tenant_id, requester_id, reason, type, coalesce(patient_id, ''),
	permissions, duration_minutes, status, requested_at,
	coalesce(approver_id, ''), approved_at, expires_at,
	coalesce(rejected_by, ''), coalesce(rejection_reason, ''),
	revoked_at, coalesce(revoked_by, ''),
	coalesce(review_status, ''), coalesce(reviewer_id, ''), coalesce(review_notes, '')`

func scanGrant(row interface{ Scan(...any) error }) (*emergency.Grant, error) {
	var g emergency.Grant
	var permissions []byte
	var approvedAt, expiresAt, revokedAt sql.NullTime
	err := row.Scan(
		&g.ID, &g.TenantID, &g.RequesterID, &g.Reason, &g.Type, &g.PatientID,
		&permissions, &g.DurationMinutes, &g.Status, &g.RequestedAt,
		&g.ApproverID, &approvedAt, &expiresAt,
		&g.RejectedBy, &g.RejectionReason,
		&revokedAt, &g.RevokedBy,
		&g.ReviewStatus, &g.ReviewerID, &g.ReviewNotes,
	)
	if err != nil {
		return nil, err
	}
	if len(permissions) > 0 {
		if err := json.Unmarshal(permissions, &g.Permissions); err != nil {
			return nil, fmt.Errorf("decode grant permissions: %w", err)
		}
	}
	g.ApprovedAt = timePtr(approvedAt)
	g.ExpiresAt = timePtr(expiresAt)
	g.RevokedAt = timePtr(revokedAt)
	return &g, nil
}

func (s *EmergencyStore) Create(ctx context.Context, g *emergency.Grant) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	permissions, err := json.Marshal(g.Permissions)
	if err != nil {
		return fmt.Errorf("encode grant permissions: %w", err)
	}
	g.ID = ids.New()
	_, err = s.db.ExecContext(ctx, `
		insert into emergency_grants
			(id, tenant_id, requester_id, reason, type, patient_id,
			 permissions, duration_minutes, status, requested_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, g.ID, g.TenantID, g.RequesterID, g.Reason, string(g.Type), nullIfEmpty(g.PatientID),
		permissions, g.DurationMinutes, string(g.Status), g.RequestedAt)
	return err
}

func (s *EmergencyStore) Get(ctx context.Context, tenantID, id string) (*emergency.Grant, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+grantColumns+`
		from emergency_grants
		where tenant_id = $1 and id = $2
	`, tenantID, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, emergency.ErrNotFound
	}
	return g, err
}

func (s *EmergencyStore) List(ctx context.Context, tenantID string, status emergency.Status) ([]*emergency.Grant, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	query := `
		select ` + grantColumns + `
		from emergency_grants
		where tenant_id = $1`
	args := []any{tenantID}
	if status != "" {
		query += ` and status = $2`
		args = append(args, string(status))
	}
	query += ` order by requested_at desc`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []*emergency.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

// transition runs a conditional update; zero affected rows re-reads the
// current status and returns *InvalidStateError.
func (s *EmergencyStore) transition(ctx context.Context, op, tenantID, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, `
		select status from emergency_grants where tenant_id = $1 and id = $2
	`, tenantID, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return emergency.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &emergency.InvalidStateError{Op: op, Current: emergency.Status(current)}
}

func (s *EmergencyStore) MarkApproved(ctx context.Context, tenantID, id, approverID string, approvedAt, expiresAt time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.transition(ctx, "approve", tenantID, id, `
		update emergency_grants
		set status = 'approved', approver_id = $3, approved_at = $4, expires_at = $5
		where tenant_id = $1 and id = $2 and status = 'pending'
	`, tenantID, id, approverID, approvedAt, expiresAt)
}

func (s *EmergencyStore) MarkRejected(ctx context.Context, tenantID, id, rejectedBy, reason string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.transition(ctx, "reject", tenantID, id, `
		update emergency_grants
		set status = 'rejected', rejected_by = $3, rejection_reason = $4
		where tenant_id = $1 and id = $2 and status = 'pending'
	`, tenantID, id, rejectedBy, reason)
}

func (s *EmergencyStore) MarkRevoked(ctx context.Context, tenantID, id, revokedBy string, revokedAt time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.transition(ctx, "revoke", tenantID, id, `
		update emergency_grants
		set status = 'revoked', revoked_by = $3, revoked_at = $4
		where tenant_id = $1 and id = $2 and status = 'approved'
	`, tenantID, id, revokedBy, revokedAt)
}

func (s *EmergencyStore) MarkExpiredBatch(ctx context.Context, now time.Time) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		update emergency_grants
		set status = 'expired'
		where status = 'approved' and expires_at < $1
		returning id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *EmergencyStore) AttachReview(ctx context.Context, tenantID, id, reviewerID string, status emergency.ReviewStatus, notes string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	// Review attaches to live grants too; it never touches status or expiry.
	return s.transition(ctx, "review", tenantID, id, `
		update emergency_grants
		set review_status = $3, reviewer_id = $4, review_notes = $5
		where tenant_id = $1 and id = $2 and status in ('approved', 'expired', 'revoked')
	`, tenantID, id, string(status), reviewerID, nullIfEmpty(notes))
}

func (s *EmergencyStore) ActiveGrant(ctx context.Context, tenantID, userID, code string, now time.Time) (*emergency.Grant, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+grantColumns+`
		from emergency_grants
		where tenant_id = $1 and requester_id = $2
		  and status = 'approved' and expires_at > $3
		order by approved_at desc
	`, tenantID, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		if g.Covers(code) {
			return g, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, emergency.ErrNotFound
}
