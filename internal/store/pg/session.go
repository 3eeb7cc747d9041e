package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"curamed.org/internal/ids"
	"curamed.org/internal/session"
)

// SessionStore is the device-and-session view of the pool.
type SessionStore struct {
	db *sql.DB
}

const deviceColumns = `
	id, tenant_id, user_id, name, coalesce(type, ''), coalesce(os, ''),
	coalesce(browser, ''), coalesce(fingerprint, ''), trust_level, status,
	is_primary, created_at, last_seen_at`

func scanDevice(row interface{ Scan(...any) error }) (*session.Device, error) {
	var d session.Device
	var lastSeen sql.NullTime
	err := row.Scan(
		&d.ID, &d.TenantID, &d.UserID, &d.Name, &d.Type, &d.OS,
		&d.Browser, &d.Fingerprint, &d.TrustLevel, &d.Status,
		&d.IsPrimary, &d.CreatedAt, &lastSeen,
	)
	if err != nil {
		return nil, err
	}
	d.LastSeenAt = timePtr(lastSeen)
	return &d, nil
}

const sessionColumns = `
	id, tenant_id, user_id, device_id, token_digest, coalesce(ip, ''),
	coalesce(location, ''), created_at, last_activity_at, expires_at,
	status, coalesce(terminated_reason, '')`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var s session.Session
	err := row.Scan(
		&s.ID, &s.TenantID, &s.UserID, &s.DeviceID, &s.TokenDigest, &s.IP,
		&s.Location, &s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt,
		&s.Status, &s.TerminatedReason,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *SessionStore) CreateDevice(ctx context.Context, d *session.Device) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	d.ID = ids.New()
	_, err := s.db.ExecContext(ctx, `
		insert into devices
			(id, tenant_id, user_id, name, type, os, browser, fingerprint,
			 trust_level, status, is_primary, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11)
	`, d.ID, d.TenantID, d.UserID, d.Name, nullIfEmpty(d.Type), nullIfEmpty(d.OS),
		nullIfEmpty(d.Browser), nullIfEmpty(d.Fingerprint),
		string(d.TrustLevel), string(d.Status), d.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return session.ErrConflict
		}
		return err
	}
	return nil
}

func (s *SessionStore) GetDevice(ctx context.Context, tenantID, deviceID string) (*session.Device, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+deviceColumns+`
		from devices
		where tenant_id = $1 and id = $2
	`, tenantID, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return d, err
}

func (s *SessionStore) ListDevices(ctx context.Context, tenantID, userID string) ([]*session.Device, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+deviceColumns+`
		from devices
		where tenant_id = $1 and user_id = $2
		order by created_at
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*session.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *SessionStore) UpdateDeviceTrust(ctx context.Context, tenantID, deviceID string, level session.TrustLevel) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update devices set trust_level = $3 where tenant_id = $1 and id = $2
	`, tenantID, deviceID, string(level))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *SessionStore) UpdateDeviceStatus(ctx context.Context, tenantID, deviceID string, status session.DeviceStatus) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update devices set status = $3 where tenant_id = $1 and id = $2
	`, tenantID, deviceID, string(status))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *SessionStore) SetPrimaryDevice(ctx context.Context, tenantID, userID, deviceID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update devices set is_primary = false
		where tenant_id = $1 and user_id = $2 and is_primary
	`, tenantID, userID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		update devices set is_primary = true
		where tenant_id = $1 and user_id = $2 and id = $3
	`, tenantID, userID, deviceID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return session.ErrNotFound
	}
	return tx.Commit()
}

func (s *SessionStore) CreateSession(ctx context.Context, sess *session.Session) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	sess.ID = ids.New()
	_, err := s.db.ExecContext(ctx, `
		insert into sessions
			(id, tenant_id, user_id, device_id, token_digest, ip, location,
			 created_at, last_activity_at, expires_at, status)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sess.ID, sess.TenantID, sess.UserID, sess.DeviceID, sess.TokenDigest,
		nullIfEmpty(sess.IP), nullIfEmpty(sess.Location),
		sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt, string(sess.Status))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return session.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, tenantID, sessionID string) (*session.Session, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where tenant_id = $1 and id = $2
	`, tenantID, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return sess, err
}

func (s *SessionStore) ListSessions(ctx context.Context, tenantID, userID string) ([]*session.Session, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where tenant_id = $1 and user_id = $2
		order by created_at desc
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *SessionStore) TerminateSession(ctx context.Context, tenantID, sessionID, reason string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set status = 'terminated', terminated_reason = $3, last_activity_at = $4
		where tenant_id = $1 and id = $2 and status = 'active'
	`, tenantID, sessionID, reason, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *SessionStore) TerminateUserSessions(ctx context.Context, tenantID, userID, exceptSessionID, reason string, at time.Time) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set status = 'terminated', terminated_reason = $4, last_activity_at = $5
		where tenant_id = $1 and user_id = $2 and id <> $3 and status = 'active'
	`, tenantID, userID, exceptSessionID, reason, at)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (s *SessionStore) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set status = 'terminated', terminated_reason = 'expired'
		where status = 'active' and expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (s *SessionStore) TouchSession(ctx context.Context, tenantID, sessionID string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set last_activity_at = $3
		where tenant_id = $1 and id = $2 and status = 'active'
	`, tenantID, sessionID, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *SessionStore) UpdateSessionNetwork(ctx context.Context, tenantID, sessionID, ip, location string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set ip = $3, location = $4
		where tenant_id = $1 and id = $2
	`, tenantID, sessionID, nullIfEmpty(ip), nullIfEmpty(location))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return session.ErrNotFound
	}
	return nil
}
