// Package session tracks user devices and login sessions: device trust
// levels, primary-device selection, session lifecycle and suspicious
// activity detection.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrInvalidInput  = errors.New("session: invalid input")
	ErrNotFound      = errors.New("session: not found")
	ErrConflict      = errors.New("session: resource conflict")
	ErrDeviceBlocked = errors.New("session: device is blocked")
	ErrTerminated    = errors.New("session: session is not active")
)

// TrustLevel orders how much a device is trusted.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustTrusted   TrustLevel = "trusted"
	TrustVerified  TrustLevel = "verified"
)

// ParseTrustLevel validates a trust level string.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch TrustLevel(s) {
	case TrustUntrusted, TrustTrusted, TrustVerified:
		return TrustLevel(s), nil
	}
	return "", errors.New("session: unknown trust level")
}

// DeviceStatus is active or blocked.
type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceBlocked DeviceStatus = "blocked"
)

// Device is a registered client endpoint for one user.
type Device struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	UserID      string       `json:"user_id"`
	Name        string       `json:"name"`
	Type        string       `json:"type,omitempty"`
	OS          string       `json:"os,omitempty"`
	Browser     string       `json:"browser,omitempty"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	TrustLevel  TrustLevel   `json:"trust_level"`
	Status      DeviceStatus `json:"status"`
	IsPrimary   bool         `json:"is_primary"`
	CreatedAt   time.Time    `json:"created_at"`
	LastSeenAt  *time.Time   `json:"last_seen_at,omitempty"`
}

// SessionStatus is active or terminated.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionTerminated SessionStatus = "terminated"
)

// Session is one login on one device. The raw token is never stored, only
// its sha256 digest.
type Session struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenant_id"`
	UserID           string        `json:"user_id"`
	DeviceID         string        `json:"device_id"`
	TokenDigest      string        `json:"-"`
	IP               string        `json:"ip,omitempty"`
	Location         string        `json:"location,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	LastActivityAt   time.Time     `json:"last_activity_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	Status           SessionStatus `json:"status"`
	TerminatedReason string        `json:"terminated_reason,omitempty"`
}

// Alive reports whether the session still authorizes requests.
func (s *Session) Alive(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.ExpiresAt)
}

// DigestToken hashes a bearer token for storage and lookup.
func DigestToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Store is the persistence contract for devices and sessions.
type Store interface {
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error)
	ListDevices(ctx context.Context, tenantID, userID string) ([]*Device, error)
	UpdateDeviceTrust(ctx context.Context, tenantID, deviceID string, level TrustLevel) error
	UpdateDeviceStatus(ctx context.Context, tenantID, deviceID string, status DeviceStatus) error
	// SetPrimaryDevice clears the user's previous primary and sets the new
	// one in a single transaction.
	SetPrimaryDevice(ctx context.Context, tenantID, userID, deviceID string) error

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, tenantID, userID string) ([]*Session, error)
	// TerminateSession flips an active session; unknown ids return ErrNotFound.
	TerminateSession(ctx context.Context, tenantID, sessionID, reason string, at time.Time) error
	TerminateUserSessions(ctx context.Context, tenantID, userID, exceptSessionID, reason string, at time.Time) (int, error)
	// ExpireSessions terminates active sessions past expiry; returns count.
	ExpireSessions(ctx context.Context, now time.Time) (int, error)
	TouchSession(ctx context.Context, tenantID, sessionID string, at time.Time) error
	UpdateSessionNetwork(ctx context.Context, tenantID, sessionID, ip, location string) error
}
