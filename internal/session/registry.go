package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"curamed.org/internal/audit"
)

// Registry orchestrates device and session operations over the store, with
// an optional Redis cache for hot session state.
type Registry struct {
	store    Store
	cache    *Cache
	recorder *audit.Recorder
	now      func() time.Time
	ttl      time.Duration
}

const defaultSessionTTL = 12 * time.Hour

func NewRegistry(store Store, cache *Cache, recorder *audit.Recorder) (*Registry, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	return &Registry{
		store:    store,
		cache:    cache,
		recorder: recorder,
		now:      time.Now,
		ttl:      defaultSessionTTL,
	}, nil
}

// WithClock overrides the time source. Test use only.
func (r *Registry) WithClock(fn func() time.Time) *Registry {
	if fn != nil {
		r.now = fn
	}
	return r
}

// WithSessionTTL overrides the session lifetime.
func (r *Registry) WithSessionTTL(ttl time.Duration) *Registry {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

// RegisterDeviceInput carries a new device registration.
type RegisterDeviceInput struct {
	Name        string
	Type        string
	OS          string
	Browser     string
	Fingerprint string
}

// RegisterDevice adds a device for the user. New devices start untrusted
// and non-primary.
func (r *Registry) RegisterDevice(ctx context.Context, tenantID, userID string, in RegisterDeviceInput) (*Device, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	in.Name = strings.TrimSpace(in.Name)
	if tenantID == "" || userID == "" || in.Name == "" {
		return nil, fmt.Errorf("%w: tenant_id, user_id and device name are required", ErrInvalidInput)
	}
	d := &Device{
		TenantID:    tenantID,
		UserID:      userID,
		Name:        in.Name,
		Type:        strings.TrimSpace(in.Type),
		OS:          strings.TrimSpace(in.OS),
		Browser:     strings.TrimSpace(in.Browser),
		Fingerprint: strings.TrimSpace(in.Fingerprint),
		TrustLevel:  TrustUntrusted,
		Status:      DeviceActive,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.CreateDevice(ctx, d); err != nil {
		return nil, err
	}
	r.record(ctx, "device.registered", tenantID, "device", d.ID, map[string]string{"name": d.Name})
	return d, nil
}

// GetDevice returns one device.
func (r *Registry) GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error) {
	if tenantID == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: tenant_id and device_id are required", ErrInvalidInput)
	}
	return r.store.GetDevice(ctx, tenantID, deviceID)
}

// ListDevices returns the user's devices.
func (r *Registry) ListDevices(ctx context.Context, tenantID, userID string) ([]*Device, error) {
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	return r.store.ListDevices(ctx, tenantID, userID)
}

// SetTrustLevel updates how much the device is trusted.
func (r *Registry) SetTrustLevel(ctx context.Context, tenantID, deviceID string, level TrustLevel) error {
	if tenantID == "" || deviceID == "" {
		return fmt.Errorf("%w: tenant_id and device_id are required", ErrInvalidInput)
	}
	if _, err := ParseTrustLevel(string(level)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := r.store.UpdateDeviceTrust(ctx, tenantID, deviceID, level); err != nil {
		return err
	}
	r.record(ctx, "device.trust_changed", tenantID, "device", deviceID, map[string]string{"trust_level": string(level)})
	return nil
}

// Block stops the device from opening new sessions and terminates its
// existing ones.
func (r *Registry) Block(ctx context.Context, tenantID, deviceID string) error {
	if tenantID == "" || deviceID == "" {
		return fmt.Errorf("%w: tenant_id and device_id are required", ErrInvalidInput)
	}
	d, err := r.store.GetDevice(ctx, tenantID, deviceID)
	if err != nil {
		return err
	}
	if err := r.store.UpdateDeviceStatus(ctx, tenantID, deviceID, DeviceBlocked); err != nil {
		return err
	}
	now := r.now().UTC()
	sessions, err := r.store.ListSessions(ctx, tenantID, d.UserID)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.DeviceID != deviceID || s.Status != SessionActive {
			continue
		}
		if err := r.store.TerminateSession(ctx, tenantID, s.ID, "device blocked", now); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		_ = r.cache.Drop(ctx, tenantID, s.ID)
	}
	r.record(ctx, "device.blocked", tenantID, "device", deviceID, nil)
	return nil
}

// Unblock lets the device open sessions again.
func (r *Registry) Unblock(ctx context.Context, tenantID, deviceID string) error {
	if tenantID == "" || deviceID == "" {
		return fmt.Errorf("%w: tenant_id and device_id are required", ErrInvalidInput)
	}
	if err := r.store.UpdateDeviceStatus(ctx, tenantID, deviceID, DeviceActive); err != nil {
		return err
	}
	r.record(ctx, "device.unblocked", tenantID, "device", deviceID, nil)
	return nil
}

// SetPrimary makes the device the user's primary, clearing the previous one
// atomically.
func (r *Registry) SetPrimary(ctx context.Context, tenantID, userID, deviceID string) error {
	if tenantID == "" || userID == "" || deviceID == "" {
		return fmt.Errorf("%w: tenant_id, user_id and device_id are required", ErrInvalidInput)
	}
	if err := r.store.SetPrimaryDevice(ctx, tenantID, userID, deviceID); err != nil {
		return err
	}
	r.record(ctx, "device.primary_changed", tenantID, "device", deviceID, nil)
	return nil
}

// CreateSession opens a session on a device. Blocked devices refuse with
// ErrDeviceBlocked. The returned token is shown once; only its digest is
// stored.
func (r *Registry) CreateSession(ctx context.Context, tenantID, userID, deviceID, ip, location string) (*Session, string, error) {
	if tenantID == "" || userID == "" || deviceID == "" {
		return nil, "", fmt.Errorf("%w: tenant_id, user_id and device_id are required", ErrInvalidInput)
	}
	d, err := r.store.GetDevice(ctx, tenantID, deviceID)
	if err != nil {
		return nil, "", err
	}
	if d.Status == DeviceBlocked {
		return nil, "", ErrDeviceBlocked
	}
	if d.UserID != userID {
		return nil, "", fmt.Errorf("%w: device belongs to another user", ErrInvalidInput)
	}

	token := uuid.NewString()
	now := r.now().UTC()
	s := &Session{
		TenantID:       tenantID,
		UserID:         userID,
		DeviceID:       deviceID,
		TokenDigest:    DigestToken(token),
		IP:             strings.TrimSpace(ip),
		Location:       strings.TrimSpace(location),
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(r.ttl),
		Status:         SessionActive,
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		return nil, "", err
	}
	_ = r.cache.PutSession(ctx, s)
	r.record(ctx, "session.created", tenantID, "session", s.ID, map[string]string{"device_id": deviceID})
	return s, token, nil
}

// GetSession returns one session, preferring the cache.
func (r *Registry) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	if tenantID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: tenant_id and session_id are required", ErrInvalidInput)
	}
	if cached, err := r.cache.GetSession(ctx, tenantID, sessionID); err == nil && cached != nil {
		return cached, nil
	}
	s, err := r.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	_ = r.cache.PutSession(ctx, s)
	return s, nil
}

// ListSessions returns the user's sessions.
func (r *Registry) ListSessions(ctx context.Context, tenantID, userID string) ([]*Session, error) {
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	return r.store.ListSessions(ctx, tenantID, userID)
}

// Terminate closes one session with a reason.
func (r *Registry) Terminate(ctx context.Context, tenantID, sessionID, reason string) error {
	if tenantID == "" || sessionID == "" {
		return fmt.Errorf("%w: tenant_id and session_id are required", ErrInvalidInput)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "terminated"
	}
	if err := r.store.TerminateSession(ctx, tenantID, sessionID, reason, r.now().UTC()); err != nil {
		return err
	}
	_ = r.cache.Drop(ctx, tenantID, sessionID)
	r.record(ctx, "session.terminated", tenantID, "session", sessionID, map[string]string{"reason": reason})
	return nil
}

// TerminateAll closes every active session of the user except an optional
// survivor, typically the caller's own.
func (r *Registry) TerminateAll(ctx context.Context, tenantID, userID, exceptSessionID, reason string) (int, error) {
	if tenantID == "" || userID == "" {
		return 0, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "terminated by user"
	}
	count, err := r.store.TerminateUserSessions(ctx, tenantID, userID, exceptSessionID, reason, r.now().UTC())
	if err != nil {
		return 0, err
	}
	sessions, listErr := r.store.ListSessions(ctx, tenantID, userID)
	if listErr == nil {
		for _, s := range sessions {
			if s.ID != exceptSessionID {
				_ = r.cache.Drop(ctx, tenantID, s.ID)
			}
		}
	}
	r.record(ctx, "session.terminated_all", tenantID, "user", userID, map[string]string{"reason": reason})
	return count, nil
}

// CleanupExpired terminates sessions past expiry. Idempotent; safe from
// multiple workers.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	return r.store.ExpireSessions(ctx, r.now().UTC())
}

// Touch records request activity on a session. The cache carries the hot
// timestamp; Postgres is always written so a cache eviction cannot lose
// the activity signal.
func (r *Registry) Touch(ctx context.Context, tenantID, sessionID string) error {
	if tenantID == "" || sessionID == "" {
		return fmt.Errorf("%w: tenant_id and session_id are required", ErrInvalidInput)
	}
	now := r.now().UTC()
	if r.cache != nil {
		_ = r.cache.Touch(ctx, tenantID, sessionID, now)
	}
	return r.store.TouchSession(ctx, tenantID, sessionID, now)
}

// DetectSuspicious flags a session whose network identity moved while its
// device is not verified. Flagged events are audited and the session's
// recorded network is updated.
func (r *Registry) DetectSuspicious(ctx context.Context, tenantID, sessionID, ip, location string) (bool, error) {
	if tenantID == "" || sessionID == "" {
		return false, fmt.Errorf("%w: tenant_id and session_id are required", ErrInvalidInput)
	}
	s, err := r.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return false, err
	}
	d, err := r.store.GetDevice(ctx, tenantID, s.DeviceID)
	if err != nil {
		return false, err
	}

	changed := (ip != "" && s.IP != "" && ip != s.IP) ||
		(location != "" && s.Location != "" && location != s.Location)
	suspicious := changed && d.TrustLevel != TrustVerified

	if changed {
		if err := r.store.UpdateSessionNetwork(ctx, tenantID, sessionID, ip, location); err != nil {
			return suspicious, err
		}
		_ = r.cache.Drop(ctx, tenantID, sessionID)
	}
	if suspicious {
		r.record(ctx, "session.suspicious", tenantID, "session", sessionID, map[string]string{
			"old_ip": s.IP, "new_ip": ip, "trust_level": string(d.TrustLevel),
		})
	}
	return suspicious, nil
}

// Validate confirms the session still authorizes requests; the engine calls
// this before running any decision mechanism.
func (r *Registry) Validate(ctx context.Context, tenantID, sessionID string) (*Session, *Device, error) {
	s, err := r.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if !s.Alive(r.now().UTC()) {
		return nil, nil, ErrTerminated
	}
	d, err := r.store.GetDevice(ctx, tenantID, s.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	if d.Status == DeviceBlocked {
		return nil, nil, ErrDeviceBlocked
	}
	return s, d, nil
}

func (r *Registry) record(ctx context.Context, action, tenantID, resourceType, resourceID string, meta map[string]string) {
	if r.recorder == nil {
		return
	}
	_ = r.recorder.Record(ctx, audit.Entry{
		TenantID:     tenantID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     meta,
	})
}
