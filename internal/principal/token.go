package principal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "curamed"
	secretEnvVariable = "CURAMED_AUTH_SECRET"
)

var (
	errMissingSecret = errors.New("auth secret is not configured")

	secretMu sync.Mutex
	secret   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// Claims is the claim set supplied by the identity/session issuer. The
// engine consumes it; it never mints end-user credentials itself.
type Claims struct {
	TenantID    string   `json:"tid"`
	Roles       []string `json:"roles"`
	Departments []string `json:"depts,omitempty"`
	DeviceID    string   `json:"did,omitempty"`
	SessionID   string   `json:"sid,omitempty"`
	BranchID    string   `json:"bid,omitempty"`
	MFAAt       int64    `json:"mfa_at,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 JWT carrying the given principal. Exposed for
// the issuer collaborator contract and for tests.
func GenerateToken(p Principal, ttl time.Duration) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		TenantID:    p.TenantID,
		Roles:       dedupe(p.Roles),
		Departments: dedupe(p.Departments),
		DeviceID:    p.DeviceID,
		SessionID:   p.SessionID,
		BranchID:    p.BranchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if !p.MFAAt.IsZero() {
		claims.MFAAt = p.MFAAt.UTC().Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secretBytes)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies the token signature and required claims, and
// returns the principal it describes.
func ParseAndValidate(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return Principal{}, err
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return secretBytes, nil
	})
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	if err := validateClaims(claims); err != nil {
		return Principal{}, ErrInvalidToken
	}

	p := Principal{
		TenantID:    strings.TrimSpace(claims.TenantID),
		UserID:      strings.TrimSpace(claims.Subject),
		Roles:       dedupe(claims.Roles),
		Departments: dedupe(claims.Departments),
		DeviceID:    strings.TrimSpace(claims.DeviceID),
		SessionID:   strings.TrimSpace(claims.SessionID),
		BranchID:    strings.TrimSpace(claims.BranchID),
	}
	if claims.MFAAt > 0 {
		p.MFAAt = time.Unix(claims.MFAAt, 0).UTC()
	}
	if err := p.Validate(); err != nil {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}

func validateClaims(claims *Claims) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return errors.New("tenant missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := time.Now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.New("token not yet valid")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func loadSecret() ([]byte, error) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if secret.ready {
		return secret.value, secret.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		secret.err = errMissingSecret
		secret.ready = true
		return nil, secret.err
	}
	secret.value = []byte(raw)
	secret.err = nil
	secret.ready = true
	return secret.value, nil
}

// ResetSecretForTests clears the cached secret value. Only intended for test use.
func ResetSecretForTests() {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = cachedSecret{}
}
