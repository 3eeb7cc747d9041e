package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache keeps hot session state in Redis so activity touches and engine
// session checks avoid a Postgres round trip. All methods tolerate a nil
// receiver; the registry then works straight off the store.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

const defaultCacheTTL = 5 * time.Minute

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl}
}

func sessionKey(tenantID, sessionID string) string {
	return "curamed:session:" + tenantID + ":" + sessionID
}

func activityKey(tenantID, sessionID string) string {
	return "curamed:session-activity:" + tenantID + ":" + sessionID
}

// PutSession stores a session snapshot with the cache TTL.
func (c *Cache) PutSession(ctx context.Context, s *Session) error {
	if c == nil || s == nil {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, sessionKey(s.TenantID, s.ID), payload, c.ttl).Err()
}

// GetSession returns the cached snapshot or (nil, nil) on a miss.
func (c *Cache) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	if c == nil {
		return nil, nil
	}
	payload, err := c.client.Get(ctx, sessionKey(tenantID, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Drop evicts a session snapshot, typically after termination.
func (c *Cache) Drop(ctx context.Context, tenantID, sessionID string) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, sessionKey(tenantID, sessionID), activityKey(tenantID, sessionID)).Err()
}

// Touch records last activity without rewriting the snapshot.
func (c *Cache) Touch(ctx context.Context, tenantID, sessionID string, at time.Time) error {
	if c == nil {
		return nil
	}
	return c.client.Set(ctx, activityKey(tenantID, sessionID), at.UTC().Format(time.RFC3339Nano), c.ttl).Err()
}

// LastActivity returns the cached activity timestamp, or zero on a miss.
func (c *Cache) LastActivity(ctx context.Context, tenantID, sessionID string) (time.Time, error) {
	if c == nil {
		return time.Time{}, nil
	}
	raw, err := c.client.Get(ctx, activityKey(tenantID, sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// Ping reports cache reachability for the readiness probe.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
