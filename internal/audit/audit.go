// Package audit is the append-only sink for every decision-relevant state
// change. Each event is written twice: as a structured JSON log line and,
// when a store is configured, as an immutable database row.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"curamed.org/internal/ids"
	"curamed.org/internal/obs"
	"curamed.org/internal/principal"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Entry is one audit record.
type Entry struct {
	ID           string            `json:"id"`
	OccurredAt   time.Time         `json:"occurred_at"`
	TenantID     string            `json:"tenant_id"`
	ActorID      string            `json:"actor_id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Decision     string            `json:"decision,omitempty"`
	Mechanism    string            `json:"mechanism,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store appends immutable entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

// Recorder fans one event out to the log and the store.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder builds a Recorder. A nil store keeps log-only behavior.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// WithClock overrides the time source. Test use only.
func (r *Recorder) WithClock(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Record stamps, logs and persists one entry. A store failure is returned so
// callers inside a transaction can abort; the log line is best-effort.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if entry.Action == "" {
		return errors.New("audit: action is required")
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.ActorID == "" || entry.TenantID == "" {
		if p, ok := principal.FromContext(ctx); ok {
			if entry.ActorID == "" {
				entry.ActorID = p.UserID
			}
			if entry.TenantID == "" {
				entry.TenantID = p.TenantID
			}
		}
	}

	fields := map[string]any{
		"tenant_id":     entry.TenantID,
		"actor_id":      entry.ActorID,
		"resource_type": entry.ResourceType,
		"resource_id":   entry.ResourceID,
	}
	if entry.Decision != "" {
		fields["decision"] = entry.Decision
	}
	if entry.Mechanism != "" {
		fields["mechanism"] = entry.Mechanism
	}
	for k, v := range entry.Metadata {
		fields[k] = v
	}
	_ = LogEvent(ctx, entry.Action, fields)

	if r.store == nil {
		return nil
	}
	return r.store.Append(ctx, &entry)
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and principal context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if p, ok := principal.FromContext(ctx); ok {
		entry["user_id"] = p.UserID
		entry["tenant_id"] = p.TenantID
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
