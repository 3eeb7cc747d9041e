package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"curamed.org/internal/audit"
)

// AuditStore appends immutable audit rows.
type AuditStore struct {
	db *sql.DB
}

func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log
			(id, occurred_at, tenant_id, actor_id, action, resource_type,
			 resource_id, decision, mechanism, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.OccurredAt, entry.TenantID, nullIfEmpty(entry.ActorID),
		entry.Action, nullIfEmpty(entry.ResourceType), nullIfEmpty(entry.ResourceID),
		nullIfEmpty(entry.Decision), nullIfEmpty(entry.Mechanism), metadata)
	// Re-appending the same entry id is treated as already written.
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return nil
	}
	return err
}
