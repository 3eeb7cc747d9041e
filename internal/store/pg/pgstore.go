// Package pg is the Postgres persistence layer for the authorization
// engine. One Store owns the pool; per-domain views satisfy the domain
// store interfaces.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"curamed.org/internal/audit"
	"curamed.org/internal/catalog"
	"curamed.org/internal/emergency"
	"curamed.org/internal/lifecycle"
	"curamed.org/internal/policy"
	"curamed.org/internal/rbac"
	"curamed.org/internal/session"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var (
	_ catalog.Store   = (*CatalogStore)(nil)
	_ rbac.Store      = (*RBACStore)(nil)
	_ policy.Store    = (*PolicyStore)(nil)
	_ emergency.Store = (*EmergencyStore)(nil)
	_ session.Store   = (*SessionStore)(nil)
	_ audit.Store     = (*AuditStore)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by store tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Catalog() *CatalogStore     { return &CatalogStore{db: s.db} }
func (s *Store) RBAC() *RBACStore           { return &RBACStore{db: s.db} }
func (s *Store) Policies() *PolicyStore     { return &PolicyStore{db: s.db} }
func (s *Store) Emergency() *EmergencyStore { return &EmergencyStore{db: s.db} }
func (s *Store) Sessions() *SessionStore    { return &SessionStore{db: s.db} }
func (s *Store) Audit() *AuditStore         { return &AuditStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// scanLifecycle rebuilds the lifecycle value from its three columns.
func scanLifecycle(active bool, deactivatedAt, deletedAt sql.NullTime) lifecycle.Lifecycle {
	return lifecycle.Lifecycle{
		Active:        active,
		DeactivatedAt: timePtr(deactivatedAt),
		DeletedAt:     timePtr(deletedAt),
	}
}
