// Package lifecycle carries the soft-delete bookkeeping shared by catalog,
// rbac and policy entities. Every read path filters through Visible so that
// deactivated or deleted rows never evaluate.
package lifecycle

import "time"

// Lifecycle records activation and soft-delete state for an entity.
type Lifecycle struct {
	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// NewActive returns the lifecycle of a freshly created entity.
func NewActive() Lifecycle {
	return Lifecycle{Active: true}
}

// Visible reports whether the entity participates in lookups and evaluation.
func (l Lifecycle) Visible() bool {
	return l.Active && l.DeletedAt == nil
}

// Deactivate marks the entity inactive at the given moment. Idempotent.
func (l *Lifecycle) Deactivate(at time.Time) {
	if !l.Active {
		return
	}
	l.Active = false
	at = at.UTC()
	l.DeactivatedAt = &at
}

// Delete soft-deletes the entity. A deleted entity is never visible again.
func (l *Lifecycle) Delete(at time.Time) {
	l.Active = false
	at = at.UTC()
	if l.DeactivatedAt == nil {
		l.DeactivatedAt = &at
	}
	l.DeletedAt = &at
}
