package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/db"
)

// AuditRepository appends to the state-transition/boost audit log. The
// log is write-only for the core; external observability tooling reads
// it.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new repository bound to the given DB connection.
func NewAuditRepository(database *gorm.DB) *AuditRepository {
	return &AuditRepository{db: database}
}

// WithTx returns a copy of the repository bound to an open transaction.
func (r *AuditRepository) WithTx(tx *gorm.DB) *AuditRepository {
	return &AuditRepository{db: tx}
}

// Append writes one audit event.
func (r *AuditRepository) Append(ctx context.Context, ev *db.AuditEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}

// ListForUser returns a user's audit trail, newest first. Backs the
// facade's audit-trail read for observability tooling.
func (r *AuditRepository) ListForUser(ctx context.Context, userID uint64, limit int) ([]db.AuditEvent, error) {
	var rows []db.AuditEvent
	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&rows).Error
	return rows, err
}
