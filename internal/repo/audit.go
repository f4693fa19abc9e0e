package repo

import (
	"context"
	"time"

	"github.com/richardliu001/payout-ledger/internal/model"
	"gorm.io/gorm"
)

// AppendAudit inserts one entry.
func (r *Repository) AppendAudit(ctx context.Context, tx *gorm.DB, e *model.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return r.conn(ctx, tx).Create(e).Error
}

// ListAudit returns the history of one subject in replay order.
func (r *Repository) ListAudit(ctx context.Context, subject model.SubjectType, subjectID uint64) ([]model.AuditEntry, error) {
	var es []model.AuditEntry
	err := r.db.WithContext(ctx).
		Where("subject_type = ? AND subject_id = ?", subject, subjectID).
		Order("created_at asc, id asc").
		Find(&es).Error
	return es, err
}

// ListTenantAudit returns every entry of a tenant in replay order.
func (r *Repository) ListTenantAudit(ctx context.Context, tx *gorm.DB, tenantID string) ([]model.AuditEntry, error) {
	var es []model.AuditEntry
	err := r.conn(ctx, tx).
		Where("tenant_id = ?", tenantID).
		Order("created_at asc, id asc").
		Find(&es).Error
	return es, err
}
