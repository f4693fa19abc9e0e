package repo

import (
	"context"

	"github.com/richardliu001/payout-ledger/internal/model"
	"gorm.io/gorm"
)

// ListCommissionRules returns the tenant's own rules plus the platform-wide ones.
func (r *Repository) ListCommissionRules(ctx context.Context, tx *gorm.DB, tenantID string) ([]model.CommissionRule, error) {
	var rules []model.CommissionRule
	err := r.conn(ctx, tx).
		Where("tenant_id = ? OR tenant_id IS NULL", tenantID).
		Order("id").
		Find(&rules).Error
	return rules, err
}

// CreateCommissionRule stores a rule. Rules are never edited; a newer one supersedes.
func (r *Repository) CreateCommissionRule(ctx context.Context, rule *model.CommissionRule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}
