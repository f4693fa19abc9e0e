package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// openPayoutConflict targets the partial unique index on pending payouts.
// The predicate is a literal so Postgres can infer the index.
var openPayoutConflict = clause.OnConflict{
	Columns:     []clause.Column{{Name: "tenant_id"}, {Name: "currency"}},
	TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "status = 'pending'"}}},
	DoNothing:   true,
}

// EnsureOpenPayout inserts p unless the tenant already has a pending payout in p.Currency.
func (r *Repository) EnsureOpenPayout(ctx context.Context, tx *gorm.DB, p *model.Payout) (bool, error) {
	res := r.conn(ctx, tx).Clauses(openPayoutConflict).Create(p)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindOpenPayoutForUpdate locks the tenant's pending payout in currency, nil if there is none.
func (r *Repository) FindOpenPayoutForUpdate(ctx context.Context, tx *gorm.DB, tenantID, currency string) (*model.Payout, error) {
	var p model.Payout
	err := r.conn(ctx, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND currency = ? AND status = ?", tenantID, currency, model.PayoutPending).
		First(&p).Error
	if err == nil {
		return &p, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// ListOpenPayouts returns the tenant's pending payouts, oldest first.
func (r *Repository) ListOpenPayouts(ctx context.Context, tx *gorm.DB, tenantID string) ([]model.Payout, error) {
	var ps []model.Payout
	err := r.conn(ctx, tx).
		Where("tenant_id = ? AND status = ?", tenantID, model.PayoutPending).
		Order("id").
		Find(&ps).Error
	return ps, err
}

func (r *Repository) getPayout(ctx context.Context, tx *gorm.DB, id uint64, lock bool) (*model.Payout, error) {
	q := r.conn(ctx, tx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var p model.Payout
	if err := q.Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payout %d: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// GetPayout loads one payout.
func (r *Repository) GetPayout(ctx context.Context, tx *gorm.DB, id uint64) (*model.Payout, error) {
	return r.getPayout(ctx, tx, id, false)
}

// GetPayoutForUpdate locks payout row.
func (r *Repository) GetPayoutForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Payout, error) {
	return r.getPayout(ctx, tx, id, true)
}

// UpdatePayout writes the mutable columns of p if the row is still at status from
// and p.Version. On success p.Version is bumped.
func (r *Repository) UpdatePayout(ctx context.Context, tx *gorm.DB, p *model.Payout, from model.PayoutStatus) error {
	now := time.Now()
	res := r.conn(ctx, tx).Model(&model.Payout{}).
		Where("id = ? AND status = ? AND version = ?", p.ID, from, p.Version).
		Updates(map[string]interface{}{
			"status":              p.Status,
			"currency":            p.Currency,
			"total_amount":        p.TotalAmount,
			"transaction_count":   p.TransactionCount,
			"period_end":          p.PeriodEnd,
			"destination_account": p.DestinationAccount,
			"external_payout_id":  p.ExternalPayoutID,
			"failure_reason":      p.FailureReason,
			"carried_into_id":     p.CarriedIntoID,
			"scheduled_at":        p.ScheduledAt,
			"settled_at":          p.SettledAt,
			"version":             p.Version + 1,
			"updated_at":          now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

// CreatePayoutItem attaches a transaction or carried-over payout.
func (r *Repository) CreatePayoutItem(ctx context.Context, tx *gorm.DB, item *model.PayoutItem) error {
	return r.conn(ctx, tx).Create(item).Error
}

// FindPayoutItemForTransaction returns nil when the transaction was never batched.
func (r *Repository) FindPayoutItemForTransaction(ctx context.Context, tx *gorm.DB, transactionID uint64) (*model.PayoutItem, error) {
	var item model.PayoutItem
	err := r.conn(ctx, tx).Where("transaction_id = ?", transactionID).First(&item).Error
	if err == nil {
		return &item, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// ListPayoutItems returns the membership of a payout.
func (r *Repository) ListPayoutItems(ctx context.Context, payoutID uint64) ([]model.PayoutItem, error) {
	var items []model.PayoutItem
	err := r.db.WithContext(ctx).Where("payout_id = ?", payoutID).Order("id").Find(&items).Error
	return items, err
}

// ListPayouts returns a tenant's payouts, newest first.
func (r *Repository) ListPayouts(ctx context.Context, tenantID string, limit int) ([]model.Payout, error) {
	var ps []model.Payout
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id desc").
		Limit(limit).
		Find(&ps).Error
	return ps, err
}

// ListTenantPayouts returns every payout of a tenant.
func (r *Repository) ListTenantPayouts(ctx context.Context, tx *gorm.DB, tenantID string) ([]model.Payout, error) {
	var ps []model.Payout
	err := r.conn(ctx, tx).Where("tenant_id = ?", tenantID).Order("id").Find(&ps).Error
	return ps, err
}

// ListTenantsWithOpenPayouts feeds the periodic scheduler.
func (r *Repository) ListTenantsWithOpenPayouts(ctx context.Context, limit int) ([]string, error) {
	var tenants []string
	err := r.db.WithContext(ctx).Model(&model.Payout{}).
		Distinct("tenant_id").
		Where("status = ?", model.PayoutPending).
		Order("tenant_id").
		Limit(limit).
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}

// SumPayoutTotals adds up the totals of a tenant's payouts in the given statuses.
func (r *Repository) SumPayoutTotals(ctx context.Context, tx *gorm.DB, tenantID string, statuses ...model.PayoutStatus) (decimal.Decimal, error) {
	raw := make([]string, len(statuses))
	for i, s := range statuses {
		raw[i] = string(s)
	}
	row := r.conn(ctx, tx).Model(&model.Payout{}).
		Select("COALESCE(SUM(total_amount), 0)").
		Where("tenant_id = ? AND status IN ?", tenantID, raw).
		Row()
	return scanSum(row)
}

// SumCarriedOut is what the tenant's failed or abandoned payouts handed to another tenant.
func (r *Repository) SumCarriedOut(ctx context.Context, tx *gorm.DB, tenantID string) (decimal.Decimal, error) {
	row := r.conn(ctx, tx).Raw(`
		SELECT COALESCE(SUM(src.total_amount), 0)
		FROM payout src
		JOIN payout dst ON dst.id = src.carried_into_id
		WHERE src.tenant_id = ? AND src.status = ? AND dst.tenant_id <> src.tenant_id`,
		tenantID, model.PayoutFailed).Row()
	return scanSum(row)
}

// SumCarriedIn is what other tenants' payouts handed to this tenant.
func (r *Repository) SumCarriedIn(ctx context.Context, tx *gorm.DB, tenantID string) (decimal.Decimal, error) {
	row := r.conn(ctx, tx).Raw(`
		SELECT COALESCE(SUM(i.amount), 0)
		FROM payout_item i
		JOIN payout p ON p.id = i.payout_id
		JOIN payout src ON src.id = i.source_payout_id
		WHERE p.tenant_id = ? AND src.tenant_id <> p.tenant_id`,
		tenantID).Row()
	return scanSum(row)
}

// SumUnsettledByCurrency is the per-currency form of posted net minus payouts in flight,
// minus carried out, plus carried in.
func (r *Repository) SumUnsettledByCurrency(ctx context.Context, tx *gorm.DB, tenantID string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	add := func(sign int64, rows *sql.Rows, err error) error {
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var currency string
			var sum decimal.NullDecimal
			if err := rows.Scan(&currency, &sum); err != nil {
				return err
			}
			if sum.Valid {
				out[currency] = out[currency].Add(sum.Decimal.Round(8).Mul(decimal.NewFromInt(sign)))
			}
		}
		return rows.Err()
	}

	rows, err := r.conn(ctx, tx).Model(&model.Transaction{}).
		Select("currency, COALESCE(SUM(net_amount), 0)").
		Where("tenant_id = ? AND status IN ?", tenantID, postedStatuses).
		Group("currency").
		Rows()
	if err := add(1, rows, err); err != nil {
		return nil, err
	}
	rows, err = r.conn(ctx, tx).Model(&model.Payout{}).
		Select("currency, COALESCE(SUM(total_amount), 0)").
		Where("tenant_id = ? AND status IN ?", tenantID, []string{string(model.PayoutProcessing), string(model.PayoutCompleted)}).
		Group("currency").
		Rows()
	if err := add(-1, rows, err); err != nil {
		return nil, err
	}
	rows, err = r.conn(ctx, tx).Raw(`
		SELECT src.currency, COALESCE(SUM(src.total_amount), 0)
		FROM payout src
		JOIN payout dst ON dst.id = src.carried_into_id
		WHERE src.tenant_id = ? AND src.status = ? AND dst.tenant_id <> src.tenant_id
		GROUP BY src.currency`,
		tenantID, model.PayoutFailed).Rows()
	if err := add(-1, rows, err); err != nil {
		return nil, err
	}
	rows, err = r.conn(ctx, tx).Raw(`
		SELECT p.currency, COALESCE(SUM(i.amount), 0)
		FROM payout_item i
		JOIN payout p ON p.id = i.payout_id
		JOIN payout src ON src.id = i.source_payout_id
		WHERE p.tenant_id = ? AND src.tenant_id <> p.tenant_id
		GROUP BY p.currency`,
		tenantID).Rows()
	if err := add(1, rows, err); err != nil {
		return nil, err
	}
	return out, nil
}
