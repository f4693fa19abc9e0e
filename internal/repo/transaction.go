package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var postedStatuses = []string{string(model.TxStatusCompleted), string(model.TxStatusRefunded)}

func (r *Repository) getTransaction(ctx context.Context, tx *gorm.DB, id uint64, lock bool) (*model.Transaction, error) {
	q := r.conn(ctx, tx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var t model.Transaction
	if err := q.Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transaction %d: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

// GetTransaction loads one row.
func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error) {
	return r.getTransaction(ctx, tx, id, false)
}

// GetTransactionForUpdate locks transaction row.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error) {
	return r.getTransaction(ctx, tx, id, true)
}

// FindTransactionByExternalID locks and returns the row for an idempotency key, nil if absent.
func (r *Repository) FindTransactionByExternalID(ctx context.Context, tx *gorm.DB, externalID string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.conn(ctx, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_id = ?", externalID).First(&t).Error
	if err == nil {
		return &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// InsertTransaction is the compare-and-insert on external_id. It reports false when
// another writer already owns the key.
func (r *Repository) InsertTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) (bool, error) {
	res := r.conn(ctx, tx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(t)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CompletePendingTransaction moves a pending row to completed. The gross amount recorded
// with the intent is never rewritten.
func (r *Repository) CompletePendingTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	res := r.conn(ctx, tx).Model(&model.Transaction{}).
		Where("id = ? AND status = ?", t.ID, model.TxStatusPending).
		Updates(map[string]interface{}{
			"status":             model.TxStatusCompleted,
			"metadata":           t.Metadata,
			"fee_percent":        t.FeePercent,
			"fee_amount":         t.FeeAmount,
			"net_amount":         t.NetAmount,
			"commission_rule_id": t.CommissionRuleID,
			"completed_at":       t.CompletedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// MarkTransactionRefunded flips completed -> refunded. Money fields are untouched.
func (r *Repository) MarkTransactionRefunded(ctx context.Context, tx *gorm.DB, id uint64, at time.Time) error {
	res := r.conn(ctx, tx).Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.TxStatusCompleted).
		Updates(map[string]interface{}{"status": model.TxStatusRefunded, "refunded_at": &at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transaction %d is no longer completed: %w", id, apperr.ErrInvalidStateTransition)
	}
	return nil
}

// MarkTransactionFailed flips pending -> failed.
func (r *Repository) MarkTransactionFailed(ctx context.Context, tx *gorm.DB, id uint64, reason string) error {
	res := r.conn(ctx, tx).Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.TxStatusPending).
		Updates(map[string]interface{}{"status": model.TxStatusFailed, "failure_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transaction %d is no longer pending: %w", id, apperr.ErrInvalidStateTransition)
	}
	return nil
}

// ListTransactions returns a tenant's history since a point in time, oldest first.
func (r *Repository) ListTransactions(ctx context.Context, tenantID string, limit int, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// ListTenantTransactions returns every row of a tenant.
func (r *Repository) ListTenantTransactions(ctx context.Context, tx *gorm.DB, tenantID string) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.conn(ctx, tx).Where("tenant_id = ?", tenantID).Order("id").Find(&txs).Error
	return txs, err
}

// SumPostedNet adds up the net amount of every posted row of a tenant.
func (r *Repository) SumPostedNet(ctx context.Context, tx *gorm.DB, tenantID string) (decimal.Decimal, error) {
	row := r.conn(ctx, tx).Model(&model.Transaction{}).
		Select("COALESCE(SUM(net_amount), 0)").
		Where("tenant_id = ? AND status IN ?", tenantID, postedStatuses).
		Row()
	return scanSum(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSum normalises driver sums; SQLite hands back floats.
func scanSum(row rowScanner) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal.Round(8), nil
}
