package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/payout-ledger/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FindIntentForUpdate locks the intent of a gateway payment, nil if unseen.
func (r *Repository) FindIntentForUpdate(ctx context.Context, tx *gorm.DB, externalID string) (*model.PaymentIntent, error) {
	var in model.PaymentIntent
	err := r.conn(ctx, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_id = ?", externalID).
		First(&in).Error
	if err == nil {
		return &in, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// InsertIntent creates the intent unless a concurrent event already did.
func (r *Repository) InsertIntent(ctx context.Context, tx *gorm.DB, in *model.PaymentIntent) (bool, error) {
	res := r.conn(ctx, tx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(in)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateIntent persists state, linkage and last event time.
func (r *Repository) UpdateIntent(ctx context.Context, tx *gorm.DB, in *model.PaymentIntent) error {
	return r.conn(ctx, tx).Model(&model.PaymentIntent{}).
		Where("id = ?", in.ID).
		Updates(map[string]interface{}{
			"state":          in.State,
			"transaction_id": in.TransactionID,
			"failure_reason": in.FailureReason,
			"last_event_at":  in.LastEventAt,
			"updated_at":     time.Now(),
		}).Error
}

// ListStaleIntents returns intents still waiting for capture whose last event is older than before.
func (r *Repository) ListStaleIntents(ctx context.Context, before time.Time, limit int) ([]model.PaymentIntent, error) {
	var ins []model.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("state IN ? AND last_event_at < ?",
			[]string{string(model.IntentCreated), string(model.IntentCapturing)}, before).
		Order("last_event_at").
		Limit(limit).
		Find(&ins).Error
	return ins, err
}
