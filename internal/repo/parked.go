package repo

import (
	"context"
	"time"

	"github.com/richardliu001/payout-ledger/internal/model"
	"gorm.io/gorm"
)

const maxParkedErrorLen = 1024

// ParkEvent stores an event for later replay.
func (r *Repository) ParkEvent(ctx context.Context, e *model.ParkedEvent) error {
	if e.Status == "" {
		e.Status = model.ParkWaiting
	}
	e.LastError = truncate(e.LastError, maxParkedErrorLen)
	return r.db.WithContext(ctx).Create(e).Error
}

// DueParkedEvents returns waiting events whose next replay is due, oldest first.
func (r *Repository) DueParkedEvents(ctx context.Context, now time.Time, limit int) ([]model.ParkedEvent, error) {
	var es []model.ParkedEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", model.ParkWaiting, now).
		Order("id").
		Limit(limit).
		Find(&es).Error
	return es, err
}

// ResolveParkedEvent closes a parked event as replayed or rejected.
func (r *Repository) ResolveParkedEvent(ctx context.Context, id uint64, status model.ParkStatus, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.ParkedEvent{}).
		Where("id = ? AND status = ?", id, model.ParkWaiting).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": truncate(lastErr, maxParkedErrorLen),
			"updated_at": time.Now(),
		}).Error
}

// RescheduleParkedEvent keeps an event waiting until next.
func (r *Repository) RescheduleParkedEvent(ctx context.Context, id uint64, next time.Time, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.ParkedEvent{}).
		Where("id = ? AND status = ?", id, model.ParkWaiting).
		Updates(map[string]interface{}{
			"next_attempt_at": next,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      truncate(lastErr, maxParkedErrorLen),
			"updated_at":      time.Now(),
		}).Error
}
