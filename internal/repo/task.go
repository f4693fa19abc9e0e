package repo

import (
	"context"
	"time"

	"github.com/richardliu001/payout-ledger/internal/model"
	"gorm.io/gorm"
)

// CreateTask enqueues a gateway instruction.
func (r *Repository) CreateTask(ctx context.Context, tx *gorm.DB, t *model.GatewayTask) error {
	if t.Status == "" {
		t.Status = model.TaskQueued
	}
	return r.conn(ctx, tx).Create(t).Error
}

// DueTasks returns queued tasks whose next attempt is due.
func (r *Repository) DueTasks(ctx context.Context, now time.Time, limit int) ([]model.GatewayTask, error) {
	var ts []model.GatewayTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", model.TaskQueued, now).
		Order("next_attempt_at, id").
		Limit(limit).
		Find(&ts).Error
	return ts, err
}

// ClaimTask leases a due task to the caller by pushing next_attempt_at forward.
// Only one concurrent claimer sees true.
func (r *Repository) ClaimTask(ctx context.Context, id uint64, now, leaseUntil time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.GatewayTask{}).
		Where("id = ? AND status = ? AND next_attempt_at <= ?", id, model.TaskQueued, now).
		Updates(map[string]interface{}{
			"next_attempt_at": leaseUntil,
			"attempts":        gorm.Expr("attempts + 1"),
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FinishTask closes a task as done or failed.
func (r *Repository) FinishTask(ctx context.Context, tx *gorm.DB, id uint64, status model.TaskStatus, resultRef, lastErr string) error {
	return r.conn(ctx, tx).Model(&model.GatewayTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"result_ref": resultRef,
			"last_error": truncate(lastErr, 512),
			"updated_at": time.Now(),
		}).Error
}

// RescheduleTask keeps a task queued for a later attempt.
func (r *Repository) RescheduleTask(ctx context.Context, id uint64, next time.Time, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.GatewayTask{}).
		Where("id = ? AND status = ?", id, model.TaskQueued).
		Updates(map[string]interface{}{
			"next_attempt_at": next,
			"last_error":      truncate(lastErr, 512),
			"updated_at":      time.Now(),
		}).Error
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
