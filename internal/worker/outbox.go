package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/payout-ledger/internal/model"
	"go.uber.org/zap"
)

// OutboxStore is the slice of the repository the relay needs.
type OutboxStore interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// OutboxRelay publishes committed outbox rows to Kafka, oldest first.
type OutboxRelay struct {
	store OutboxStore
	batch int
	log   *zap.SugaredLogger
}

func NewOutboxRelay(store OutboxStore, batch int, logger *zap.SugaredLogger) *OutboxRelay {
	if batch <= 0 {
		batch = 100
	}
	return &OutboxRelay{store: store, batch: batch, log: logger}
}

// RelayOnce publishes one batch. A row that fails to publish stays unprocessed and
// holds back the later rows of its tenant so per-tenant order survives.
func (r *OutboxRelay) RelayOnce(ctx context.Context) error {
	events, err := r.store.PollOutbox(ctx, r.batch)
	if err != nil {
		return fmt.Errorf("poll outbox: %w", err)
	}
	var errs []error
	blocked := map[string]bool{}
	for _, evt := range events {
		if blocked[evt.TenantID] {
			continue
		}
		if err := r.store.PublishEvent(ctx, evt); err != nil {
			blocked[evt.TenantID] = true
			errs = append(errs, fmt.Errorf("publish id=%d: %w", evt.ID, err))
			continue
		}
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			errs = append(errs, fmt.Errorf("mark processed id=%d: %w", evt.ID, err))
			continue
		}
		r.log.Debugw("outbox event sent", "outbox_id", evt.ID, "event_type", evt.EventType, "tenant_id", evt.TenantID)
	}
	return errors.Join(errs...)
}
