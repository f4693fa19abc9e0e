package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/payout-ledger/internal/audit"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"gorm.io/gorm"
)

// Actors recorded in the audit log.
const (
	ActorGateway = "gateway"
	ActorSystem  = "system"
)

// timeNow is swapped in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

const maxTxAttempts = 3

// inTx runs fn in one DB transaction, retrying when an optimistic version check lost.
func inTx(ctx context.Context, r repo.RepositoryInterface, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = r.DB(ctx).Transaction(fn)
		if !errors.Is(err, repo.ErrOptimisticLock) {
			return err
		}
	}
	return err
}

func appendAudit(ctx context.Context, r repo.RepositoryInterface, tx *gorm.DB, tenantID string,
	subject model.SubjectType, id uint64, change string, before, after interface{}, actor, reason string) error {
	e, err := audit.Entry(tenantID, subject, id, change, before, after, actor, reason)
	if err != nil {
		return err
	}
	e.CreatedAt = timeNow()
	return r.AppendAudit(ctx, tx, e)
}

// envelope is the payload shape published from the outbox.
type envelope struct {
	EventID    string      `json:"event_id"`
	EventType  string      `json:"event_type"`
	TenantID   string      `json:"tenant_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

func emit(ctx context.Context, r repo.RepositoryInterface, tx *gorm.DB, aggregate string, aggregateID uint64,
	tenantID, eventType string, data interface{}) error {
	payload, err := json.Marshal(envelope{
		EventID: uuid.NewString(), EventType: eventType, TenantID: tenantID,
		OccurredAt: timeNow(), Data: data,
	})
	if err != nil {
		return err
	}
	return r.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate: aggregate, AggregateID: aggregateID, EventType: eventType,
		TenantID: tenantID, Payload: string(payload),
	})
}
