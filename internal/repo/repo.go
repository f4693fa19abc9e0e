package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrOptimisticLock is returned when a versioned row changed under us.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

var (
	errCacheDisabled = errors.New("redis cache disabled")
	errStaleBalance  = errors.New("cached balance is from an older generation")
)

const balanceTTL = 5 * time.Minute

// RepositoryInterface restricts Repo methods so services can be tested with fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error)
	GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error)
	FindTransactionByExternalID(ctx context.Context, tx *gorm.DB, externalID string) (*model.Transaction, error)
	InsertTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) (bool, error)
	CompletePendingTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	MarkTransactionRefunded(ctx context.Context, tx *gorm.DB, id uint64, at time.Time) error
	MarkTransactionFailed(ctx context.Context, tx *gorm.DB, id uint64, reason string) error
	ListTransactions(ctx context.Context, tenantID string, limit int, since time.Time) ([]model.Transaction, error)
	ListTenantTransactions(ctx context.Context, tx *gorm.DB, tenantID string) ([]model.Transaction, error)
	SumPostedNet(ctx context.Context, tx *gorm.DB, tenantID string) (decimal.Decimal, error)

	ListCommissionRules(ctx context.Context, tx *gorm.DB, tenantID string) ([]model.CommissionRule, error)
	CreateCommissionRule(ctx context.Context, r *model.CommissionRule) error

	EnsureOpenPayout(ctx context.Context, tx *gorm.DB, p *model.Payout) (bool, error)
	FindOpenPayoutForUpdate(ctx context.Context, tx *gorm.DB, tenantID, currency string) (*model.Payout, error)
	ListOpenPayouts(ctx context.Context, tx *gorm.DB, tenantID string) ([]model.Payout, error)
	SumUnsettledByCurrency(ctx context.Context, tx *gorm.DB, tenantID string) (map[string]decimal.Decimal, error)
	GetPayout(ctx context.Context, tx *gorm.DB, id uint64) (*model.Payout, error)
	GetPayoutForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Payout, error)
	UpdatePayout(ctx context.Context, tx *gorm.DB, p *model.Payout, from model.PayoutStatus) error
	CreatePayoutItem(ctx context.Context, tx *gorm.DB, item *model.PayoutItem) error
	FindPayoutItemForTransaction(ctx context.Context, tx *gorm.DB, transactionID uint64) (*model.PayoutItem, error)
	ListPayoutItems(ctx context.Context, payoutID uint64) ([]model.PayoutItem, error)
	ListPayouts(ctx context.Context, tenantID string, limit int) ([]model.Payout, error)
	ListTenantPayouts(ctx context.Context, tx *gorm.DB, tenantID string) ([]model.Payout, error)
	ListTenantsWithOpenPayouts(ctx context.Context, limit int) ([]string, error)
	SumPayoutTotals(ctx context.Context, tx *gorm.DB, tenantID string, statuses ...model.PayoutStatus) (decimal.Decimal, error)
	SumCarriedOut(ctx context.Context, tx *gorm.DB, tenantID string) (decimal.Decimal, error)
	SumCarriedIn(ctx context.Context, tx *gorm.DB, tenantID string) (decimal.Decimal, error)

	AppendAudit(ctx context.Context, tx *gorm.DB, e *model.AuditEntry) error
	ListAudit(ctx context.Context, subject model.SubjectType, subjectID uint64) ([]model.AuditEntry, error)
	ListTenantAudit(ctx context.Context, tx *gorm.DB, tenantID string) ([]model.AuditEntry, error)

	FindIntentForUpdate(ctx context.Context, tx *gorm.DB, externalID string) (*model.PaymentIntent, error)
	InsertIntent(ctx context.Context, tx *gorm.DB, i *model.PaymentIntent) (bool, error)
	UpdateIntent(ctx context.Context, tx *gorm.DB, i *model.PaymentIntent) error
	ListStaleIntents(ctx context.Context, before time.Time, limit int) ([]model.PaymentIntent, error)

	CreateTask(ctx context.Context, tx *gorm.DB, t *model.GatewayTask) error
	DueTasks(ctx context.Context, now time.Time, limit int) ([]model.GatewayTask, error)
	ClaimTask(ctx context.Context, id uint64, now, leaseUntil time.Time) (bool, error)
	FinishTask(ctx context.Context, tx *gorm.DB, id uint64, status model.TaskStatus, resultRef, lastErr string) error
	RescheduleTask(ctx context.Context, id uint64, next time.Time, lastErr string) error

	ParkEvent(ctx context.Context, e *model.ParkedEvent) error
	DueParkedEvents(ctx context.Context, now time.Time, limit int) ([]model.ParkedEvent, error)
	ResolveParkedEvent(ctx context.Context, id uint64, status model.ParkStatus, lastErr string) error
	RescheduleParkedEvent(ctx context.Context, id uint64, next time.Time, lastErr string) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	BalanceGeneration(ctx context.Context, tenantID string) (int64, error)
	CacheBalance(ctx context.Context, tenantID string, gen int64, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, tenantID string) (decimal.Decimal, error)
	InvalidateBalance(ctx context.Context, tenantID string) error
	MarkEventSeen(ctx context.Context, key, value string, ttl time.Duration) error
	GetEventMarker(ctx context.Context, key string) (string, error)
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo. rdb and w may be nil in tools that never cache or publish.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// conn picks the open transaction if there is one.
func (r *Repository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return r.conn(ctx, tx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka keyed by tenant so one tenant's events stay ordered.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	if r.writer == nil {
		return errors.New("kafka writer not configured")
	}
	msg := kafka.Message{
		Key:   []byte(evt.TenantID),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "outbox_id", Value: []byte(fmt.Sprintf("%d", evt.ID))},
		},
		Time: time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

func balanceKey(tenantID string) string    { return "balance:" + tenantID }
func balanceGenKey(tenantID string) string { return "balance_gen:" + tenantID }

// BalanceGeneration returns the tenant's cache generation. Every invalidation bumps it,
// so a balance computed under an older generation is never served.
func (r *Repository) BalanceGeneration(ctx context.Context, tenantID string) (int64, error) {
	if r.rdb == nil {
		return 0, errCacheDisabled
	}
	gen, err := r.rdb.Get(ctx, balanceGenKey(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// CacheBalance stores bal tagged with the generation it was computed under.
func (r *Repository) CacheBalance(ctx context.Context, tenantID string, gen int64, bal decimal.Decimal) error {
	if r.rdb == nil {
		return errCacheDisabled
	}
	v := strconv.FormatInt(gen, 10) + "|" + bal.String()
	return r.rdb.Set(ctx, balanceKey(tenantID), v, balanceTTL).Err()
}

// GetCachedBalance returns the cached balance if it belongs to the current generation.
func (r *Repository) GetCachedBalance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, errCacheDisabled
	}
	vals, err := r.rdb.MGet(ctx, balanceKey(tenantID), balanceGenKey(tenantID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return decimal.Zero, redis.Nil
	}
	current := "0"
	if g, ok := vals[1].(string); ok {
		current = g
	}
	gen, amount, found := strings.Cut(raw, "|")
	if !found || gen != current {
		return decimal.Zero, errStaleBalance
	}
	return decimal.NewFromString(amount)
}

// InvalidateBalance bumps the generation and drops the cached balance after a commit.
func (r *Repository) InvalidateBalance(ctx context.Context, tenantID string) error {
	if r.rdb == nil {
		return nil
	}
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, balanceGenKey(tenantID))
		p.Del(ctx, balanceKey(tenantID))
		return nil
	})
	return err
}

// MarkEventSeen records a processed gateway event.
func (r *Repository) MarkEventSeen(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, "webhook:"+key, value, ttl).Err()
}

// GetEventMarker returns "" when the event was not seen.
func (r *Repository) GetEventMarker(ctx context.Context, key string) (string, error) {
	if r.rdb == nil {
		return "", nil
	}
	v, err := r.rdb.Get(ctx, "webhook:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// releaseLock deletes the lock only while it still carries the caller's token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// AcquireLock takes a best-effort cross-instance lock and returns the owner token to
// release it with. Without Redis it always succeeds.
func (r *Repository) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	if r.rdb == nil {
		return token, true, nil
	}
	ok, err := r.rdb.SetNX(ctx, "lock:"+name, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("setnx: %w", err)
	}
	return token, ok, nil
}

// ReleaseLock frees a lock taken with AcquireLock. A lock that expired and was taken
// by another owner is left alone.
func (r *Repository) ReleaseLock(ctx context.Context, name, token string) error {
	if r.rdb == nil {
		return nil
	}
	return releaseLock.Run(ctx, r.rdb, []string{"lock:" + name}, token).Err()
}
