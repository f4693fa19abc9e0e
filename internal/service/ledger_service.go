package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/commission"
	"github.com/richardliu001/payout-ledger/internal/metrics"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CaptureInput describes a confirmed payment.
type CaptureInput struct {
	ExternalID   string
	TenantID     string
	OfferingID   string
	OfferingType model.OfferingType
	BuyerID      string
	Amount       decimal.Decimal
	Currency     string
	CapturedAt   time.Time
	Metadata     datatypes.JSON
	Actor        string
}

func (in *CaptureInput) normalize() error {
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	switch {
	case in.ExternalID == "":
		return fmt.Errorf("%w: external_id is required", apperr.ErrValidation)
	case in.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", apperr.ErrValidation)
	case !in.OfferingType.IsValid():
		return fmt.Errorf("%w: unknown offering type %q", apperr.ErrValidation, in.OfferingType)
	case !in.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", apperr.ErrValidation)
	case len(in.Currency) != 3:
		return fmt.Errorf("%w: currency must be an ISO 4217 code", apperr.ErrValidation)
	}
	if in.CapturedAt.IsZero() {
		in.CapturedAt = timeNow()
	}
	if in.Actor == "" {
		in.Actor = ActorGateway
	}
	return nil
}

// LedgerService owns the immutable transaction records and the unsettled balance.
type LedgerService struct {
	repo       repo.RepositoryInterface
	payouts    *PayoutService
	defaultFee decimal.Decimal
	metrics    *metrics.Ledger
	log        *zap.SugaredLogger
}

// NewLedgerService returns LedgerService. A zero defaultFee means commission.DefaultFeePercent.
func NewLedgerService(r repo.RepositoryInterface, payouts *PayoutService, defaultFee decimal.Decimal,
	m *metrics.Ledger, logger *zap.SugaredLogger) *LedgerService {
	return &LedgerService{repo: r, payouts: payouts, defaultFee: defaultFee, metrics: m, log: logger}
}

// RecordCapture records a confirmed payment exactly once per external id.
func (s *LedgerService) RecordCapture(ctx context.Context, in CaptureInput) (*model.Transaction, error) {
	var out *model.Transaction
	err := inTx(ctx, s.repo, func(tx *gorm.DB) error {
		t, _, err := s.RecordCaptureTx(ctx, tx, in)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	s.InvalidateBalance(ctx, out.TenantID)
	return out, nil
}

// RecordCaptureTx is RecordCapture inside the caller's transaction. It reports
// whether this call changed the ledger.
func (s *LedgerService) RecordCaptureTx(ctx context.Context, tx *gorm.DB, in CaptureInput) (*model.Transaction, bool, error) {
	if err := in.normalize(); err != nil {
		return nil, false, err
	}

	existing, err := s.repo.FindTransactionByExternalID(ctx, tx, in.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		t, err := s.newCompleted(ctx, tx, in)
		if err != nil {
			return nil, false, err
		}
		inserted, err := s.repo.InsertTransaction(ctx, tx, t)
		if err != nil {
			return nil, false, err
		}
		if inserted {
			if err := s.afterCapture(ctx, tx, t, nil, in.Actor); err != nil {
				return nil, false, err
			}
			return t, true, nil
		}
		// lost the insert race; the winner's row is authoritative
		if existing, err = s.repo.FindTransactionByExternalID(ctx, tx, in.ExternalID); err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("transaction %s vanished after insert conflict", in.ExternalID)
		}
	}
	return s.reconcile(ctx, tx, existing, in)
}

// reconcile handles a capture whose external id is already known.
func (s *LedgerService) reconcile(ctx context.Context, tx *gorm.DB, existing *model.Transaction, in CaptureInput) (*model.Transaction, bool, error) {
	if existing.Type == model.TxTypeRefund || existing.TenantID != in.TenantID || existing.Currency != in.Currency {
		return nil, false, fmt.Errorf("%w: external id %s already recorded for a different payment",
			apperr.ErrDuplicateConflict, in.ExternalID)
	}
	switch existing.Status {
	case model.TxStatusCompleted, model.TxStatusRefunded:
		if !existing.GrossAmount.Equal(in.Amount) {
			return nil, false, fmt.Errorf("%w: external id %s recorded with amount %s, got %s",
				apperr.ErrDuplicateConflict, in.ExternalID, existing.GrossAmount, in.Amount)
		}
		return existing, false, nil
	case model.TxStatusFailed:
		return nil, false, fmt.Errorf("%w: transaction %d already failed", apperr.ErrInvalidStateTransition, existing.ID)
	}

	// pending row from the intent; the capture must confirm the intended amount
	if !existing.GrossAmount.Equal(in.Amount) {
		return nil, false, fmt.Errorf("%w: external id %s intended for %s, captured %s",
			apperr.ErrDuplicateConflict, in.ExternalID, existing.GrossAmount, in.Amount)
	}
	before := existing.Snapshot()
	done, err := s.newCompleted(ctx, tx, in)
	if err != nil {
		return nil, false, err
	}
	done.ID = existing.ID
	done.CreatedAt = existing.CreatedAt
	done.Metadata = existing.Metadata
	if len(in.Metadata) > 0 {
		done.Metadata = in.Metadata
	}
	if err := s.repo.CompletePendingTransaction(ctx, tx, done); err != nil {
		return nil, false, err
	}
	if err := s.afterCapture(ctx, tx, done, &before, in.Actor); err != nil {
		return nil, false, err
	}
	return done, true, nil
}

// newCompleted builds a completed row with commission resolved from rules read in tx.
func (s *LedgerService) newCompleted(ctx context.Context, tx *gorm.DB, in CaptureInput) (*model.Transaction, error) {
	rules, err := s.repo.ListCommissionRules(ctx, tx, in.TenantID)
	if err != nil {
		return nil, err
	}
	quote, err := commission.NewRuleSet(rules, s.defaultFee).Resolve(in.TenantID, in.OfferingType, in.CapturedAt)
	if err != nil {
		s.log.Errorw("commission resolution failed", "external_id", in.ExternalID, "tenant_id", in.TenantID, "error", err)
		return nil, err
	}
	fee, net := quote.Apply(in.Amount, in.Currency)
	completedAt := in.CapturedAt
	return &model.Transaction{
		TenantID:         in.TenantID,
		OfferingID:       in.OfferingID,
		OfferingType:     in.OfferingType,
		BuyerID:          in.BuyerID,
		ExternalID:       in.ExternalID,
		Type:             model.TransactionTypeFor(in.OfferingType),
		Status:           model.TxStatusCompleted,
		GrossAmount:      in.Amount,
		Currency:         in.Currency,
		FeePercent:       quote.FeePercent,
		FeeAmount:        fee,
		NetAmount:        net,
		CommissionRuleID: quote.RuleID,
		Metadata:         in.Metadata,
		CreatedAt:        in.CapturedAt,
		CompletedAt:      &completedAt,
	}, nil
}

func (s *LedgerService) afterCapture(ctx context.Context, tx *gorm.DB, t *model.Transaction, before *model.TransactionState, actor string) error {
	var err error
	if before == nil {
		err = appendAudit(ctx, s.repo, tx, t.TenantID, model.SubjectTransaction, t.ID, "captured", nil, t.Snapshot(), actor, "")
	} else {
		err = appendAudit(ctx, s.repo, tx, t.TenantID, model.SubjectTransaction, t.ID, "captured", *before, t.Snapshot(), actor, "")
	}
	if err != nil {
		return err
	}
	if err := emit(ctx, s.repo, tx, "Transaction", t.ID, t.TenantID, "TransactionCaptured", t.Snapshot()); err != nil {
		return err
	}
	if err := s.payouts.Accumulate(ctx, tx, t, actor); err != nil {
		return err
	}
	tier := "rule"
	if t.CommissionRuleID == nil {
		tier = commission.TierDefault.String()
	}
	s.metrics.IncCapture(tier)
	s.log.Infow("capture recorded", "transaction_id", t.ID, "external_id", t.ExternalID,
		"tenant_id", t.TenantID, "gross", t.GrossAmount, "fee", t.FeeAmount, "net", t.NetAmount)
	return nil
}

// RecordIntentTx writes the pending row for a payment intent. An existing row is returned as is.
func (s *LedgerService) RecordIntentTx(ctx context.Context, tx *gorm.DB, in CaptureInput) (*model.Transaction, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	t := &model.Transaction{
		TenantID:     in.TenantID,
		OfferingID:   in.OfferingID,
		OfferingType: in.OfferingType,
		BuyerID:      in.BuyerID,
		ExternalID:   in.ExternalID,
		Type:         model.TransactionTypeFor(in.OfferingType),
		Status:       model.TxStatusPending,
		GrossAmount:  in.Amount,
		Currency:     in.Currency,
		FeePercent:   decimal.Zero,
		FeeAmount:    decimal.Zero,
		NetAmount:    decimal.Zero,
		Metadata:     in.Metadata,
		CreatedAt:    in.CapturedAt,
	}
	inserted, err := s.repo.InsertTransaction(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindTransactionByExternalID(ctx, tx, in.ExternalID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("transaction %s vanished after insert conflict", in.ExternalID)
		}
		return existing, nil
	}
	if err := appendAudit(ctx, s.repo, tx, t.TenantID, model.SubjectTransaction, t.ID, "intent_recorded", nil, t.Snapshot(), in.Actor, ""); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordFailureTx marks the pending row of externalID failed. Unknown ids are a no-op.
func (s *LedgerService) RecordFailureTx(ctx context.Context, tx *gorm.DB, externalID, reason, actor string) error {
	t, err := s.repo.FindTransactionByExternalID(ctx, tx, externalID)
	if err != nil || t == nil {
		return err
	}
	switch t.Status {
	case model.TxStatusFailed:
		return nil
	case model.TxStatusPending:
	default:
		return fmt.Errorf("%w: transaction %d is %s", apperr.ErrInvalidStateTransition, t.ID, t.Status)
	}
	before := t.Snapshot()
	if err := s.repo.MarkTransactionFailed(ctx, tx, t.ID, reason); err != nil {
		return err
	}
	t.Status = model.TxStatusFailed
	t.FailureReason = reason
	return appendAudit(ctx, s.repo, tx, t.TenantID, model.SubjectTransaction, t.ID, "failed", before, t.Snapshot(), actor, reason)
}

// RecordRefund reverses a completed capture with a linked negative row.
func (s *LedgerService) RecordRefund(ctx context.Context, originalID uint64, reason, actor string) (*model.Transaction, error) {
	var out *model.Transaction
	err := inTx(ctx, s.repo, func(tx *gorm.DB) error {
		t, err := s.RecordRefundTx(ctx, tx, originalID, reason, actor)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	s.InvalidateBalance(ctx, out.TenantID)
	return out, nil
}

// RecordRefundTx is RecordRefund inside the caller's transaction.
func (s *LedgerService) RecordRefundTx(ctx context.Context, tx *gorm.DB, originalID uint64, reason, actor string) (*model.Transaction, error) {
	if actor == "" {
		actor = ActorSystem
	}
	orig, err := s.repo.GetTransactionForUpdate(ctx, tx, originalID)
	if err != nil {
		return nil, err
	}
	if orig.Type == model.TxTypeRefund {
		return nil, fmt.Errorf("%w: transaction %d is itself a refund", apperr.ErrInvalidStateTransition, orig.ID)
	}
	if orig.Status != model.TxStatusCompleted {
		return nil, fmt.Errorf("%w: transaction %d is %s, only completed captures can be refunded",
			apperr.ErrInvalidStateTransition, orig.ID, orig.Status)
	}

	now := timeNow()
	origID := orig.ID
	refund := &model.Transaction{
		TenantID:         orig.TenantID,
		OfferingID:       orig.OfferingID,
		OfferingType:     orig.OfferingType,
		BuyerID:          orig.BuyerID,
		ExternalID:       orig.ExternalID + ":refund",
		Type:             model.TxTypeRefund,
		Status:           model.TxStatusCompleted,
		GrossAmount:      orig.GrossAmount.Neg(),
		Currency:         orig.Currency,
		FeePercent:       orig.FeePercent,
		FeeAmount:        orig.FeeAmount.Neg(),
		NetAmount:        orig.NetAmount.Neg(),
		CommissionRuleID: orig.CommissionRuleID,
		RefundOfID:       &origID,
		RefundReason:     reason,
		CreatedAt:        now,
		CompletedAt:      &now,
	}
	inserted, err := s.repo.InsertTransaction(ctx, tx, refund)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("%w: refund of transaction %d already recorded", apperr.ErrInvalidStateTransition, orig.ID)
	}

	before := orig.Snapshot()
	if err := s.repo.MarkTransactionRefunded(ctx, tx, orig.ID, now); err != nil {
		return nil, err
	}
	orig.Status = model.TxStatusRefunded
	orig.RefundedAt = &now

	if err := appendAudit(ctx, s.repo, tx, orig.TenantID, model.SubjectTransaction, orig.ID, "refunded", before, orig.Snapshot(), actor, reason); err != nil {
		return nil, err
	}
	if err := appendAudit(ctx, s.repo, tx, refund.TenantID, model.SubjectTransaction, refund.ID, "refund_recorded", nil, refund.Snapshot(), actor, reason); err != nil {
		return nil, err
	}
	if err := emit(ctx, s.repo, tx, "Transaction", refund.ID, refund.TenantID, "TransactionRefunded", refund.Snapshot()); err != nil {
		return nil, err
	}
	if err := s.payouts.Accumulate(ctx, tx, refund, actor); err != nil {
		return nil, err
	}
	s.metrics.IncRefund()
	s.log.Infow("refund recorded", "transaction_id", refund.ID, "refund_of", orig.ID,
		"tenant_id", orig.TenantID, "net", refund.NetAmount, "reason", reason)
	return refund, nil
}

// GetUnsettledNet returns the tenant's posted net not yet handed to a payout in flight.
func (s *LedgerService) GetUnsettledNet(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	if bal, err := s.repo.GetCachedBalance(ctx, tenantID); err == nil {
		return bal, nil
	}
	// read the generation first; an invalidation racing the computation makes the
	// write-back unreadable instead of stale
	gen, genErr := s.repo.BalanceGeneration(ctx, tenantID)
	bal, err := s.UnsettledNetTx(ctx, nil, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	if genErr != nil {
		s.log.Debugw("balance cache skipped", "tenant_id", tenantID, "error", genErr)
		return bal, nil
	}
	if err := s.repo.CacheBalance(ctx, tenantID, gen, bal); err != nil {
		s.log.Debugw("balance cache skipped", "tenant_id", tenantID, "error", err)
	}
	return bal, nil
}

// UnsettledNetTx computes the balance from primary rows only.
func (s *LedgerService) UnsettledNetTx(ctx context.Context, tx *gorm.DB, tenantID string) (decimal.Decimal, error) {
	posted, err := s.repo.SumPostedNet(ctx, tx, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	inFlight, err := s.repo.SumPayoutTotals(ctx, tx, tenantID, model.PayoutProcessing, model.PayoutCompleted)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := s.repo.SumCarriedOut(ctx, tx, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	in, err := s.repo.SumCarriedIn(ctx, tx, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	return posted.Sub(inFlight).Sub(out).Add(in), nil
}

// UnsettledByCurrency splits the unsettled balance by currency. Each entry equals the
// total of the tenant's open payout in that currency.
func (s *LedgerService) UnsettledByCurrency(ctx context.Context, tx *gorm.DB, tenantID string) (map[string]decimal.Decimal, error) {
	return s.repo.SumUnsettledByCurrency(ctx, tx, tenantID)
}

// InvalidateBalance drops the cached balance; failures only cost a recomputation.
func (s *LedgerService) InvalidateBalance(ctx context.Context, tenantID string) {
	if err := s.repo.InvalidateBalance(ctx, tenantID); err != nil {
		s.log.Warnw("balance cache invalidation failed", "tenant_id", tenantID, "error", err)
	}
}

// GetTransaction returns one transaction.
func (s *LedgerService) GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error) {
	return s.repo.GetTransaction(ctx, nil, id)
}

// GetHistory fetches a tenant's transactions.
func (s *LedgerService) GetHistory(ctx context.Context, tenantID string, limit int, since time.Time) ([]model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.ListTransactions(ctx, tenantID, limit, since)
}

// CreateCommissionRule validates and stores a rule.
func (s *LedgerService) CreateCommissionRule(ctx context.Context, r *model.CommissionRule) error {
	if err := commission.ValidateRule(r); err != nil {
		return err
	}
	if err := s.repo.CreateCommissionRule(ctx, r); err != nil {
		return err
	}
	s.log.Infow("commission rule created", "rule_id", r.ID, "tenant_id", r.TenantID, "fee_percent", r.FeePercent)
	return nil
}

// QuoteCommission resolves the rule that would apply to a capture at asOf.
func (s *LedgerService) QuoteCommission(ctx context.Context, tenantID string, ot model.OfferingType, asOf time.Time) (commission.Quote, error) {
	rules, err := s.repo.ListCommissionRules(ctx, nil, tenantID)
	if err != nil {
		return commission.Quote{}, err
	}
	return commission.NewRuleSet(rules, s.defaultFee).Resolve(tenantID, ot, asOf)
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}
