package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/catalog"
	"github.com/richardliu001/payout-ledger/internal/metrics"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GatewayResult is the outcome of a transfer as reported by the gateway.
type GatewayResult struct {
	Success          bool   `json:"success"`
	ExternalPayoutID string `json:"external_payout_id"`
	FailureReason    string `json:"failure_reason"`
}

// PayoutService batches unsettled net amounts per tenant and drives payouts to settlement.
type PayoutService struct {
	repo    repo.RepositoryInterface
	catalog catalog.Catalog
	metrics *metrics.Ledger
	log     *zap.SugaredLogger
}

func NewPayoutService(r repo.RepositoryInterface, c catalog.Catalog, m *metrics.Ledger, logger *zap.SugaredLogger) *PayoutService {
	return &PayoutService{repo: r, catalog: c, metrics: m, log: logger}
}

// lockOpenPayout returns the tenant's pending payout in currency locked for update,
// opening one if needed.
func (s *PayoutService) lockOpenPayout(ctx context.Context, tx *gorm.DB, tenantID, currency, actor string) (*model.Payout, error) {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		p, err := s.repo.FindOpenPayoutForUpdate(ctx, tx, tenantID, currency)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
		now := timeNow()
		fresh := &model.Payout{
			TenantID: tenantID, Status: model.PayoutPending, Currency: currency,
			PeriodStart: now, CreatedAt: now,
		}
		created, err := s.repo.EnsureOpenPayout(ctx, tx, fresh)
		if err != nil {
			return nil, err
		}
		if created {
			if err := appendAudit(ctx, s.repo, tx, tenantID, model.SubjectPayout, fresh.ID, "opened", nil, fresh.Snapshot(), actor, ""); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("could not open a %s payout for tenant %s", currency, tenantID)
}

// Accumulate adds a posted transaction to the tenant's open payout in the transaction's
// currency. It must run in the transaction that posted t.
func (s *PayoutService) Accumulate(ctx context.Context, tx *gorm.DB, t *model.Transaction, actor string) error {
	p, err := s.lockOpenPayout(ctx, tx, t.TenantID, t.Currency, actor)
	if err != nil {
		return err
	}
	before := p.Snapshot()
	tid := t.ID
	if err := s.repo.CreatePayoutItem(ctx, tx, &model.PayoutItem{
		PayoutID: p.ID, TransactionID: &tid, Amount: t.NetAmount, CreatedAt: timeNow(),
	}); err != nil {
		return err
	}
	p.TotalAmount = p.TotalAmount.Add(t.NetAmount)
	p.TransactionCount++
	if err := s.repo.UpdatePayout(ctx, tx, p, model.PayoutPending); err != nil {
		return err
	}
	return appendAudit(ctx, s.repo, tx, p.TenantID, model.SubjectPayout, p.ID, "accumulated",
		before, p.Snapshot(), actor, fmt.Sprintf("transaction %d", t.ID))
}

// Schedule closes the tenant's oldest open payout holding a positive total and queues
// its transfer.
func (s *PayoutService) Schedule(ctx context.Context, tenantID string, periodEnd *time.Time, actor string) (*model.Payout, error) {
	return s.ScheduleCurrency(ctx, tenantID, "", periodEnd, actor)
}

// ScheduleCurrency closes the tenant's open payout in currency and queues its transfer.
// An empty currency picks the oldest open payout with a positive total.
func (s *PayoutService) ScheduleCurrency(ctx context.Context, tenantID, currency string, periodEnd *time.Time, actor string) (*model.Payout, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	dest, err := s.catalog.PayoutDestination(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if actor == "" {
		actor = ActorSystem
	}
	var out *model.Payout
	err = inTx(ctx, s.repo, func(tx *gorm.DB) error {
		cur := currency
		if cur == "" {
			opens, err := s.repo.ListOpenPayouts(ctx, tx, tenantID)
			if err != nil {
				return err
			}
			for i := range opens {
				if opens[i].TotalAmount.IsPositive() {
					cur = opens[i].Currency
					break
				}
			}
			if cur == "" {
				return fmt.Errorf("%w: tenant %s has no positive open balance", apperr.ErrNothingToSettle, tenantID)
			}
		}
		p, err := s.repo.FindOpenPayoutForUpdate(ctx, tx, tenantID, cur)
		if err != nil {
			return err
		}
		if p == nil || !p.TotalAmount.IsPositive() {
			return fmt.Errorf("%w: tenant %s has no positive open %s balance", apperr.ErrNothingToSettle, tenantID, cur)
		}
		before := p.Snapshot()
		now := timeNow()
		end := now
		if periodEnd != nil {
			end = *periodEnd
		}
		p.Status = model.PayoutProcessing
		p.PeriodEnd = &end
		p.DestinationAccount = dest
		p.ScheduledAt = &now
		if err := s.repo.UpdatePayout(ctx, tx, p, model.PayoutPending); err != nil {
			return err
		}
		pid := p.ID
		if err := s.repo.CreateTask(ctx, tx, &model.GatewayTask{
			Kind: model.TaskTransfer, PayoutID: &pid, TenantID: p.TenantID,
			ExternalRef: fmt.Sprintf("payout-%d", p.ID), Destination: dest,
			Amount: p.TotalAmount, Currency: p.Currency, NextAttemptAt: now,
		}); err != nil {
			return err
		}
		if err := appendAudit(ctx, s.repo, tx, p.TenantID, model.SubjectPayout, p.ID, "scheduled", before, p.Snapshot(), actor, ""); err != nil {
			return err
		}
		if err := emit(ctx, s.repo, tx, "Payout", p.ID, p.TenantID, "PayoutScheduled", p.Snapshot()); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, tenantID)
	s.metrics.IncPayout(string(model.PayoutProcessing))
	s.log.Infow("payout scheduled", "payout_id", out.ID, "tenant_id", tenantID,
		"currency", out.Currency, "total", out.TotalAmount, "transactions", out.TransactionCount)
	return out, nil
}

// ScheduleDue schedules every open payout, one per currency, of the tenants holding one.
func (s *PayoutService) ScheduleDue(ctx context.Context, batch int) (int, error) {
	tenants, err := s.repo.ListTenantsWithOpenPayouts(ctx, batch)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	var errs []error
	for _, tenantID := range tenants {
		opens, err := s.repo.ListOpenPayouts(ctx, nil, tenantID)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		for _, open := range opens {
			if !open.TotalAmount.IsPositive() {
				continue
			}
			if _, err := s.ScheduleCurrency(ctx, tenantID, open.Currency, nil, ActorSystem); err != nil {
				if errors.Is(err, apperr.ErrNothingToSettle) {
					continue
				}
				s.log.Warnw("scheduling payout failed", "tenant_id", tenantID, "currency", open.Currency, "error", err)
				errs = append(errs, fmt.Errorf("tenant %s %s: %w", tenantID, open.Currency, err))
				continue
			}
			scheduled++
		}
	}
	return scheduled, errors.Join(errs...)
}

// ApplyGatewayResult settles a processing payout. Replaying the same result is a no-op.
func (s *PayoutService) ApplyGatewayResult(ctx context.Context, payoutID uint64, res GatewayResult, actor string) (*model.Payout, error) {
	if res.Success && res.ExternalPayoutID == "" {
		return nil, fmt.Errorf("%w: external_payout_id is required on success", apperr.ErrValidation)
	}
	if actor == "" {
		actor = ActorGateway
	}
	var out *model.Payout
	var changed bool
	err := inTx(ctx, s.repo, func(tx *gorm.DB) error {
		changed = false
		p, err := s.repo.GetPayoutForUpdate(ctx, tx, payoutID)
		if err != nil {
			return err
		}
		out = p
		switch p.Status {
		case model.PayoutProcessing:
		case model.PayoutCompleted:
			if res.Success && p.ExternalPayoutID != nil && *p.ExternalPayoutID == res.ExternalPayoutID {
				return nil
			}
			return fmt.Errorf("%w: payout %d already completed", apperr.ErrInvalidStateTransition, p.ID)
		case model.PayoutFailed:
			if !res.Success {
				return nil
			}
			return fmt.Errorf("%w: payout %d already failed", apperr.ErrInvalidStateTransition, p.ID)
		default:
			return fmt.Errorf("%w: payout %d is %s", apperr.ErrInvalidStateTransition, p.ID, p.Status)
		}

		before := p.Snapshot()
		now := timeNow()
		if res.Success {
			ext := res.ExternalPayoutID
			p.Status = model.PayoutCompleted
			p.ExternalPayoutID = &ext
			p.SettledAt = &now
			if err := s.repo.UpdatePayout(ctx, tx, p, model.PayoutProcessing); err != nil {
				return err
			}
			if err := appendAudit(ctx, s.repo, tx, p.TenantID, model.SubjectPayout, p.ID, "completed", before, p.Snapshot(), actor, ""); err != nil {
				return err
			}
			if err := emit(ctx, s.repo, tx, "Payout", p.ID, p.TenantID, "PayoutCompleted", p.Snapshot()); err != nil {
				return err
			}
		} else {
			reason := res.FailureReason
			if reason == "" {
				reason = "rejected by gateway"
			}
			if err := s.failAndCarry(ctx, tx, p, p.TenantID, model.PayoutProcessing, before, reason, actor); err != nil {
				return err
			}
			if err := emit(ctx, s.repo, tx, "Payout", p.ID, p.TenantID, "PayoutFailed", p.Snapshot()); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.invalidate(ctx, out.TenantID)
		s.metrics.IncPayout(string(out.Status))
		s.log.Infow("payout settled", "payout_id", out.ID, "tenant_id", out.TenantID,
			"status", out.Status, "reason", out.FailureReason)
	}
	return out, nil
}

// AbandonPayout cancels a pending payout and re-attributes its amount to another tenant.
func (s *PayoutService) AbandonPayout(ctx context.Context, payoutID uint64, reattributeTo, reason, actor string) (*model.Payout, error) {
	if reattributeTo == "" {
		return nil, fmt.Errorf("%w: a tenant to re-attribute to is required", apperr.ErrValidation)
	}
	if actor == "" {
		actor = ActorSystem
	}
	var out *model.Payout
	err := inTx(ctx, s.repo, func(tx *gorm.DB) error {
		p, err := s.repo.GetPayoutForUpdate(ctx, tx, payoutID)
		if err != nil {
			return err
		}
		if p.Status != model.PayoutPending {
			return fmt.Errorf("%w: payout %d is %s, only pending payouts can be abandoned",
				apperr.ErrInvalidStateTransition, p.ID, p.Status)
		}
		if p.TenantID == reattributeTo {
			return fmt.Errorf("%w: payout %d already belongs to tenant %s", apperr.ErrValidation, p.ID, reattributeTo)
		}
		if err := s.failAndCarry(ctx, tx, p, reattributeTo, model.PayoutPending, p.Snapshot(), "abandoned: "+reason, actor); err != nil {
			return err
		}
		out = p
		return emit(ctx, s.repo, tx, "Payout", p.ID, p.TenantID, "PayoutAbandoned", p.Snapshot())
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, out.TenantID)
	s.invalidate(ctx, reattributeTo)
	s.log.Infow("payout abandoned", "payout_id", out.ID, "tenant_id", out.TenantID,
		"reattributed_to", reattributeTo, "total", out.TotalAmount)
	return out, nil
}

// failAndCarry marks p failed and moves its total into carryTenant's open payout in p's
// currency.
func (s *PayoutService) failAndCarry(ctx context.Context, tx *gorm.DB, p *model.Payout, carryTenant string,
	from model.PayoutStatus, before model.PayoutState, reason, actor string) error {
	dst, err := s.lockOpenPayout(ctx, tx, carryTenant, p.Currency, actor)
	if err != nil {
		return err
	}
	dstBefore := dst.Snapshot()

	dstID := dst.ID
	p.Status = model.PayoutFailed
	p.FailureReason = reason
	p.CarriedIntoID = &dstID
	if err := s.repo.UpdatePayout(ctx, tx, p, from); err != nil {
		return err
	}
	if err := appendAudit(ctx, s.repo, tx, p.TenantID, model.SubjectPayout, p.ID, "failed", before, p.Snapshot(), actor, reason); err != nil {
		return err
	}

	srcID := p.ID
	if err := s.repo.CreatePayoutItem(ctx, tx, &model.PayoutItem{
		PayoutID: dst.ID, SourcePayoutID: &srcID, Amount: p.TotalAmount, CreatedAt: timeNow(),
	}); err != nil {
		return err
	}
	dst.TotalAmount = dst.TotalAmount.Add(p.TotalAmount)
	dst.TransactionCount += p.TransactionCount
	if err := s.repo.UpdatePayout(ctx, tx, dst, model.PayoutPending); err != nil {
		return err
	}
	return appendAudit(ctx, s.repo, tx, dst.TenantID, model.SubjectPayout, dst.ID, "carried_over",
		dstBefore, dst.Snapshot(), actor, fmt.Sprintf("payout %d", p.ID))
}

// GetPayout returns one payout.
func (s *PayoutService) GetPayout(ctx context.Context, id uint64) (*model.Payout, error) {
	return s.repo.GetPayout(ctx, nil, id)
}

// ListPayouts returns a tenant's payouts, newest first.
func (s *PayoutService) ListPayouts(ctx context.Context, tenantID string, limit int) ([]model.Payout, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.ListPayouts(ctx, tenantID, limit)
}

// OpenPayout returns the tenant's pending payout in currency or nil.
func (s *PayoutService) OpenPayout(ctx context.Context, tenantID, currency string) (*model.Payout, error) {
	return s.repo.FindOpenPayoutForUpdate(ctx, nil, tenantID, strings.ToUpper(currency))
}

// OpenPayouts returns every pending payout of the tenant, one per currency.
func (s *PayoutService) OpenPayouts(ctx context.Context, tenantID string) ([]model.Payout, error) {
	return s.repo.ListOpenPayouts(ctx, nil, tenantID)
}

func (s *PayoutService) invalidate(ctx context.Context, tenantID string) {
	if err := s.repo.InvalidateBalance(ctx, tenantID); err != nil {
		s.log.Warnw("balance cache invalidation failed", "tenant_id", tenantID, "error", err)
	}
}
