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
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventType is the kind of gateway notification.
type EventType string

const (
	EventIntentCreated EventType = "intent_created"
	EventCapturing     EventType = "capturing"
	EventCapture       EventType = "capture"
	EventRefusal       EventType = "refusal"
	EventRefund        EventType = "refund"
)

// Event is one gateway notification about a payment.
type Event struct {
	ExternalID string          `json:"external_id"`
	Type       EventType       `json:"type"`
	OfferingID string          `json:"offering_id,omitempty"`
	TenantHint string          `json:"tenant_hint,omitempty"`
	BuyerID    string          `json:"buyer_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   datatypes.JSON  `json:"metadata,omitempty"`
}

// Outcome tells the caller what an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result is returned from HandleEvent.
type Result struct {
	Outcome       Outcome           `json:"outcome"`
	State         model.IntentState `json:"state,omitempty"`
	TransactionID *uint64           `json:"transaction_id,omitempty"`
}

const (
	reasonCaptureTimeout = "capture_timeout"
	eventMarkerTTL       = 7 * 24 * time.Hour
)

// ConfirmationService drives each payment intent through its confirmation states.
type ConfirmationService struct {
	repo    repo.RepositoryInterface
	ledger  *LedgerService
	catalog catalog.Catalog
	metrics *metrics.Ledger
	log     *zap.SugaredLogger
}

func NewConfirmationService(r repo.RepositoryInterface, ledger *LedgerService, c catalog.Catalog,
	m *metrics.Ledger, logger *zap.SugaredLogger) *ConfirmationService {
	return &ConfirmationService{repo: r, ledger: ledger, catalog: c, metrics: m, log: logger}
}

func (e *Event) validate() error {
	e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
	if e.ExternalID == "" {
		return fmt.Errorf("%w: external_id is required", apperr.ErrValidation)
	}
	switch e.Type {
	case EventIntentCreated, EventCapturing, EventCapture, EventRefusal, EventRefund:
	default:
		return fmt.Errorf("%w: unknown event type %q", apperr.ErrValidation, e.Type)
	}
	if e.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", apperr.ErrValidation)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = timeNow()
	}
	return nil
}

// checkTenant rejects an event whose tenant hint names someone other than the owner.
func (e *Event) checkTenant(owner string) error {
	if e.TenantHint != "" && e.TenantHint != owner {
		return fmt.Errorf("%w: payment %s belongs to %s, event names %s",
			apperr.ErrTenantMismatch, e.ExternalID, owner, e.TenantHint)
	}
	return nil
}

func (e *Event) markerKey() string { return e.ExternalID + ":" + string(e.Type) }

func (e *Event) fingerprint() string { return e.Amount.String() + "|" + e.Currency }

// HandleEvent applies one gateway event. Redelivered events are harmless.
func (s *ConfirmationService) HandleEvent(ctx context.Context, evt Event) (Result, error) {
	if err := evt.validate(); err != nil {
		return Result{}, err
	}
	if seen, err := s.repo.GetEventMarker(ctx, evt.markerKey()); err == nil && seen == evt.fingerprint() {
		s.metrics.IncEvent(string(evt.Type), string(OutcomeDuplicate))
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	// catalog lookups stay outside the DB transaction
	var offering *model.Offering
	if evt.OfferingID != "" {
		o, err := s.catalog.Offering(ctx, evt.OfferingID)
		if err != nil {
			return Result{}, err
		}
		offering = &o
	}

	var res Result
	var tenantID string
	err := inTx(ctx, s.repo, func(tx *gorm.DB) error {
		in, created, err := s.loadOrCreateIntent(ctx, tx, evt, offering)
		if err != nil {
			return err
		}
		tenantID = in.TenantID
		outcome, err := s.transition(ctx, tx, in, evt, created)
		if err != nil {
			return err
		}
		if outcome == OutcomeApplied {
			if evt.Timestamp.After(in.LastEventAt) {
				in.LastEventAt = evt.Timestamp
			}
			if err := s.repo.UpdateIntent(ctx, tx, in); err != nil {
				return err
			}
		}
		res = Result{Outcome: outcome, State: in.State, TransactionID: in.TransactionID}
		return nil
	})
	s.metrics.IncEvent(string(evt.Type), outcomeLabel(res.Outcome, err))
	if err != nil {
		if apperr.Retryable(err) {
			s.log.Warnw("gateway event deferred", "external_id", evt.ExternalID, "type", evt.Type, "error", err)
		} else {
			s.log.Errorw("gateway event rejected", "external_id", evt.ExternalID, "type", evt.Type, "error", err)
		}
		return Result{}, err
	}

	if res.Outcome != OutcomeIgnored {
		if err := s.repo.MarkEventSeen(ctx, evt.markerKey(), evt.fingerprint(), eventMarkerTTL); err != nil {
			s.log.Warnw("event marker not stored", "external_id", evt.ExternalID, "error", err)
		}
	}
	if res.Outcome == OutcomeApplied {
		s.ledger.InvalidateBalance(ctx, tenantID)
	}
	s.log.Infow("gateway event handled", "external_id", evt.ExternalID, "type", evt.Type,
		"outcome", res.Outcome, "state", res.State)
	return res, nil
}

func outcomeLabel(o Outcome, err error) string {
	if err != nil {
		return "error"
	}
	return string(o)
}

// loadOrCreateIntent locks the intent of evt, creating it together with its pending
// transaction when this is the first event seen for the payment.
func (s *ConfirmationService) loadOrCreateIntent(ctx context.Context, tx *gorm.DB, evt Event, offering *model.Offering) (*model.PaymentIntent, bool, error) {
	in, err := s.repo.FindIntentForUpdate(ctx, tx, evt.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if in != nil {
		if err := evt.checkTenant(in.TenantID); err != nil {
			return nil, false, err
		}
		return in, false, nil
	}
	if evt.Type == EventRefund {
		return nil, false, fmt.Errorf("%w: refund for unknown payment %s", apperr.ErrOutOfOrder, evt.ExternalID)
	}
	if offering == nil {
		return nil, false, fmt.Errorf("%w: offering_id is required for a new payment", apperr.ErrValidation)
	}
	if err := evt.checkTenant(offering.TenantID); err != nil {
		return nil, false, err
	}

	in = &model.PaymentIntent{
		ExternalID:   evt.ExternalID,
		TenantID:     offering.TenantID,
		OfferingID:   offering.ID,
		OfferingType: offering.Type,
		BuyerID:      evt.BuyerID,
		Amount:       evt.Amount,
		Currency:     evt.Currency,
		State:        model.IntentCreated,
		LastEventAt:  evt.Timestamp,
	}
	inserted, err := s.repo.InsertIntent(ctx, tx, in)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		in, err = s.repo.FindIntentForUpdate(ctx, tx, evt.ExternalID)
		if err != nil {
			return nil, false, err
		}
		if in == nil {
			return nil, false, fmt.Errorf("intent %s vanished after insert conflict", evt.ExternalID)
		}
		return in, false, nil
	}

	t, err := s.ledger.RecordIntentTx(ctx, tx, s.captureInput(in, evt))
	if err != nil {
		return nil, false, err
	}
	in.TransactionID = &t.ID
	return in, true, nil
}

func (s *ConfirmationService) captureInput(in *model.PaymentIntent, evt Event) CaptureInput {
	amount := evt.Amount
	if amount.IsZero() {
		amount = in.Amount
	}
	currency := evt.Currency
	if currency == "" {
		currency = in.Currency
	}
	return CaptureInput{
		ExternalID:   in.ExternalID,
		TenantID:     in.TenantID,
		OfferingID:   in.OfferingID,
		OfferingType: in.OfferingType,
		BuyerID:      in.BuyerID,
		Amount:       amount,
		Currency:     currency,
		CapturedAt:   evt.Timestamp,
		Metadata:     evt.Metadata,
		Actor:        ActorGateway,
	}
}

func (s *ConfirmationService) invalid(in *model.PaymentIntent, evt Event) error {
	return fmt.Errorf("%w: %s event for payment %s in state %s",
		apperr.ErrInvalidStateTransition, evt.Type, in.ExternalID, in.State)
}

// transition applies evt to the locked intent.
func (s *ConfirmationService) transition(ctx context.Context, tx *gorm.DB, in *model.PaymentIntent, evt Event, created bool) (Outcome, error) {
	switch evt.Type {
	case EventIntentCreated:
		if created {
			return OutcomeApplied, nil
		}
		return OutcomeDuplicate, nil

	case EventCapturing:
		switch in.State {
		case model.IntentCreated:
			in.State = model.IntentCapturing
			return OutcomeApplied, nil
		case model.IntentCapturing:
			if created {
				return OutcomeApplied, nil
			}
			return OutcomeDuplicate, nil
		}
		return OutcomeIgnored, nil

	case EventCapture:
		switch in.State {
		case model.IntentCreated, model.IntentCapturing:
			t, _, err := s.ledger.RecordCaptureTx(ctx, tx, s.captureInput(in, evt))
			if err != nil {
				return "", err
			}
			in.State = model.IntentCaptured
			in.TransactionID = &t.ID
			return OutcomeApplied, nil
		case model.IntentCaptured, model.IntentRefundRequested, model.IntentRefunded:
			// redelivery; the ledger still rejects a changed amount
			if _, _, err := s.ledger.RecordCaptureTx(ctx, tx, s.captureInput(in, evt)); err != nil {
				return "", err
			}
			return OutcomeDuplicate, nil
		case model.IntentFailed:
			s.metrics.IncLateCapture()
			s.log.Errorw("capture after intent failed, needs manual reconciliation",
				"external_id", in.ExternalID, "tenant_id", in.TenantID, "failure_reason", in.FailureReason,
				"amount", evt.Amount)
			return "", s.invalid(in, evt)
		}

	case EventRefusal:
		switch in.State {
		case model.IntentCreated, model.IntentCapturing:
			reason := evt.Reason
			if reason == "" {
				reason = "refused by gateway"
			}
			if err := s.ledger.RecordFailureTx(ctx, tx, in.ExternalID, reason, ActorGateway); err != nil {
				return "", err
			}
			in.State = model.IntentFailed
			in.FailureReason = reason
			return OutcomeApplied, nil
		case model.IntentFailed:
			return OutcomeDuplicate, nil
		}
		return "", s.invalid(in, evt)

	case EventRefund:
		switch in.State {
		case model.IntentCreated, model.IntentCapturing:
			return "", fmt.Errorf("%w: refund for payment %s before capture", apperr.ErrOutOfOrder, in.ExternalID)
		case model.IntentCaptured:
			if in.TransactionID == nil {
				return "", fmt.Errorf("intent %s captured without a transaction", in.ExternalID)
			}
			if _, err := s.ledger.RecordRefundTx(ctx, tx, *in.TransactionID, evt.Reason, ActorGateway); err != nil {
				return "", err
			}
			in.State = model.IntentRefunded
			return OutcomeApplied, nil
		case model.IntentRefundRequested:
			// ledger side was written when the refund was requested
			in.State = model.IntentRefunded
			return OutcomeApplied, nil
		case model.IntentRefunded:
			return OutcomeDuplicate, nil
		}
		return "", s.invalid(in, evt)
	}
	return "", s.invalid(in, evt)
}

// RequestRefund starts a platform initiated refund: the ledger is reversed now and
// a refund instruction is queued for the gateway.
func (s *ConfirmationService) RequestRefund(ctx context.Context, transactionID uint64, reason, actor string) (*model.Transaction, error) {
	if actor == "" {
		actor = ActorSystem
	}
	orig, err := s.repo.GetTransaction(ctx, nil, transactionID)
	if err != nil {
		return nil, err
	}
	var refund *model.Transaction
	err = inTx(ctx, s.repo, func(tx *gorm.DB) error {
		// intent first, then transaction: same lock order as HandleEvent
		in, err := s.repo.FindIntentForUpdate(ctx, tx, orig.ExternalID)
		if err != nil {
			return err
		}
		if in != nil && in.State != model.IntentCaptured {
			return fmt.Errorf("%w: payment %s is %s", apperr.ErrInvalidStateTransition, in.ExternalID, in.State)
		}
		r, err := s.ledger.RecordRefundTx(ctx, tx, transactionID, reason, actor)
		if err != nil {
			return err
		}
		refundID := r.ID
		if err := s.repo.CreateTask(ctx, tx, &model.GatewayTask{
			Kind: model.TaskRefund, TransactionID: &refundID, TenantID: r.TenantID,
			ExternalRef: orig.ExternalID, Amount: orig.GrossAmount, Currency: orig.Currency,
			NextAttemptAt: timeNow(),
		}); err != nil {
			return err
		}
		if in != nil {
			in.State = model.IntentRefundRequested
			in.LastEventAt = timeNow()
			if err := s.repo.UpdateIntent(ctx, tx, in); err != nil {
				return err
			}
		}
		refund = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.ledger.InvalidateBalance(ctx, refund.TenantID)
	return refund, nil
}

// SweepStaleIntents fails intents that never reached a capture outcome within timeout.
func (s *ConfirmationService) SweepStaleIntents(ctx context.Context, timeout time.Duration, batch int) (int, error) {
	cutoff := timeNow().Add(-timeout)
	stale, err := s.repo.ListStaleIntents(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}
	swept := 0
	var errs []error
	for _, candidate := range stale {
		var changed bool
		err := inTx(ctx, s.repo, func(tx *gorm.DB) error {
			changed = false
			in, err := s.repo.FindIntentForUpdate(ctx, tx, candidate.ExternalID)
			if err != nil || in == nil {
				return err
			}
			if !in.State.Open() || !in.LastEventAt.Before(cutoff) {
				return nil
			}
			if err := s.ledger.RecordFailureTx(ctx, tx, in.ExternalID, reasonCaptureTimeout, ActorSystem); err != nil {
				return err
			}
			in.State = model.IntentFailed
			in.FailureReason = reasonCaptureTimeout
			changed = true
			return s.repo.UpdateIntent(ctx, tx, in)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("intent %s: %w", candidate.ExternalID, err))
			continue
		}
		if changed {
			swept++
			s.log.Warnw("stale payment intent failed", "external_id", candidate.ExternalID,
				"tenant_id", candidate.TenantID, "last_event_at", candidate.LastEventAt)
		}
	}
	return swept, errors.Join(errs...)
}

// EscalateRefund records that the gateway permanently refused a queued refund.
// The ledger reversal stands; the audit entry flags it for manual follow-up.
func (s *ConfirmationService) EscalateRefund(ctx context.Context, task *model.GatewayTask, cause error) error {
	if task.TransactionID == nil {
		return fmt.Errorf("refund task %d has no transaction", task.ID)
	}
	t, err := s.repo.GetTransaction(ctx, nil, *task.TransactionID)
	if err != nil {
		return err
	}
	snap := t.Snapshot()
	err = appendAudit(ctx, s.repo, nil, t.TenantID, model.SubjectTransaction, t.ID, "refund_escalated",
		snap, snap, ActorSystem, cause.Error())
	s.log.Errorw("gateway refused refund, escalated", "transaction_id", t.ID, "refund_of", t.RefundOfID,
		"tenant_id", t.TenantID, "error", cause)
	return err
}
