package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/gateway"
	"github.com/richardliu001/payout-ledger/internal/metrics"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// DispatcherConfig tunes how queued gateway tasks are delivered.
type DispatcherConfig struct {
	Batch        int           `yaml:"batch"`
	Lease        time.Duration `yaml:"lease"`
	RetryBase    time.Duration `yaml:"retry_base"`
	MaxRetries   uint64        `yaml:"max_retries"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	RequeueAfter time.Duration `yaml:"requeue_after"`
}

func (c *DispatcherConfig) setDefaults() {
	if c.Batch <= 0 {
		c.Batch = 50
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.RequeueAfter <= 0 {
		c.RequeueAfter = 30 * time.Second
	}
}

// Dispatcher delivers queued transfer and refund instructions to the gateway.
type Dispatcher struct {
	repo         repo.RepositoryInterface
	gw           gateway.Gateway
	payouts      *PayoutService
	confirmation *ConfirmationService
	cfg          DispatcherConfig
	metrics      *metrics.Ledger
	log          *zap.SugaredLogger
}

func NewDispatcher(r repo.RepositoryInterface, gw gateway.Gateway, payouts *PayoutService, confirmation *ConfirmationService,
	cfg DispatcherConfig, m *metrics.Ledger, logger *zap.SugaredLogger) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{repo: r, gw: gw, payouts: payouts, confirmation: confirmation, cfg: cfg, metrics: m, log: logger}
}

// RunOnce delivers every due task it can claim and returns how many reached a final status.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := timeNow()
	due, err := d.repo.DueTasks(ctx, now, d.cfg.Batch)
	if err != nil {
		return 0, err
	}
	finished := 0
	var errs []error
	for i := range due {
		task := due[i]
		claimed, err := d.repo.ClaimTask(ctx, task.ID, now, now.Add(d.cfg.Lease))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !claimed {
			continue
		}
		task.Attempts++
		done, err := d.deliver(ctx, &task)
		if err != nil {
			d.log.Errorw("gateway task failed", "task_id", task.ID, "kind", task.Kind, "error", err)
			errs = append(errs, fmt.Errorf("task %d: %w", task.ID, err))
			continue
		}
		if done {
			finished++
		}
	}
	return finished, errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, task *model.GatewayTask) (bool, error) {
	switch task.Kind {
	case model.TaskTransfer:
		return d.deliverTransfer(ctx, task)
	case model.TaskRefund:
		return d.deliverRefund(ctx, task)
	}
	return true, d.repo.FinishTask(ctx, nil, task.ID, model.TaskFailed, "", "unknown task kind "+string(task.Kind))
}

// call runs fn with bounded in-process retries on transient gateway errors.
func (d *Dispatcher) call(ctx context.Context, kind model.TaskKind, fn func(ctx context.Context) (gateway.Result, error)) (gateway.Result, error) {
	b := retry.NewExponential(d.cfg.RetryBase)
	b = retry.WithCappedDuration(d.cfg.MaxBackoff, b)
	b = retry.WithMaxRetries(d.cfg.MaxRetries, b)
	res, err := retry.DoValue(ctx, b, func(ctx context.Context) (gateway.Result, error) {
		r, err := fn(ctx)
		if errors.Is(err, apperr.ErrGatewayUnavailable) {
			d.metrics.IncGatewayCall(string(kind), "unavailable")
			return r, retry.RetryableError(err)
		}
		return r, err
	})
	switch {
	case err == nil:
		d.metrics.IncGatewayCall(string(kind), "ok")
	case errors.Is(err, apperr.ErrGatewayRejected):
		d.metrics.IncGatewayCall(string(kind), "rejected")
	}
	return res, err
}

func (d *Dispatcher) requeue(ctx context.Context, task *model.GatewayTask, cause error) (bool, error) {
	next := timeNow().Add(d.cfg.RequeueAfter)
	d.log.Warnw("gateway unavailable, task requeued", "task_id", task.ID, "kind", task.Kind,
		"attempts", task.Attempts, "next_attempt_at", next, "error", cause)
	return false, d.repo.RescheduleTask(ctx, task.ID, next, cause.Error())
}

func (d *Dispatcher) deliverTransfer(ctx context.Context, task *model.GatewayTask) (bool, error) {
	if task.PayoutID == nil {
		return true, d.repo.FinishTask(ctx, nil, task.ID, model.TaskFailed, "", "transfer task without payout")
	}
	p, err := d.repo.GetPayout(ctx, nil, *task.PayoutID)
	if err != nil {
		return false, err
	}
	if p.Status != model.PayoutProcessing {
		// settled through another path, e.g. a gateway callback
		return true, d.repo.FinishTask(ctx, nil, task.ID, model.TaskDone, "", "payout already "+string(p.Status))
	}

	res, err := d.call(ctx, task.Kind, func(ctx context.Context) (gateway.Result, error) {
		return d.gw.RequestTransfer(ctx, gateway.TransferRequest{
			IdempotencyKey: task.ExternalRef,
			PayoutID:       p.ID,
			TenantID:       p.TenantID,
			Destination:    task.Destination,
			Amount:         task.Amount,
			Currency:       task.Currency,
		})
	})
	switch {
	case err == nil:
		if _, err := d.payouts.ApplyGatewayResult(ctx, p.ID, GatewayResult{Success: true, ExternalPayoutID: res.ExternalID}, ActorGateway); err != nil {
			return false, err
		}
		return true, d.repo.FinishTask(ctx, nil, task.ID, model.TaskDone, res.ExternalID, "")
	case errors.Is(err, apperr.ErrGatewayRejected):
		if _, err2 := d.payouts.ApplyGatewayResult(ctx, p.ID, GatewayResult{FailureReason: err.Error()}, ActorGateway); err2 != nil {
			return false, err2
		}
		return true, d.repo.FinishTask(ctx, nil, task.ID, model.TaskFailed, "", err.Error())
	case errors.Is(err, apperr.ErrGatewayUnavailable):
		return d.requeue(ctx, task, err)
	}
	return false, err
}

func (d *Dispatcher) deliverRefund(ctx context.Context, task *model.GatewayTask) (bool, error) {
	if task.TransactionID == nil {
		return true, d.repo.FinishTask(ctx, nil, task.ID, model.TaskFailed, "", "refund task without transaction")
	}
	refund, err := d.repo.GetTransaction(ctx, nil, *task.TransactionID)
	if err != nil {
		return false, err
	}
	res, err := d.call(ctx, task.Kind, func(ctx context.Context) (gateway.Result, error) {
		return d.gw.RequestRefund(ctx, gateway.RefundRequest{
			IdempotencyKey: fmt.Sprintf("refund-%d", refund.ID),
			PaymentID:      task.ExternalRef,
			Amount:         task.Amount,
			Currency:       task.Currency,
			Reason:         refund.RefundReason,
		})
	})
	switch {
	case err == nil:
		return true, d.repo.FinishTask(ctx, nil, task.ID, model.TaskDone, res.ExternalID, "")
	case errors.Is(err, apperr.ErrGatewayRejected):
		if err2 := d.confirmation.EscalateRefund(ctx, task, err); err2 != nil {
			return false, err2
		}
		return true, d.repo.FinishTask(ctx, nil, task.ID, model.TaskFailed, "", err.Error())
	case errors.Is(err, apperr.ErrGatewayUnavailable):
		return d.requeue(ctx, task, err)
	}
	return false, err
}
