package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/richardliu001/payout-ledger/internal/catalog"
	"github.com/richardliu001/payout-ledger/internal/gateway"
	"github.com/richardliu001/payout-ledger/internal/logger"
	"github.com/richardliu001/payout-ledger/internal/metrics"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"github.com/richardliu001/payout-ledger/internal/repo/repotest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	ctx          context.Context
	db           *gorm.DB
	mr           *miniredis.Miniredis
	reg          *prometheus.Registry
	repo         *repo.Repository
	catalog      *catalog.Static
	gw           *gateway.Fake
	ledger       *LedgerService
	payouts      *PayoutService
	confirmation *ConfirmationService
	audit        *AuditService
	dispatcher   *Dispatcher
}

// newHarness wires every service over SQLite and miniredis. Tenant t5 carries a 5% rule;
// everyone else pays the 10% default.
func newHarness(t *testing.T) *harness {
	t.Helper()
	setClock(t, t0)

	db := repotest.NewDB(t)
	rdb, mr := repotest.NewRedis(t)
	log := logger.Nop()
	reg := prometheus.NewRegistry()
	m := metrics.NewLedger(reg)
	r := repo.NewRepository(db, rdb, nil, log)
	cat := catalog.NewStatic().
		AddOffering("ev-1", "t1", model.OfferingEvent).
		AddOffering("ev-2", "t2", model.OfferingEvent).
		AddOffering("ev-5", "t5", model.OfferingEvent).
		SetDestination("t1", "acct_t1").
		SetDestination("t2", "acct_t2").
		SetDestination("t5", "acct_t5")
	gw := &gateway.Fake{}

	payouts := NewPayoutService(r, cat, m, log)
	ledger := NewLedgerService(r, payouts, decimal.Zero, m, log)
	confirmation := NewConfirmationService(r, ledger, cat, m, log)
	h := &harness{
		ctx: context.Background(), db: db, mr: mr, reg: reg, repo: r, catalog: cat, gw: gw,
		ledger: ledger, payouts: payouts, confirmation: confirmation,
		audit: NewAuditService(r, ledger, log),
		dispatcher: NewDispatcher(r, gw, payouts, confirmation, DispatcherConfig{
			RetryBase: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxRetries: 2, RequeueAfter: 30 * time.Second,
		}, m, log),
	}

	t5 := "t5"
	require.NoError(t, ledger.CreateCommissionRule(h.ctx, &model.CommissionRule{
		TenantID: &t5, FeePercent: decimal.NewFromInt(5), EffectiveFrom: t0.AddDate(-1, 0, 0),
	}))
	return h
}

// setClock freezes timeNow for the rest of the test.
func setClock(t *testing.T, at time.Time) {
	prev := timeNow
	timeNow = func() time.Time { return at }
	t.Cleanup(func() { timeNow = prev })
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (h *harness) capture(t *testing.T, tenant, ext, amount string) *model.Transaction {
	t.Helper()
	return h.captureIn(t, tenant, ext, amount, "USD")
}

func (h *harness) captureIn(t *testing.T, tenant, ext, amount, currency string) *model.Transaction {
	t.Helper()
	tx, err := h.ledger.RecordCapture(h.ctx, CaptureInput{
		ExternalID: ext, TenantID: tenant, OfferingID: "ev-x", OfferingType: model.OfferingEvent,
		Amount: dec(amount), Currency: currency,
	})
	require.NoError(t, err)
	return tx
}

func (h *harness) unsettled(t *testing.T, tenant string) decimal.Decimal {
	t.Helper()
	bal, err := h.ledger.UnsettledNetTx(h.ctx, nil, tenant)
	require.NoError(t, err)
	return bal
}

func (h *harness) openTotal(t *testing.T, tenant string) decimal.Decimal {
	t.Helper()
	opens, err := h.payouts.OpenPayouts(h.ctx, tenant)
	require.NoError(t, err)
	total := decimal.Zero
	for _, p := range opens {
		total = total.Add(p.TotalAmount)
	}
	return total
}

func (h *harness) tasks(t *testing.T) []model.GatewayTask {
	t.Helper()
	var ts []model.GatewayTask
	require.NoError(t, h.db.Order("id").Find(&ts).Error)
	return ts
}

func (h *harness) requireBalanced(t *testing.T, tenant string) {
	t.Helper()
	bal, open := h.unsettled(t, tenant), h.openTotal(t, tenant)
	require.True(t, bal.Equal(open), "unsettled %s != open payout total %s", bal, open)
}
