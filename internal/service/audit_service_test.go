package service

import (
	"testing"
	"time"

	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditService_HistoryOfTransaction(t *testing.T) {
	h := newHarness(t)
	res, err := h.confirmation.HandleEvent(h.ctx, event("pi_a", EventIntentCreated, "100"))
	require.NoError(t, err)
	_, err = h.confirmation.HandleEvent(h.ctx, event("pi_a", EventCapture, "100"))
	require.NoError(t, err)
	_, err = h.ledger.RecordRefund(h.ctx, *res.TransactionID, "oops", "ops@example.com")
	require.NoError(t, err)

	entries, err := h.audit.History(h.ctx, model.SubjectTransaction, *res.TransactionID)
	require.NoError(t, err)
	var changes []string
	for _, e := range entries {
		changes = append(changes, e.ChangeType)
	}
	assert.Equal(t, []string{"intent_recorded", "captured", "refunded"}, changes)
	assert.Equal(t, "gateway", entries[1].Actor)
	assert.Equal(t, "ops@example.com", entries[2].Actor)
	assert.Equal(t, "oops", entries[2].Reason)
	assert.Empty(t, entries[0].Before)
	for _, e := range entries {
		assert.True(t, e.CreatedAt.Equal(t0), "entry %s stamped %s, want the service clock", e.ChangeType, e.CreatedAt)
	}
}

func TestAuditService_EntriesFollowServiceClock(t *testing.T) {
	h := newHarness(t)
	tx := h.capture(t, "t1", "pi_c", "100")

	later := t0.Add(3 * time.Hour)
	setClock(t, later)
	_, err := h.ledger.RecordRefund(h.ctx, tx.ID, "late", "")
	require.NoError(t, err)

	entries, err := h.audit.History(h.ctx, model.SubjectTransaction, tx.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].CreatedAt.Equal(t0))
	assert.True(t, entries[1].CreatedAt.Equal(later))
}

func TestAuditService_VerifyAfterMixedActivity(t *testing.T) {
	h := newHarness(t)

	a := h.capture(t, "t1", "pi_1", "100")
	h.capture(t, "t1", "pi_2", "50")
	_, err := h.ledger.RecordRefund(h.ctx, a.ID, "", "")
	require.NoError(t, err)
	p, err := h.payouts.Schedule(h.ctx, "t1", nil, "")
	require.NoError(t, err)
	h.capture(t, "t1", "pi_3", "20")
	_, err = h.payouts.ApplyGatewayResult(h.ctx, p.ID, GatewayResult{FailureReason: "bank down"}, "")
	require.NoError(t, err)
	open, err := h.payouts.OpenPayout(h.ctx, "t1", "USD")
	require.NoError(t, err)
	_, err = h.payouts.AbandonPayout(h.ctx, open.ID, "t2", "tenant merged", "")
	require.NoError(t, err)
	h.capture(t, "t2", "pi_4", "10")

	for _, tenant := range []string{"t1", "t2"} {
		rep, err := h.audit.Verify(h.ctx, tenant)
		require.NoError(t, err)
		assert.True(t, rep.Consistent, "%s: %+v", tenant, rep.Inconsistencies)
		assert.NotZero(t, rep.Entries)
		assert.True(t, rep.UnsettledNet.Equal(rep.OpenPayoutTotal))
	}
	rep, err := h.audit.Verify(h.ctx, "t2")
	require.NoError(t, err)
	assert.True(t, rep.UnsettledNet.Equal(dec("72")), "45 + 18 carried in, plus 9 captured, got %s", rep.UnsettledNet)
}

func TestAuditService_VerifyDetectsTampering(t *testing.T) {
	h := newHarness(t)
	tx := h.capture(t, "t1", "pi_1", "100")

	require.NoError(t, h.db.Model(&model.Transaction{}).Where("id = ?", tx.ID).
		Update("net_amount", dec("95")).Error)

	rep, err := h.audit.Verify(h.ctx, "t1")
	require.NoError(t, err)
	assert.False(t, rep.Consistent)
	require.NotEmpty(t, rep.Inconsistencies)
	assert.Equal(t, model.SubjectTransaction, rep.Inconsistencies[0].SubjectType)
	assert.Equal(t, tx.ID, rep.Inconsistencies[0].SubjectID)
	assert.Equal(t, "replayed state differs from store", rep.Inconsistencies[0].Reason)
	assert.False(t, rep.UnsettledNet.Equal(rep.OpenPayoutTotal))
}

func TestAuditService_VerifyDetectsUnauditedRow(t *testing.T) {
	h := newHarness(t)
	h.capture(t, "t1", "pi_1", "100")

	ghost := &model.Transaction{
		TenantID: "t1", OfferingID: "ev-1", OfferingType: model.OfferingEvent, ExternalID: "pi_ghost",
		Type: model.TxTypePurchase, Status: model.TxStatusPending, GrossAmount: dec("5"), Currency: "USD", CreatedAt: t0,
	}
	_, err := h.repo.InsertTransaction(h.ctx, nil, ghost)
	require.NoError(t, err)

	rep, err := h.audit.Verify(h.ctx, "t1")
	require.NoError(t, err)
	assert.False(t, rep.Consistent)
	require.Len(t, rep.Inconsistencies, 1)
	assert.Equal(t, ghost.ID, rep.Inconsistencies[0].SubjectID)
	assert.Equal(t, "no audit history", rep.Inconsistencies[0].Reason)
}
