package service

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) parked(t *testing.T) []model.ParkedEvent {
	t.Helper()
	var es []model.ParkedEvent
	require.NoError(t, h.db.Order("id").Find(&es).Error)
	return es
}

func TestParking_ReplayAppliesOnceUnblocked(t *testing.T) {
	h := newHarness(t)

	refund := event("pi_p", EventRefund, "100")
	_, err := h.confirmation.HandleEvent(h.ctx, refund)
	require.ErrorIs(t, err, apperr.ErrOutOfOrder)
	require.NoError(t, h.confirmation.Park(h.ctx, refund, 3, 42, err))

	es := h.parked(t)
	require.Len(t, es, 1)
	assert.Equal(t, model.ParkWaiting, es[0].Status)
	assert.Equal(t, "pi_p", es[0].ExternalID)
	assert.Equal(t, int64(42), es[0].Offset)
	assert.Contains(t, es[0].LastError, "event arrived before its prerequisite")

	// still blocked: the event waits one retry period
	n, err := h.confirmation.ReplayParked(h.ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	es = h.parked(t)
	assert.Equal(t, 1, es[0].Attempts)
	assert.True(t, es[0].NextAttemptAt.Equal(t0.Add(time.Minute)), "next attempt %s", es[0].NextAttemptAt)

	n, err = h.confirmation.ReplayParked(h.ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	_, err = h.confirmation.HandleEvent(h.ctx, event("pi_p", EventCapture, "100"))
	require.NoError(t, err)
	setClock(t, t0.Add(2*time.Minute))

	n, err = h.confirmation.ReplayParked(h.ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.ParkReplayed, h.parked(t)[0].Status)
	assert.Equal(t, model.IntentRefunded, h.intent(t, "pi_p").State)
	assert.True(t, h.unsettled(t, "t1").IsZero())
	h.requireBalanced(t, "t1")
}

func TestParking_PermanentFailureIsRejected(t *testing.T) {
	h := newHarness(t)

	evt := event("pi_q", EventCapture, "100")
	evt.OfferingID = "ev-gone"
	require.NoError(t, h.confirmation.Park(h.ctx, evt, 0, 7, fmt.Errorf("%w: db timeout", apperr.ErrOutOfOrder)))

	n, err := h.confirmation.ReplayParked(h.ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	es := h.parked(t)
	assert.Equal(t, model.ParkRejected, es[0].Status)
	assert.Contains(t, es[0].LastError, "not found")

	n, err = h.confirmation.ReplayParked(h.ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected events are not replayed again")

	expected := `
# HELP payout_ledger_parked_events_total Gateway events parked after exhausting in-place retries, and their replay results.
# TYPE payout_ledger_parked_events_total counter
payout_ledger_parked_events_total{result="parked"} 1
payout_ledger_parked_events_total{result="rejected"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "payout_ledger_parked_events_total"))
}

func TestParking_LongErrorIsTruncated(t *testing.T) {
	h := newHarness(t)
	cause := fmt.Errorf("%w: %s", apperr.ErrOutOfOrder, strings.Repeat("x", 4096))
	require.NoError(t, h.confirmation.Park(h.ctx, event("pi_r", EventRefund, "1"), 0, 1, cause))
	assert.Len(t, h.parked(t)[0].LastError, 1024)
}
