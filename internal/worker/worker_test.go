package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/richardliu001/payout-ledger/internal/logger"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"github.com/richardliu001/payout-ledger/internal/repo/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_SkipsCycleWhileLockIsHeld(t *testing.T) {
	db := repotest.NewDB(t)
	rdb, mr := repotest.NewRedis(t)
	r := repo.NewRepository(db, rdb, nil, logger.Nop())

	runs := 0
	loop, err := NewLoop("schedule", time.Minute, func(context.Context) error {
		runs++
		return nil
	}, r, nil, logger.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, loop.RunCycle(ctx))
	assert.Equal(t, 1, runs)
	assert.False(t, mr.Exists("lock:worker:schedule"), "lock is released after the cycle")

	require.NoError(t, mr.Set("lock:worker:schedule", "other-instance"))
	assert.False(t, loop.RunCycle(ctx))
	assert.Equal(t, 1, runs)
}

func TestLoop_OverrunDoesNotReleaseSuccessorsLock(t *testing.T) {
	db := repotest.NewDB(t)
	rdb, mr := repotest.NewRedis(t)
	r := repo.NewRepository(db, rdb, nil, logger.Nop())

	// the job outlives its lock and another instance takes the key meanwhile
	loop, err := NewLoop("dispatch", time.Minute, func(context.Context) error {
		mr.Del("lock:worker:dispatch")
		return mr.Set("lock:worker:dispatch", "successor")
	}, r, nil, logger.Nop())
	require.NoError(t, err)

	assert.True(t, loop.RunCycle(context.Background()))
	v, err := mr.Get("lock:worker:dispatch")
	require.NoError(t, err)
	assert.Equal(t, "successor", v)
}

func TestLoop_FailedJobStillCounts(t *testing.T) {
	loop, err := NewLoop("sweep", 0, func(context.Context) error { return errors.New("boom") }, nil, nil, logger.Nop())
	require.NoError(t, err)
	assert.True(t, loop.RunCycle(context.Background()))
	assert.Equal(t, defaultInterval, loop.interval)
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop, err := NewLoop("outbox", 10*time.Millisecond, func(context.Context) error {
		cancel()
		return nil
	}, nil, nil, logger.Nop())
	require.NoError(t, err)
	assert.NoError(t, loop.Run(ctx))
}

func TestNewLoop_Validation(t *testing.T) {
	_, err := NewLoop("", time.Second, func(context.Context) error { return nil }, nil, nil, logger.Nop())
	assert.Error(t, err)
	_, err = NewLoop("x", time.Second, nil, nil, nil, logger.Nop())
	assert.Error(t, err)
}

type fakeOutbox struct {
	events    []model.OutboxEvent
	failID    uint64
	published []uint64
	processed []uint64
}

func (f *fakeOutbox) PollOutbox(context.Context, int) ([]model.OutboxEvent, error) { return f.events, nil }

func (f *fakeOutbox) PublishEvent(_ context.Context, evt model.OutboxEvent) error {
	if evt.ID == f.failID {
		return errors.New("broker down")
	}
	f.published = append(f.published, evt.ID)
	return nil
}

func (f *fakeOutbox) MarkOutboxProcessed(_ context.Context, id uint64) error {
	f.processed = append(f.processed, id)
	return nil
}

func TestOutboxRelay_HoldsBackTenantAfterFailure(t *testing.T) {
	store := &fakeOutbox{
		events: []model.OutboxEvent{
			{ID: 1, TenantID: "t1"}, {ID: 2, TenantID: "t2"}, {ID: 3, TenantID: "t1"}, {ID: 4, TenantID: "t2"},
		},
		failID: 2,
	}
	err := NewOutboxRelay(store, 10, logger.Nop()).RelayOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish id=2")
	assert.Equal(t, []uint64{1, 3}, store.published)
	assert.Equal(t, []uint64{1, 3}, store.processed)
}

func TestOutboxRelay_WithRepository(t *testing.T) {
	db := repotest.NewDB(t)
	r := repo.NewRepository(db, nil, nil, logger.Nop())
	ctx := context.Background()
	require.NoError(t, r.CreateOutboxEvent(ctx, nil, &model.OutboxEvent{
		Aggregate: "Payout", AggregateID: 1, EventType: "PayoutScheduled", TenantID: "t1", Payload: `{}`,
	}))

	err := NewOutboxRelay(r, 10, logger.Nop()).RelayOnce(ctx)
	require.Error(t, err, "no kafka writer configured")

	pending, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "unpublished rows stay in the outbox")
}
