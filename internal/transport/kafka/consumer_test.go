package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/logger"
	"github.com/richardliu001/payout-ledger/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		f.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

type scriptedHandler struct {
	errs  map[string][]error
	calls map[string]int
}

func (h *scriptedHandler) HandleEvent(_ context.Context, evt service.Event) (service.Result, error) {
	n := h.calls[evt.ExternalID]
	h.calls[evt.ExternalID]++
	if errs := h.errs[evt.ExternalID]; n < len(errs) {
		return service.Result{}, errs[n]
	}
	return service.Result{Outcome: service.OutcomeApplied}, nil
}

type fakeParker struct {
	parked []string
	err    error
}

func (p *fakeParker) Park(_ context.Context, evt service.Event, _ int, _ int64, cause error) error {
	if p.err != nil {
		return p.err
	}
	p.parked = append(p.parked, evt.ExternalID+": "+cause.Error())
	return nil
}

func message(t *testing.T, offset int64, ext string) kafka.Message {
	b, err := json.Marshal(service.Event{ExternalID: ext, Type: service.EventCapture, Timestamp: time.Now()})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestConsumer_CommitsAfterHandling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		message(t, 1, "pi_ok"),
		message(t, 2, "pi_retry"),
		message(t, 3, "pi_bad"),
		{Offset: 4, Value: []byte("not json")},
	}}
	handler := &scriptedHandler{
		calls: map[string]int{},
		errs: map[string][]error{
			"pi_retry": {apperr.ErrOutOfOrder, apperr.ErrOutOfOrder},
			"pi_bad":   {apperr.ErrDuplicateConflict},
		},
	}
	parker := &fakeParker{}
	c := NewConsumer(reader, handler, parker, logger.Nop())
	c.retryBase = time.Millisecond

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)
	assert.Equal(t, 3, handler.calls["pi_retry"], "retryable errors are retried before committing")
	assert.Equal(t, 1, handler.calls["pi_bad"], "permanent rejections are not retried")
	assert.Empty(t, parker.parked)
}

type alwaysOutOfOrder struct{ calls int }

func (h *alwaysOutOfOrder) HandleEvent(context.Context, service.Event) (service.Result, error) {
	h.calls++
	return service.Result{}, fmt.Errorf("%w: refund before capture", apperr.ErrOutOfOrder)
}

func TestConsumer_ParksAfterRetryWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		message(t, 1, "pi_stuck"),
		message(t, 2, "pi_next"),
	}}
	handler := &alwaysOutOfOrder{}
	parker := &fakeParker{}
	c := NewConsumer(reader, handler, parker, logger.Nop())
	c.retryBase = time.Millisecond
	c.retryLimit = 2 * time.Millisecond
	c.maxRetryFor = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer kept retrying past its window")
	}

	assert.Equal(t, []int64{1, 2}, reader.committed, "parked events release the partition")
	require.Len(t, parker.parked, 2)
	assert.Contains(t, parker.parked[0], "pi_stuck")
	assert.Contains(t, parker.parked[0], "event arrived before its prerequisite")
	assert.Greater(t, handler.calls, 2)
}

func TestConsumer_ParkFailureStopsWithoutCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{message(t, 7, "pi_stuck")}}
	c := NewConsumer(reader, &alwaysOutOfOrder{}, &fakeParker{err: errors.New("db down")}, logger.Nop())
	c.retryBase = time.Millisecond
	c.retryLimit = time.Millisecond
	c.maxRetryFor = 5 * time.Millisecond

	err := c.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Empty(t, reader.committed)
}
