package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/model"
)

// maxReplayShift caps the replay backoff at 64 times the base delay.
const maxReplayShift = 6

// Park stores evt for the replay loop once in-place retries are exhausted. partition
// and offset locate the source message.
func (s *ConfirmationService) Park(ctx context.Context, evt Event, partition int, offset int64, cause error) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode parked event %s: %w", evt.ExternalID, err)
	}
	pe := &model.ParkedEvent{
		ExternalID:    evt.ExternalID,
		EventType:     string(evt.Type),
		Payload:       payload,
		Partition:     partition,
		Offset:        offset,
		Status:        model.ParkWaiting,
		NextAttemptAt: timeNow(),
		CreatedAt:     timeNow(),
	}
	if cause != nil {
		pe.LastError = cause.Error()
	}
	if err := s.repo.ParkEvent(ctx, pe); err != nil {
		return err
	}
	s.metrics.IncParkedEvent("parked")
	s.log.Errorw("gateway event parked", "external_id", evt.ExternalID, "type", evt.Type,
		"parked_id", pe.ID, "partition", partition, "offset", offset, "error", cause)
	return nil
}

// ReplayParked feeds due parked events back into HandleEvent. Events that still fail
// with a retryable error wait retryAfter, doubling per attempt.
func (s *ConfirmationService) ReplayParked(ctx context.Context, batch int, retryAfter time.Duration) (int, error) {
	now := timeNow()
	due, err := s.repo.DueParkedEvents(ctx, now, batch)
	if err != nil {
		return 0, err
	}
	settled := 0
	var errs []error
	for i := range due {
		pe := due[i]
		var evt Event
		if err := json.Unmarshal(pe.Payload, &evt); err != nil {
			errs = append(errs, s.resolveParked(ctx, pe, model.ParkRejected, err))
			settled++
			continue
		}
		_, err := s.HandleEvent(ctx, evt)
		switch {
		case err == nil:
			errs = append(errs, s.resolveParked(ctx, pe, model.ParkReplayed, nil))
			settled++
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return settled, err
		case apperr.Retryable(err):
			shift := pe.Attempts
			if shift > maxReplayShift {
				shift = maxReplayShift
			}
			next := now.Add(retryAfter << uint(shift))
			if rerr := s.repo.RescheduleParkedEvent(ctx, pe.ID, next, err.Error()); rerr != nil {
				errs = append(errs, rerr)
			}
			s.metrics.IncParkedEvent("rescheduled")
		default:
			errs = append(errs, s.resolveParked(ctx, pe, model.ParkRejected, err))
			settled++
		}
	}
	return settled, errors.Join(errs...)
}

func (s *ConfirmationService) resolveParked(ctx context.Context, pe model.ParkedEvent, status model.ParkStatus, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.repo.ResolveParkedEvent(ctx, pe.ID, status, msg); err != nil {
		return err
	}
	s.metrics.IncParkedEvent(string(status))
	if status == model.ParkRejected {
		s.log.Errorw("parked gateway event rejected", "parked_id", pe.ID, "external_id", pe.ExternalID, "error", cause)
	}
	return nil
}
