// Package kafka consumes the gateway event stream.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventHandler applies one gateway event.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt service.Event) (service.Result, error)
}

// Parker takes over an event the consumer stopped retrying in place.
type Parker interface {
	Park(ctx context.Context, evt service.Event, partition int, offset int64, cause error) error
}

// ReaderConfig selects the gateway event topic.
type ReaderConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// NewReader returns a consumer-group reader with manual commits.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// Consumer feeds gateway events into the confirmation state machine. Offsets are
// committed only once an event is applied, rejected for good, or parked.
type Consumer struct {
	reader      Reader
	handler     EventHandler
	parker      Parker
	retryBase   time.Duration
	retryLimit  time.Duration
	maxRetryFor time.Duration
	log         *zap.SugaredLogger
}

func NewConsumer(r Reader, h EventHandler, p Parker, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{
		reader: r, handler: h, parker: p,
		retryBase: 500 * time.Millisecond, retryLimit: 30 * time.Second, maxRetryFor: 2 * time.Minute,
		log: logger,
	}
}

// Run consumes until ctx is canceled or the reader fails.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Infow("gateway event consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// process handles one message. Retryable failures are retried in place for up to
// maxRetryFor so the partition does not move past an event that has not been applied;
// after that the event is parked for the replay loop. A failed park leaves the offset
// uncommitted.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var evt service.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		c.log.Errorw("undecodable gateway event dropped", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return nil
	}

	b := retry.NewExponential(c.retryBase)
	b = retry.WithCappedDuration(c.retryLimit, b)
	b = retry.WithMaxDuration(c.maxRetryFor, b)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := c.handler.HandleEvent(ctx, evt)
		if err != nil && apperr.Retryable(err) {
			c.log.Warnw("gateway event will be retried", "external_id", evt.ExternalID, "type", evt.Type, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case apperr.Retryable(err):
		c.log.Errorw("gateway event retries exhausted", "external_id", evt.ExternalID, "type", evt.Type,
			"partition", msg.Partition, "offset", msg.Offset, "retried_for", c.maxRetryFor, "error", err)
		if perr := c.parker.Park(ctx, evt, msg.Partition, msg.Offset, err); perr != nil {
			return fmt.Errorf("park gateway event %s: %w", evt.ExternalID, perr)
		}
		return nil
	}
	// permanent rejection; the handler already logged it
	c.log.Errorw("gateway event skipped", "external_id", evt.ExternalID, "type", evt.Type,
		"offset", msg.Offset, "code", apperr.MetadataFor(err).Code)
	return nil
}
