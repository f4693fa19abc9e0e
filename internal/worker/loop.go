// Package worker runs the periodic background cycles of the ledger: outbox
// relay, gateway dispatch, payout scheduling and the stale-intent sweep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/payout-ledger/internal/metrics"
	"go.uber.org/zap"
)

const defaultInterval = time.Minute

// Locker coordinates exclusive cycles across instances.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Loop executes a Job on a fixed cadence while holding a named lock.
type Loop struct {
	name     string
	interval time.Duration
	lockTTL  time.Duration
	job      Job
	lock     Locker
	metrics  *metrics.Ledger
	log      *zap.SugaredLogger
}

// NewLoop builds a loop. lock may be nil when a single instance runs.
func NewLoop(name string, interval time.Duration, job Job, lock Locker, m *metrics.Ledger, logger *zap.SugaredLogger) (*Loop, error) {
	if name == "" {
		return nil, errors.New("loop name required")
	}
	if job == nil {
		return nil, fmt.Errorf("loop %s: job required", name)
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Loop{
		name: name, interval: interval, lockTTL: 2 * interval, job: job,
		lock: lock, metrics: m, log: logger.With("loop", name),
	}, nil
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Run executes cycles until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Infow("loop started", "interval", l.interval)
	l.RunCycle(ctx)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Infow("loop stopped")
			return nil
		case <-ticker.C:
			l.RunCycle(ctx)
		}
	}
}

// RunCycle runs the job once unless another instance holds the lock.
// It reports whether the job ran.
func (l *Loop) RunCycle(ctx context.Context) bool {
	if l.lock != nil {
		token, locked, err := l.lock.AcquireLock(ctx, l.lockName(), l.lockTTL)
		if err != nil {
			l.log.Errorw("lock acquire failed", "error", err)
			return false
		}
		if !locked {
			l.log.Debugw("another instance holds the lock; skipping cycle")
			return false
		}
		defer func() {
			if err := l.lock.ReleaseLock(ctx, l.lockName(), token); err != nil {
				l.log.Warnw("lock release failed", "error", err)
			}
		}()
	}

	start := time.Now()
	err := l.job(ctx)
	d := time.Since(start)
	l.metrics.ObserveJob(l.name, d, err)
	if err != nil {
		l.log.Errorw("cycle failed", "duration_ms", d.Milliseconds(), "error", err)
		return true
	}
	l.log.Debugw("cycle complete", "duration_ms", d.Milliseconds())
	return true
}

func (l *Loop) lockName() string { return "worker:" + l.name }
