package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carddemo/partner-events/internal/domain"
)

// DeliveryClaimer hands out due deliveries, leasing them so concurrent
// schedulers do not pick the same rows.
type DeliveryClaimer interface {
	ClaimReadyDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.Delivery, error)
}

// Submitter accepts claimed deliveries for dispatch. Free is the number of
// deliveries it can take without blocking.
type Submitter interface {
	Submit(ctx context.Context, d *domain.Delivery) bool
	Free() int
}

// RetryScheduler periodically dispatches deliveries that are due: new
// PENDING ones and FAILED ones whose backoff has elapsed.
type RetryScheduler struct {
	store     DeliveryClaimer
	pool      Submitter
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	lease     time.Duration
	now       func() time.Time
}

func NewRetryScheduler(store DeliveryClaimer, pool Submitter, logger *slog.Logger, interval time.Duration, batchSize int, lease time.Duration) *RetryScheduler {
	return &RetryScheduler{
		store:     store,
		pool:      pool,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		lease:     lease,
		now:       time.Now,
	}
}

// Start runs the schedule loop until ctx is cancelled.
func (s *RetryScheduler) Start(ctx context.Context) {
	s.logger.Info("retry scheduler started", "interval", s.interval)

	s.tick(ctx)
	runEvery(ctx, s.interval, s.tick)

	s.logger.Info("retry scheduler stopped")
}

func (s *RetryScheduler) tick(ctx context.Context) {
	if _, err := s.DispatchDue(ctx); err != nil {
		s.logger.Error("retry scan failed", "error", err)
	}
}

// DispatchDue claims one batch of due deliveries, submits them in
// nextAttemptAt order and returns how many were submitted. It never claims
// more than the pool can queue, so a claimed row does not sit in memory
// while its lease runs out.
func (s *RetryScheduler) DispatchDue(ctx context.Context) (int, error) {
	limit := min(s.batchSize, s.pool.Free())
	if limit <= 0 {
		s.logger.Debug("worker queue full, skipping retry scan")
		return 0, nil
	}

	now := s.now()
	due, err := s.store.ClaimReadyDeliveries(ctx, now, now.Add(s.lease), limit)
	if err != nil {
		return 0, fmt.Errorf("claiming due deliveries: %w", err)
	}

	submitted := 0
	for i := range due {
		if !s.pool.Submit(ctx, &due[i]) {
			break
		}
		submitted++
	}

	if submitted > 0 {
		s.logger.Info("dispatched due deliveries", "count", submitted)
	}
	return submitted, nil
}
