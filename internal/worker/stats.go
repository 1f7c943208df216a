package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/carddemo/partner-events/internal/domain"
)

// StatsSource reports pipeline counts.
type StatsSource interface {
	OutboxStats(ctx context.Context) (domain.OutboxStats, error)
	DeliveryStats(ctx context.Context) (domain.DeliveryStats, error)
}

// StatsReporter logs a summary of the backlog when there is one.
type StatsReporter struct {
	source   StatsSource
	logger   *slog.Logger
	interval time.Duration
}

func NewStatsReporter(source StatsSource, logger *slog.Logger, interval time.Duration) *StatsReporter {
	return &StatsReporter{source: source, logger: logger, interval: interval}
}

func (r *StatsReporter) Start(ctx context.Context) {
	runEvery(ctx, r.interval, func(ctx context.Context) { r.Report(ctx) })
}

// Report logs current counts and reports whether anything was logged. A
// fully drained pipeline stays quiet.
func (r *StatsReporter) Report(ctx context.Context) bool {
	outbox, err := r.source.OutboxStats(ctx)
	if err != nil {
		r.logger.Error("failed to read outbox stats", "error", err)
		return false
	}
	deliveries, err := r.source.DeliveryStats(ctx)
	if err != nil {
		r.logger.Error("failed to read delivery stats", "error", err)
		return false
	}

	if outbox.Pending == 0 && outbox.Failed == 0 && deliveries.Pending == 0 && deliveries.Failed == 0 {
		return false
	}

	r.logger.Info("pipeline backlog",
		"outbox_pending", outbox.Pending,
		"outbox_failed", outbox.Failed,
		"deliveries_pending", deliveries.Pending,
		"deliveries_failed", deliveries.Failed,
		"deliveries_dead_letter", deliveries.DeadLetter,
	)
	return true
}
