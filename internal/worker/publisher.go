package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carddemo/partner-events/internal/broker"
	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/metrics"
)

// OutboxStore is the outbox persistence the publisher needs.
type OutboxStore interface {
	PollPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxRecord, error)
	MarkOutboxPublished(ctx context.Context, id int64, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id int64) error
}

// OutboxPublisher relays PENDING outbox records to the broker. A record
// that the broker refuses stays PENDING and is retried on the next tick.
type OutboxPublisher struct {
	store     OutboxStore
	producer  MessagePublisher
	lock      Locker
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewOutboxPublisher creates a publisher. lock may be nil, in which case
// every instance publishes on every tick.
func NewOutboxPublisher(store OutboxStore, producer MessagePublisher, lock Locker, logger *slog.Logger, interval time.Duration, batchSize int) *OutboxPublisher {
	return &OutboxPublisher{
		store:     store,
		producer:  producer,
		lock:      lock,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

func (p *OutboxPublisher) WithMetrics(m *metrics.Metrics) *OutboxPublisher {
	p.metrics = m
	return p
}

// Start runs the publish loop until ctx is cancelled.
func (p *OutboxPublisher) Start(ctx context.Context) {
	p.logger.Info("outbox publisher started", "interval", p.interval, "batch_size", p.batchSize)
	runEvery(ctx, p.interval, p.tick)
	p.logger.Info("outbox publisher stopped")
}

func (p *OutboxPublisher) tick(ctx context.Context) {
	if p.lock == nil {
		if _, err := p.PublishPending(ctx); err != nil {
			p.logger.Error("outbox poll failed", "error", err)
		}
		return
	}

	_, err := p.lock.RunExclusive(ctx, func(ctx context.Context) error {
		_, err := p.PublishPending(ctx)
		return err
	})
	if err != nil {
		p.logger.Error("outbox poll failed", "error", err)
	}
}

// PublishPending publishes one batch of pending records in creation order
// and returns how many were marked PUBLISHED. Once a record of an aggregate
// fails, the rest of that aggregate's records wait for the next batch.
func (p *OutboxPublisher) PublishPending(ctx context.Context) (int, error) {
	records, err := p.store.PollPendingOutbox(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("polling outbox: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "outbox.publish_batch",
		trace.WithAttributes(attribute.Int("outbox.batch_size", len(records))),
	)
	defer span.End()

	blocked := make(map[string]struct{})
	published := 0

	for i := range records {
		rec := &records[i]
		if _, ok := blocked[rec.AggregateID]; ok {
			continue
		}

		if p.publishOne(ctx, rec) {
			published++
			continue
		}
		blocked[rec.AggregateID] = struct{}{}
	}

	span.SetAttributes(attribute.Int("outbox.published", published))
	if published < len(records) {
		span.SetStatus(codes.Error, "some records were not published")
	}

	p.logger.Debug("outbox batch done", "polled", len(records), "published", published)
	return published, nil
}

// publishOne reports whether later records of the same aggregate may go
// out in this batch.
func (p *OutboxPublisher) publishOne(ctx context.Context, rec *domain.OutboxRecord) bool {
	event, err := domain.DecodeEvent(rec.Payload)
	if err != nil {
		p.logger.Error("outbox record cannot be decoded, marking failed",
			"outbox_id", rec.ID,
			"event_id", rec.EventID,
			"event_type", rec.EventType,
			"error", err,
		)
		if err := p.store.MarkOutboxFailed(ctx, rec.ID); err != nil {
			p.logger.Error("failed to mark outbox record failed", "outbox_id", rec.ID, "error", err)
		} else {
			p.metrics.OutboxFailed()
		}
		// A defective record never blocks its aggregate.
		return true
	}

	meta := event.Meta()
	msg := broker.Message{
		Topic: event.Topic(),
		Key:   meta.AggregateID,
		Value: rec.Payload,
		Headers: map[string]string{
			broker.HeaderEventID:   meta.EventID,
			broker.HeaderEventType: meta.EventType,
		},
	}

	if err := p.producer.Publish(ctx, msg); err != nil {
		p.logger.Warn("publish failed, record stays pending",
			"outbox_id", rec.ID,
			"event_id", meta.EventID,
			"aggregate_id", meta.AggregateID,
			"error", err,
		)
		return false
	}

	if err := p.store.MarkOutboxPublished(ctx, rec.ID, p.now()); err != nil {
		// The broker has it; it will be sent again next tick.
		p.logger.Error("failed to mark outbox record published",
			"outbox_id", rec.ID,
			"event_id", meta.EventID,
			"error", err,
		)
		return false
	}
	p.metrics.OutboxPublished()

	p.logger.Debug("event published",
		"event_id", meta.EventID,
		"event_type", meta.EventType,
		"topic", msg.Topic,
		"aggregate_id", meta.AggregateID,
	)
	return true
}
