package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/carddemo/partner-events/internal/broker"
	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/metrics"
)

// Headers added to dead-lettered messages.
const (
	HeaderOriginalTopic  = "originalTopic"
	HeaderOriginalOffset = "originalOffset"
	HeaderDecodeError    = "error"
)

// MessageSource is a group consumer with explicit commits.
type MessageSource interface {
	Fetch(ctx context.Context) (broker.Message, error)
	Commit(ctx context.Context, msg broker.Message) error
}

// EventMatcher turns a consumed event into partner deliveries.
type EventMatcher interface {
	Match(ctx context.Context, event domain.DomainEvent, payload []byte) (int, error)
}

// EventConsumer reads domain events from the broker and hands them to the
// matcher. A message is committed only after it has been handled, or after
// it has been forwarded to the dead-letter topic when it cannot be decoded.
type EventConsumer struct {
	source      MessageSource
	dlq         MessagePublisher
	matcher     EventMatcher
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
	maxBackoff  time.Duration
	metrics     *metrics.Metrics
}

func NewEventConsumer(source MessageSource, dlq MessagePublisher, matcher EventMatcher, logger *slog.Logger) *EventConsumer {
	return &EventConsumer{
		source:      source,
		dlq:         dlq,
		matcher:     matcher,
		logger:      logger,
		maxAttempts: 3,
		retryDelay:  time.Second,
		maxBackoff:  30 * time.Second,
	}
}

func (c *EventConsumer) WithMetrics(m *metrics.Metrics) *EventConsumer {
	c.metrics = m
	return c
}

// Start consumes until ctx is cancelled.
func (c *EventConsumer) Start(ctx context.Context) {
	c.logger.Info("event consumer started")
	defer c.logger.Info("event consumer stopped")

	for {
		msg, err := c.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("fetch failed", "error", err)
			if !sleepCtx(ctx, c.retryDelay) {
				return
			}
			continue
		}

		if !c.handleUntilDone(ctx, msg) {
			return
		}

		if err := c.source.Commit(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

// handleUntilDone retries msg with a capped backoff until it is handled or
// ctx ends. Commits are cumulative per partition, so fetching past a failed
// message would lose it. It reports false only when ctx ended first.
func (c *EventConsumer) handleUntilDone(ctx context.Context, msg broker.Message) bool {
	backoff := c.retryDelay
	for {
		err := c.Handle(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		c.logger.Error("event handling failed, retrying same message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"event_id", msg.Headers[broker.HeaderEventID],
			"retry_in", backoff,
			"error", err,
		)
		if !sleepCtx(ctx, backoff) {
			return false
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// Handle processes a single message. A nil return means msg may be committed.
func (c *EventConsumer) Handle(ctx context.Context, msg broker.Message) error {
	event, err := domain.DecodeEvent(msg.Value)
	if err != nil {
		return c.deadLetter(ctx, msg, err)
	}

	meta := event.Meta()
	for attempt := 1; ; attempt++ {
		created, err := c.matcher.Match(ctx, event, msg.Value)
		if err == nil {
			c.logger.Debug("event consumed",
				"event_id", meta.EventID,
				"event_type", meta.EventType,
				"deliveries_created", created,
			)
			c.metrics.EventConsumed()
			return nil
		}
		if attempt >= c.maxAttempts || errors.Is(err, context.Canceled) {
			return err
		}

		c.logger.Warn("matching failed, retrying",
			"event_id", meta.EventID,
			"attempt", attempt,
			"error", err,
		)
		if !sleepCtx(ctx, c.retryDelay) {
			return ctx.Err()
		}
	}
}

func (c *EventConsumer) deadLetter(ctx context.Context, msg broker.Message, cause error) error {
	c.logger.Error("undecodable event, forwarding to dead-letter topic",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"error", cause,
	)

	headers := map[string]string{
		HeaderOriginalTopic:  msg.Topic,
		HeaderOriginalOffset: strconv.FormatInt(msg.Offset, 10),
		HeaderDecodeError:    cause.Error(),
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	if err := c.dlq.Publish(ctx, broker.Message{
		Topic:   domain.TopicDeadLetter,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}); err != nil {
		return err
	}
	c.metrics.EventDeadLettered()
	return nil
}
