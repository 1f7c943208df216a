package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// Consumer reads a set of topics as a member of a consumer group. Offsets
// are committed explicitly, so a message that is never committed is
// redelivered after a restart or rebalance.
type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(ctx context.Context, brokers []string, groupID string, topics []string, logger *slog.Logger, opts ...Option) (*Consumer, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := waitForBroker(ctx, brokers, cfg, logger); err != nil {
		return nil, err
	}

	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     groupID,
			GroupTopics: topics,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		}),
	}, nil
}

// Fetch blocks until the next message is available or ctx is done.
func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("fetching message: %w", err)
	}
	return fromKafka(m), nil
}

// Commit marks msg as processed for the group.
func (c *Consumer) Commit(ctx context.Context, msg Message) error {
	if err := c.reader.CommitMessages(ctx, msg.toKafka()); err != nil {
		return fmt.Errorf("committing %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
