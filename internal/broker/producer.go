package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer publishes messages synchronously. Messages are partitioned by key
// so records with the same key keep their relative order.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(ctx context.Context, brokers []string, logger *slog.Logger, opts ...Option) (*Producer, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := waitForBroker(ctx, brokers, cfg, logger); err != nil {
		return nil, err
	}

	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// Publish writes msgs and returns once the broker has acknowledged them.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	kmsgs := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		kmsgs = append(kmsgs, m.toKafka())
	}

	if err := p.writer.WriteMessages(ctx, kmsgs...); err != nil {
		return fmt.Errorf("writing %d messages: %w", len(kmsgs), err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
