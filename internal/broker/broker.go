// Package broker wraps the Kafka client used to move events from the
// outbox to the notification consumers.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	_defaultConnAttempts = 10
	_defaultConnTimeout  = time.Second
)

// Header keys set on every published event.
const (
	HeaderEventID   = "eventId"
	HeaderEventType = "eventType"
)

// Message is a broker record independent of the client library.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
}

func fromKafka(m kafka.Message) Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   headers,
	}
}

func (m Message) toKafka() kafka.Message {
	km := kafka.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       []byte(m.Key),
		Value:     m.Value,
	}
	for k, v := range m.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

// waitForBroker pings the first reachable broker, retrying per cfg.
func waitForBroker(ctx context.Context, brokers []string, cfg config, logger *slog.Logger) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	var err error
	for attempts := cfg.connAttempts; attempts > 0; attempts-- {
		if err = ping(ctx, brokers[0]); err == nil {
			return nil
		}

		logger.Warn("kafka not reachable, retrying", "attempts_left", attempts-1, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.connTimeout):
		}
	}
	return fmt.Errorf("connecting to kafka: %w", err)
}

func ping(ctx context.Context, addr string) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("listing brokers: %w", err)
	}
	return nil
}
