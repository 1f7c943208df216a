package domain

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxRecord is an event waiting to be published to the broker.
type OutboxRecord struct {
	ID          int64           `json:"id"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// NewOutboxRecord serializes e into a PENDING record.
func NewOutboxRecord(e DomainEvent) (*OutboxRecord, error) {
	payload, err := EncodeEvent(e)
	if err != nil {
		return nil, err
	}
	meta := e.Meta()
	return &OutboxRecord{
		EventID:     meta.EventID,
		EventType:   meta.EventType,
		AggregateID: meta.AggregateID,
		Payload:     payload,
		Status:      OutboxPending,
	}, nil
}

// OutboxStats holds outbox counts by status.
type OutboxStats struct {
	Pending   int64 `json:"pending"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}
