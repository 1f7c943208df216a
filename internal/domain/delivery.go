package domain

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliverySuccess    DeliveryStatus = "SUCCESS"
	DeliveryFailed     DeliveryStatus = "FAILED"
	DeliveryDeadLetter DeliveryStatus = "DEAD_LETTER"
)

// MaxAttempts is the number of failed attempts after which a delivery is dead-lettered.
const MaxAttempts = 5

// MaxErrorLength bounds the stored last_error text.
const MaxErrorLength = 500

var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
}

// Backoff returns the wait before the next attempt once attemptCount
// failures have been recorded.
func Backoff(attemptCount int) time.Duration {
	idx := attemptCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(backoffSchedule)-1 {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// Delivery is one webhook delivery of one event to one partner. The URL and
// payload are snapshotted when the delivery is created.
type Delivery struct {
	ID            int64           `json:"delivery_id"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	PartnerID     int64           `json:"partner_id"`
	WebhookURL    string          `json:"webhook_url"`
	Payload       json.RawMessage `json:"payload"`
	Status        DeliveryStatus  `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NewDelivery builds a PENDING delivery that is due immediately.
func NewDelivery(eventID, eventType string, partner Partner, payload []byte, now time.Time) *Delivery {
	due := now
	return &Delivery{
		EventID:       eventID,
		EventType:     eventType,
		PartnerID:     partner.ID,
		WebhookURL:    partner.WebhookURLValue(),
		Payload:       payload,
		Status:        DeliveryPending,
		NextAttemptAt: &due,
		CreatedAt:     now,
	}
}

func (d *Delivery) MarkSuccess(now time.Time) {
	d.Status = DeliverySuccess
	d.CompletedAt = &now
	d.LastError = nil
}

// MarkFailed records a failed attempt and either schedules the next one or
// moves the delivery to DEAD_LETTER.
func (d *Delivery) MarkFailed(errMsg string, now time.Time) {
	d.AttemptCount++
	truncated := TruncateError(errMsg)
	d.LastError = &truncated

	if d.AttemptCount >= MaxAttempts {
		d.Status = DeliveryDeadLetter
		d.CompletedAt = &now
		return
	}

	d.Status = DeliveryFailed
	next := now.Add(Backoff(d.AttemptCount))
	d.NextAttemptAt = &next
}

// CanRetry reports whether the state machine still allows an attempt.
func (d *Delivery) CanRetry() bool {
	return (d.Status == DeliveryPending || d.Status == DeliveryFailed) && d.AttemptCount < MaxAttempts
}

// ReadyAt reports whether the delivery is due at now.
func (d *Delivery) ReadyAt(now time.Time) bool {
	return d.CanRetry() && (d.NextAttemptAt == nil || !d.NextAttemptAt.After(now))
}

// ResetForRetry returns a dead-lettered delivery to PENDING with a fresh
// attempt budget.
func (d *Delivery) ResetForRetry(now time.Time) error {
	if d.Status != DeliveryDeadLetter {
		return ErrNotDeadLetter
	}
	d.Status = DeliveryPending
	d.AttemptCount = 0
	d.NextAttemptAt = &now
	d.CompletedAt = nil
	return nil
}

func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	return msg[:MaxErrorLength]
}

// DeliveryStats holds delivery counts by status.
type DeliveryStats struct {
	Pending    int64 `json:"pending"`
	Failed     int64 `json:"failed"`
	Success    int64 `json:"success"`
	DeadLetter int64 `json:"dead_letter"`
}
