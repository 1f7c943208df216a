package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/metrics"
	"github.com/carddemo/partner-events/internal/websocket"
)

// Webhook request headers.
const (
	HeaderSecret     = "X-Webhook-Secret"
	HeaderSignature  = "X-Webhook-Signature"
	HeaderEventID    = "X-Event-Id"
	HeaderDeliveryID = "X-Delivery-Id"
)

// DeliveryRecorder persists the outcome of an attempt.
type DeliveryRecorder interface {
	SaveDeliveryOutcome(ctx context.Context, d *domain.Delivery) error
}

// Broadcaster publishes attempt outcomes to live viewers.
type Broadcaster interface {
	Broadcast(event websocket.DeliveryEvent)
}

// Deliverer POSTs a delivery's payload to the partner and applies the
// retry state machine to the result.
type Deliverer struct {
	httpClient *http.Client
	store      DeliveryRecorder
	hub        Broadcaster
	secret     string
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewDeliverer creates a deliverer. hub may be nil.
func NewDeliverer(store DeliveryRecorder, hub Broadcaster, secret string, timeout time.Duration, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		httpClient: &http.Client{Timeout: timeout},
		store:      store,
		hub:        hub,
		secret:     secret,
		logger:     logger,
		now:        time.Now,
	}
}

// WithMetrics records every attempt in m.
func (d *Deliverer) WithMetrics(m *metrics.Metrics) *Deliverer {
	d.metrics = m
	return d
}

// Deliver makes one attempt and returns the resulting status. The error is
// non-nil only when the outcome could not be saved.
func (d *Deliverer) Deliver(ctx context.Context, dl *domain.Delivery) (domain.DeliveryStatus, error) {
	ctx, span := tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.Int64("delivery.id", dl.ID),
		attribute.String("event.id", dl.EventID),
		attribute.Int64("partner.id", dl.PartnerID),
	))
	defer span.End()

	start := time.Now()
	statusCode, sendErr := d.send(ctx, dl)
	elapsed := time.Since(start)

	now := d.now()
	if sendErr == nil {
		dl.MarkSuccess(now)
	} else {
		dl.MarkFailed(sendErr.Error(), now)
		span.SetStatus(codes.Error, sendErr.Error())
	}
	span.SetAttributes(attribute.String("delivery.status", string(dl.Status)))
	d.metrics.DeliveryAttempt(string(dl.Status), elapsed)

	if d.hub != nil {
		d.hub.Broadcast(websocket.NewDeliveryEvent(dl, statusCode, now))
	}

	if err := d.store.SaveDeliveryOutcome(ctx, dl); err != nil {
		d.logger.Error("failed to save delivery outcome",
			"delivery_id", dl.ID,
			"partner_id", dl.PartnerID,
			"attempt_count", dl.AttemptCount,
			"error", err,
		)
		return dl.Status, fmt.Errorf("saving delivery %d: %w", dl.ID, err)
	}

	switch dl.Status {
	case domain.DeliverySuccess:
		d.logger.Info("webhook delivered",
			"delivery_id", dl.ID,
			"event_id", dl.EventID,
			"partner_id", dl.PartnerID,
			"attempt_count", dl.AttemptCount,
			"response_ms", elapsed.Milliseconds(),
		)
	case domain.DeliveryDeadLetter:
		d.logger.Error("webhook dead-lettered",
			"delivery_id", dl.ID,
			"event_id", dl.EventID,
			"partner_id", dl.PartnerID,
			"attempt_count", dl.AttemptCount,
			"error", sendErr,
		)
	default:
		d.logger.Warn("webhook failed, will retry",
			"delivery_id", dl.ID,
			"event_id", dl.EventID,
			"partner_id", dl.PartnerID,
			"attempt_count", dl.AttemptCount,
			"next_attempt_at", dl.NextAttemptAt,
			"error", sendErr,
		)
	}

	return dl.Status, nil
}

// send performs the HTTP call. statusCode is nil when no response arrived.
func (d *Deliverer) send(ctx context.Context, dl *domain.Delivery) (*int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.WebhookURL, bytes.NewReader(dl.Payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSecret, d.secret)
	req.Header.Set(HeaderEventID, dl.EventID)
	req.Header.Set(HeaderDeliveryID, strconv.FormatInt(dl.ID, 10))
	req.Header.Set(HeaderSignature, "sha256="+computeHMAC(dl.Payload, d.secret))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return &code, nil
	}
	return &code, fmt.Errorf("HTTP %d: %s", code, http.StatusText(code))
}

// computeHMAC returns the hex HMAC-SHA256 of payload under secret.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
