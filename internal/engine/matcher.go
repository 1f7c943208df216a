package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carddemo/partner-events/internal/domain"
)

// DeliveryStore is the persistence the Matcher needs.
type DeliveryStore interface {
	ListSubscribedPartners(ctx context.Context, eventType string) ([]domain.Partner, error)
	ListActivePartnersWithScope(ctx context.Context, scope string) ([]domain.Partner, error)
	CreateDelivery(ctx context.Context, d *domain.Delivery) (bool, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Matcher resolves which partners receive an event and records one
// PENDING delivery per partner.
type Matcher struct {
	store  DeliveryStore
	logger *slog.Logger
	now    func() time.Time
}

func NewMatcher(store DeliveryStore, logger *slog.Logger) *Matcher {
	return &Matcher{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Match creates deliveries for event and returns how many were new.
// Subscribed partners lacking the event's scope are skipped. When the event
// type has no active subscriptions at all, every active partner holding the
// scope receives it instead. payload is the event's wire form and is stored
// as the delivery snapshot.
func (m *Matcher) Match(ctx context.Context, event domain.DomainEvent, payload []byte) (int, error) {
	meta := event.Meta()
	scope := event.RequiredScope()

	if payload == nil {
		var err error
		if payload, err = domain.EncodeEvent(event); err != nil {
			return 0, err
		}
	}

	candidates, err := m.store.ListSubscribedPartners(ctx, meta.EventType)
	if err != nil {
		return 0, fmt.Errorf("finding subscribed partners: %w", err)
	}

	if len(candidates) == 0 {
		m.logger.Debug("no subscriptions, falling back to scoped partners",
			"event_type", meta.EventType,
			"scope", scope,
		)
		candidates, err = m.store.ListActivePartnersWithScope(ctx, scope)
		if err != nil {
			return 0, fmt.Errorf("finding scoped partners: %w", err)
		}
	}

	created := 0
	err = m.store.WithinTransaction(ctx, func(ctx context.Context) error {
		seen := make(map[int64]struct{}, len(candidates))
		now := m.now()

		for _, p := range candidates {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}

			if !p.IsActive || p.WebhookURLValue() == "" {
				continue
			}
			if !p.HasScope(scope) {
				m.logger.Debug("partner lacks scope for event",
					"partner_id", p.ID,
					"event_id", meta.EventID,
					"event_type", meta.EventType,
					"scope", scope,
				)
				continue
			}

			d := domain.NewDelivery(meta.EventID, meta.EventType, p, payload, now)
			inserted, err := m.store.CreateDelivery(ctx, d)
			if err != nil {
				return err
			}
			if !inserted {
				m.logger.Debug("delivery already exists", "event_id", meta.EventID, "partner_id", p.ID)
				continue
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("creating deliveries for event %s: %w", meta.EventID, err)
	}

	m.logger.Info("fan-out complete",
		"event_id", meta.EventID,
		"event_type", meta.EventType,
		"candidates", len(candidates),
		"deliveries_created", created,
	)

	return created, nil
}
