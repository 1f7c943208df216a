package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/carddemo/partner-events/internal/broker"
	"github.com/carddemo/partner-events/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore is an in-memory stand-in for the Postgres store.
type memStore struct {
	mu            sync.Mutex
	outbox        []domain.OutboxRecord
	partners      []domain.Partner
	subscriptions []domain.Subscription
	deliveries    []domain.Delivery
	nextID        int64
	saveErr       error
}

func newMemStore() *memStore { return &memStore{} }

func (s *memStore) appendEvent(e domain.DomainEvent, at time.Time) *domain.OutboxRecord {
	rec, err := domain.NewOutboxRecord(e)
	if err != nil {
		panic(err)
	}
	return s.appendRecord(*rec, at)
}

func (s *memStore) appendRecord(rec domain.OutboxRecord, at time.Time) *domain.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	rec.Status = domain.OutboxPending
	rec.CreatedAt = at
	s.outbox = append(s.outbox, rec)
	return &s.outbox[len(s.outbox)-1]
}

func (s *memStore) outboxStatus(id int64) domain.OutboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.outbox {
		if r.ID == id {
			return r.Status
		}
	}
	return ""
}

func (s *memStore) PollPendingOutbox(_ context.Context, limit int) ([]domain.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxRecord
	for _, r := range s.outbox {
		if r.Status == domain.OutboxPending && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) MarkOutboxPublished(_ context.Context, id int64, at time.Time) error {
	return s.setOutbox(id, domain.OutboxPublished, &at)
}

func (s *memStore) MarkOutboxFailed(_ context.Context, id int64) error {
	return s.setOutbox(id, domain.OutboxFailed, nil)
}

func (s *memStore) setOutbox(id int64, status domain.OutboxStatus, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Status = status
			s.outbox[i].PublishedAt = at
			return nil
		}
	}
	return errors.New("outbox record not found")
}

func (s *memStore) ListSubscribedPartners(_ context.Context, eventType string) ([]domain.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Partner
	for _, sub := range s.subscriptions {
		if sub.EventType != eventType || !sub.IsActive {
			continue
		}
		for _, p := range s.partners {
			if p.ID == sub.PartnerID && p.IsActive && p.WebhookURLValue() != "" {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *memStore) ListActivePartnersWithScope(_ context.Context, scope string) ([]domain.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Partner
	for _, p := range s.partners {
		if p.IsActive && p.WebhookURLValue() != "" && p.HasScope(scope) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *memStore) CreateDelivery(_ context.Context, d *domain.Delivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deliveries {
		if existing.EventID == d.EventID && existing.PartnerID == d.PartnerID {
			return false, nil
		}
	}
	s.nextID++
	d.ID = s.nextID
	s.deliveries = append(s.deliveries, *d)
	return true, nil
}

func (s *memStore) SaveDeliveryOutcome(_ context.Context, d *domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	for i := range s.deliveries {
		if s.deliveries[i].ID == d.ID {
			s.deliveries[i] = *d
			return nil
		}
	}
	return domain.ErrDeliveryNotFound
}

func (s *memStore) ClaimReadyDeliveries(_ context.Context, now, leaseUntil time.Time, limit int) ([]domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx []int
	for i := range s.deliveries {
		if s.deliveries[i].ReadyAt(now) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return s.deliveries[idx[a]].NextAttemptAt.Before(*s.deliveries[idx[b]].NextAttemptAt)
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}

	out := make([]domain.Delivery, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.deliveries[i])
		lease := leaseUntil
		s.deliveries[i].NextAttemptAt = &lease
	}
	return out, nil
}

func (s *memStore) allDeliveries() []domain.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Delivery(nil), s.deliveries...)
}

// fakeBroker records published messages and can be made to fail.
type fakeBroker struct {
	mu       sync.Mutex
	messages []broker.Message
	failKeys map[string]bool
	err      error
}

func (b *fakeBroker) Publish(_ context.Context, msgs ...broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		if b.err != nil {
			return b.err
		}
		if b.failKeys[m.Key] {
			return errors.New("leader not available")
		}
		b.messages = append(b.messages, m)
	}
	return nil
}

func (b *fakeBroker) published() []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.messages...)
}
