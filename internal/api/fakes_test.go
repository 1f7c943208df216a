package api

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore is an in-memory stand-in for the Postgres store.
type fakeStore struct {
	mu         sync.Mutex
	deliveries map[int64]*domain.Delivery
	partners   map[int64]domain.Partner
	subs       map[int64][]domain.Subscription
	keys       map[string]domain.APIKey
	usage      map[int64]*domain.PartnerUsage
	outbox     []domain.OutboxRecord
	lastFilter store.DeliveryFilter
	resetUntil time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deliveries: map[int64]*domain.Delivery{},
		partners:   map[int64]domain.Partner{},
		subs:       map[int64][]domain.Subscription{},
		keys:       map[string]domain.APIKey{},
		usage:      map[int64]*domain.PartnerUsage{},
	}
}

func (s *fakeStore) DeliveryStats(context.Context) (domain.DeliveryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.DeliveryStats
	for _, d := range s.deliveries {
		switch d.Status {
		case domain.DeliveryPending:
			st.Pending++
		case domain.DeliveryFailed:
			st.Failed++
		case domain.DeliverySuccess:
			st.Success++
		case domain.DeliveryDeadLetter:
			st.DeadLetter++
		}
	}
	return st, nil
}

func (s *fakeStore) OutboxStats(context.Context) (domain.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.OutboxStats
	for _, r := range s.outbox {
		switch r.Status {
		case domain.OutboxPending:
			st.Pending++
		case domain.OutboxPublished:
			st.Published++
		case domain.OutboxFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *fakeStore) ListDeliveries(_ context.Context, f store.DeliveryFilter) ([]domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = f

	out := []domain.Delivery{}
	for _, d := range s.deliveries {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, d.Status) {
			continue
		}
		if f.PartnerID > 0 && d.PartnerID != f.PartnerID {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsStatus(list []domain.DeliveryStatus, st domain.DeliveryStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

func (s *fakeStore) GetDelivery(_ context.Context, id int64) (*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) ResetDeadLetter(_ context.Context, id int64, claimUntil time.Time) (*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.Status != domain.DeliveryDeadLetter {
		return nil, nil
	}
	d.ResetForRetry(claimUntil)
	s.resetUntil = claimUntil
	cp := *d
	return &cp, nil
}

func (s *fakeStore) ListPartners(context.Context) ([]domain.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Partner{}
	for _, p := range s.partners {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetPartner(_ context.Context, id int64) (*domain.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *fakeStore) ListPartnerSubscriptions(_ context.Context, partnerID int64) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Subscription{}, s.subs[partnerID]...), nil
}

func (s *fakeStore) ListUsage(_ context.Context, partnerID int64, _ time.Time) ([]domain.PartnerUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[partnerID]; ok {
		return []domain.PartnerUsage{*u}, nil
	}
	return []domain.PartnerUsage{}, nil
}

func (s *fakeStore) RecordUsage(_ context.Context, partnerID int64, day time.Time, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[partnerID]
	if !ok {
		u = &domain.PartnerUsage{PartnerID: partnerID, UsageDate: day}
		s.usage[partnerID] = u
	}
	u.RequestCount++
	if success {
		u.SuccessfulCount++
	} else {
		u.FailedCount++
	}
	return nil
}

func (s *fakeStore) usageFor(partnerID int64) domain.PartnerUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[partnerID]; ok {
		return *u
	}
	return domain.PartnerUsage{}
}

func (s *fakeStore) FindAPIKeyByHash(_ context.Context, hash string) (*domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[hash]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (s *fakeStore) TouchAPIKey(context.Context, int64, time.Time) error { return nil }

func (s *fakeStore) AppendEvent(_ context.Context, e domain.DomainEvent) (*domain.OutboxRecord, error) {
	rec, err := domain.NewOutboxRecord(e)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.outbox {
		if existing.EventID == rec.EventID {
			return nil, store.ErrDuplicateEvent
		}
	}
	rec.ID = int64(len(s.outbox) + 1)
	s.outbox = append(s.outbox, *rec)
	return rec, nil
}

func (s *fakeStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeDispatcher struct {
	calls  []int64
	status domain.DeliveryStatus
}

func (d *fakeDispatcher) Deliver(_ context.Context, dl *domain.Delivery) (domain.DeliveryStatus, error) {
	d.calls = append(d.calls, dl.ID)
	return d.status, nil
}
