package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/engine"
)

type fakeLiveUsage struct {
	usage engine.LiveUsage
	err   error
}

func (f fakeLiveUsage) Usage(context.Context, int64) (engine.LiveUsage, error) { return f.usage, f.err }

func setupPartnerRouter(t *testing.T, live fakeLiveUsage) (http.Handler, *fakeStore) {
	t.Helper()
	s := newFakeStore()
	p := activePartner(domain.ScopeAll)
	p.DailyQuota = 100
	s.partners[p.ID] = p
	s.subs[p.ID] = []domain.Subscription{{ID: 1, PartnerID: p.ID, EventType: domain.EventAccountUpdated, IsActive: true}}
	s.usage[p.ID] = &domain.PartnerUsage{PartnerID: p.ID, UsageDate: time.Now(), RequestCount: 7}

	h := NewPartnerHandler(s, live, testLogger())
	r := chi.NewRouter()
	r.Get("/api/v1/partners", h.List)
	r.Get("/api/v1/partners/{id}", h.Get)
	r.Get("/api/v1/partners/{id}/usage", h.Usage)
	return r, s
}

func TestPartners_ListAndGet(t *testing.T) {
	r, _ := setupPartnerRouter(t, fakeLiveUsage{})

	var list []domain.Partner
	json.NewDecoder(doRequest(r, http.MethodGet, "/api/v1/partners").Body).Decode(&list)
	if len(list) != 1 || list[0].Name != "Acme Pay" {
		t.Errorf("list = %+v", list)
	}

	var detail partnerDetail
	json.NewDecoder(doRequest(r, http.MethodGet, "/api/v1/partners/9").Body).Decode(&detail)
	if detail.ID != 9 || len(detail.Subscriptions) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	if w := doRequest(r, http.MethodGet, "/api/v1/partners/10"); w.Code != http.StatusNotFound {
		t.Errorf("unknown partner status = %d", w.Code)
	}
}

func TestPartners_UsageCombinesHistoryAndLiveCounters(t *testing.T) {
	r, _ := setupPartnerRouter(t, fakeLiveUsage{usage: engine.LiveUsage{WindowCount: 3, DailyCount: 40}})

	w := doRequest(r, http.MethodGet, "/api/v1/partners/9/usage?days=7")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got usageResponse
	json.NewDecoder(w.Body).Decode(&got)
	if got.RequestsThisMinute != 3 || got.RequestsToday != 40 || got.RemainingToday != 60 {
		t.Errorf("live counters = %+v", got)
	}
	if len(got.DailyUsage) != 1 || got.DailyUsage[0].RequestCount != 7 {
		t.Errorf("daily usage = %+v", got.DailyUsage)
	}
}

func TestPartners_UsageSurvivesCounterOutage(t *testing.T) {
	r, _ := setupPartnerRouter(t, fakeLiveUsage{err: errors.New("redis down")})

	w := doRequest(r, http.MethodGet, "/api/v1/partners/9/usage")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got usageResponse
	json.NewDecoder(w.Body).Decode(&got)
	if got.RemainingToday != 100 {
		t.Errorf("remaining = %d", got.RemainingToday)
	}
}
