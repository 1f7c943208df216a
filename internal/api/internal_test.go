package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/engine"
)

func setupInternalRouter(t *testing.T) (http.Handler, *fakeStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := newFakeStore()
	p := activePartner(domain.ScopeAccountsRead, domain.ScopeCardsRead)
	s.partners[p.ID] = p
	s.keys[domain.HashAPIKey(testKey)] = domain.APIKey{ID: 1, PartnerID: p.ID, IsActive: true}

	logger := testLogger()
	h := NewInternalHandler(engine.NewAuthenticator(s, logger), engine.NewRateLimiter(client, logger, time.Minute), s, logger)
	events := NewEventHandler(s, logger)

	r := chi.NewRouter()
	r.Post("/internal/events", events.Ingest)
	r.Get("/internal/validate-key", h.ValidateKey)
	r.Get("/internal/check-rate-limit/{partnerId}", h.CheckRateLimit)
	r.Post("/internal/record-usage/{partnerId}", h.RecordUsage)
	return r, s
}

func TestInternal_ValidateKey(t *testing.T) {
	r, _ := setupInternalRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/internal/validate-key", nil)
	req.Header.Set(HeaderAPIKey, testKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var got struct {
		Valid     bool     `json:"valid"`
		PartnerID int64    `json:"partner_id"`
		Scopes    []string `json:"scopes"`
	}
	json.NewDecoder(w.Body).Decode(&got)
	if !got.Valid || got.PartnerID != 9 || len(got.Scopes) != 2 {
		t.Errorf("unexpected validation %+v", got)
	}

	w = doRequest(r, http.MethodGet, "/internal/validate-key")
	var refused keyValidationResponse
	json.NewDecoder(w.Body).Decode(&refused)
	if w.Code != http.StatusOK || refused.Valid || refused.ErrorCode != engine.CodeMissingAPIKey {
		t.Errorf("missing key: status=%d body=%+v", w.Code, refused)
	}
}

func TestInternal_CheckRateLimit(t *testing.T) {
	r, _ := setupInternalRouter(t)

	var last rateLimitResponse
	for i := 0; i < 3; i++ {
		w := doRequest(r, http.MethodGet, "/internal/check-rate-limit/9?limitPerMinute=2&dailyQuota=100")
		last = rateLimitResponse{}
		json.NewDecoder(w.Body).Decode(&last)
	}
	if !last.Limited || last.ErrorCode != engine.CodeRateLimitExceeded || last.RetryAfterSeconds <= 0 {
		t.Errorf("third request should be limited: %+v", last)
	}

	if w := doRequest(r, http.MethodGet, "/internal/check-rate-limit/9?limitPerMinute=x&dailyQuota=1"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid params status = %d", w.Code)
	}
}

func TestInternal_RecordUsage(t *testing.T) {
	r, s := setupInternalRouter(t)

	doRequest(r, http.MethodPost, "/internal/record-usage/9?success=true")
	doRequest(r, http.MethodPost, "/internal/record-usage/9?success=false")

	u := s.usageFor(9)
	if u.RequestCount != 2 || u.SuccessfulCount != 1 || u.FailedCount != 1 {
		t.Errorf("usage = %+v", u)
	}
	if w := doRequest(r, http.MethodPost, "/internal/record-usage/9?success=maybe"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid success flag status = %d", w.Code)
	}
}

func postJSON(h http.Handler, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEvents_IngestAppendsToOutbox(t *testing.T) {
	r, s := setupInternalRouter(t)

	e := domain.NewCardStatusChanged("4111111111111111", "42", "ACTIVE", "BLOCKED", "stolen", "ops")
	body, _ := domain.EncodeEvent(e)

	w := postJSON(r, "/internal/events", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	var got ingestResponse
	json.NewDecoder(w.Body).Decode(&got)
	if got.EventID != e.EventID || got.Topic != domain.TopicCards {
		t.Errorf("unexpected response %+v", got)
	}
	if len(s.outbox) != 1 || s.outbox[0].AggregateID != "4111111111111111" {
		t.Errorf("outbox = %+v", s.outbox)
	}

	if w := postJSON(r, "/internal/events", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate event status = %d", w.Code)
	}
}

func TestEvents_IngestRejectsInvalid(t *testing.T) {
	r, s := setupInternalRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"eventType":`},
		{"unknown type", `{"eventType":"LoyaltyPointsAwarded","eventId":"e1","aggregateId":"1"}`},
		{"missing id", `{"eventType":"AccountUpdated","aggregateId":"1"}`},
		{"missing aggregate", `{"eventType":"AccountUpdated","eventId":"e1"}`},
		{"non-uuid id", `{"eventType":"AccountUpdated","eventId":"evt-1","aggregateId":"1","occurredAt":"2026-01-01T00:00:00Z"}`},
		{"missing occurredAt", `{"eventType":"AccountUpdated","eventId":"7f1c2a52-3a7e-4c1b-9a55-0f6f1d2b9c11","aggregateId":"1"}`},
		{"oversized aggregate", `{"eventType":"AccountUpdated","eventId":"7f1c2a52-3a7e-4c1b-9a55-0f6f1d2b9c11","occurredAt":"2026-01-01T00:00:00Z","aggregateId":"` + strings.Repeat("9", 65) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := postJSON(r, "/internal/events", []byte(tt.body)); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d", w.Code)
			}
		})
	}
	if len(s.outbox) != 0 {
		t.Errorf("nothing should be appended, got %d", len(s.outbox))
	}
}

func TestInternal_RecordUsageDayIsUTC(t *testing.T) {
	s := newFakeStore()
	logger := testLogger()
	h := NewInternalHandler(engine.NewAuthenticator(s, logger), nil, s, logger)
	h.now = func() time.Time {
		return time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	}
	r := chi.NewRouter()
	r.Post("/internal/record-usage/{partnerId}", h.RecordUsage)

	doRequest(r, http.MethodPost, "/internal/record-usage/9?success=true")

	u := s.usageFor(9)
	if u.UsageDate.Location() != time.UTC || u.UsageDate.Format(time.DateOnly) != "2026-03-02" {
		t.Errorf("usage day = %v, want 2026-03-02 UTC", u.UsageDate)
	}
}
