package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/engine"
)

// PartnerReader is the read-only partner lookup behind the partner views.
type PartnerReader interface {
	ListPartners(ctx context.Context) ([]domain.Partner, error)
	GetPartner(ctx context.Context, id int64) (*domain.Partner, error)
	ListPartnerSubscriptions(ctx context.Context, partnerID int64) ([]domain.Subscription, error)
	ListUsage(ctx context.Context, partnerID int64, since time.Time) ([]domain.PartnerUsage, error)
}

// LiveUsageReader reads the limiter's current counters.
type LiveUsageReader interface {
	Usage(ctx context.Context, partnerID int64) (engine.LiveUsage, error)
}

type PartnerHandler struct {
	store   PartnerReader
	limiter LiveUsageReader
	logger  *slog.Logger
	now     func() time.Time
}

func NewPartnerHandler(s PartnerReader, limiter LiveUsageReader, logger *slog.Logger) *PartnerHandler {
	return &PartnerHandler{store: s, limiter: limiter, logger: logger, now: time.Now}
}

func (h *PartnerHandler) List(w http.ResponseWriter, r *http.Request) {
	partners, err := h.store.ListPartners(r.Context())
	if err != nil {
		h.logger.Error("failed to list partners", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list partners")
		return
	}
	respondJSON(w, http.StatusOK, partners)
}

type partnerDetail struct {
	domain.Partner
	Subscriptions []domain.Subscription `json:"subscriptions"`
}

func (h *PartnerHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPartner(w, r)
	if !ok {
		return
	}

	subs, err := h.store.ListPartnerSubscriptions(r.Context(), p.ID)
	if err != nil {
		h.logger.Error("failed to list subscriptions", "partner_id", p.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get partner")
		return
	}
	respondJSON(w, http.StatusOK, partnerDetail{Partner: *p, Subscriptions: subs})
}

type usageResponse struct {
	PartnerID          int64                 `json:"partner_id"`
	PartnerName        string                `json:"partner_name"`
	RateLimitPerMinute int                   `json:"rate_limit_per_minute"`
	DailyQuota         int                   `json:"daily_quota"`
	RequestsThisMinute int64                 `json:"requests_this_minute"`
	RequestsToday      int64                 `json:"requests_today"`
	RemainingToday     int64                 `json:"remaining_today"`
	DailyUsage         []domain.PartnerUsage `json:"daily_usage"`
}

// Usage combines the durable daily breakdown with the live counters.
func (h *PartnerHandler) Usage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPartner(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	days := intQuery(r, "days", 30)

	since := h.now().UTC().AddDate(0, 0, -days)
	daily, err := h.store.ListUsage(ctx, p.ID, since)
	if err != nil {
		h.logger.Error("failed to list usage", "partner_id", p.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get usage")
		return
	}

	live, err := h.limiter.Usage(ctx, p.ID)
	if err != nil {
		// Counters are best effort; the durable history is still useful.
		h.logger.Warn("failed to read live usage", "partner_id", p.ID, "error", err)
	}

	respondJSON(w, http.StatusOK, usageResponse{
		PartnerID:          p.ID,
		PartnerName:        p.Name,
		RateLimitPerMinute: p.RateLimitPerMinute,
		DailyQuota:         p.DailyQuota,
		RequestsThisMinute: live.WindowCount,
		RequestsToday:      live.DailyCount,
		RemainingToday:     max(0, int64(p.DailyQuota)-live.DailyCount),
		DailyUsage:         daily,
	})
}

func (h *PartnerHandler) loadPartner(w http.ResponseWriter, r *http.Request) (*domain.Partner, bool) {
	id, ok := int64Param(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid partner id")
		return nil, false
	}

	p, err := h.store.GetPartner(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get partner", "partner_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get partner")
		return nil, false
	}
	if p == nil {
		respondError(w, http.StatusNotFound, "partner not found")
		return nil, false
	}
	return p, true
}
