package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/store"
)

// Thresholds above which /health reports DEGRADED.
const (
	healthMaxPending = 1000
	healthMaxFailed  = 100
)

// DeliveryAdminStore is the delivery persistence behind the admin routes.
type DeliveryAdminStore interface {
	DeliveryStats(ctx context.Context) (domain.DeliveryStats, error)
	ListDeliveries(ctx context.Context, f store.DeliveryFilter) ([]domain.Delivery, error)
	GetDelivery(ctx context.Context, id int64) (*domain.Delivery, error)
	ResetDeadLetter(ctx context.Context, id int64, claimUntil time.Time) (*domain.Delivery, error)
}

// Dispatcher makes one delivery attempt.
type Dispatcher interface {
	Deliver(ctx context.Context, d *domain.Delivery) (domain.DeliveryStatus, error)
}

// WebhookHandler serves delivery monitoring and manual retry.
type WebhookHandler struct {
	store      DeliveryAdminStore
	dispatcher Dispatcher
	retryLease time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewWebhookHandler creates the handler. retryLease keeps the scheduler
// away from a delivery while a manual retry is in flight.
func NewWebhookHandler(s DeliveryAdminStore, d Dispatcher, retryLease time.Duration, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{store: s, dispatcher: d, retryLease: retryLease, logger: logger, now: time.Now}
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Get("/stats", h.Stats)
	r.Get("/health", h.Health)
	r.Route("/deliveries", func(r chi.Router) {
		r.Get("/", h.Recent)
		r.Get("/pending", h.Pending)
		r.Get("/failed", h.DeadLetters)
		r.Get("/partner/{partnerId}", h.ByPartner)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/retry", h.Retry)
	})
}

type statsResponse struct {
	domain.DeliveryStats
	Total int64 `json:"total"`
}

func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.DeliveryStats(r.Context())
	if err != nil {
		h.logger.Error("failed to read delivery stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get delivery stats")
		return
	}

	respondJSON(w, http.StatusOK, statsResponse{
		DeliveryStats: st,
		Total:         st.Pending + st.Failed + st.Success + st.DeadLetter,
	})
}

type webhookHealthResponse struct {
	Status string               `json:"status"`
	Stats  domain.DeliveryStats `json:"stats"`
}

// Health reports UP while the backlog is below the thresholds.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.DeliveryStats(r.Context())
	if err != nil {
		h.logger.Error("failed to read delivery stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get delivery stats")
		return
	}

	status := "UP"
	if st.Pending >= healthMaxPending || st.Failed >= healthMaxFailed {
		status = "DEGRADED"
	}
	respondJSON(w, http.StatusOK, webhookHealthResponse{Status: status, Stats: st})
}

// Recent lists deliveries created in the last ?hours (default 24).
func (h *WebhookHandler) Recent(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", 24)
	h.list(w, r, store.DeliveryFilter{Since: h.now().Add(-time.Duration(hours) * time.Hour)})
}

// Pending lists deliveries still in the retry cycle that are due within a day.
func (h *WebhookHandler) Pending(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, store.DeliveryFilter{
		Statuses:  []domain.DeliveryStatus{domain.DeliveryPending, domain.DeliveryFailed},
		DueBefore: h.now().Add(24 * time.Hour),
	})
}

func (h *WebhookHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, store.DeliveryFilter{Statuses: []domain.DeliveryStatus{domain.DeliveryDeadLetter}})
}

func (h *WebhookHandler) ByPartner(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := int64Param(chi.URLParam(r, "partnerId"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid partner id")
		return
	}
	h.list(w, r, store.DeliveryFilter{PartnerID: partnerID})
}

func (h *WebhookHandler) list(w http.ResponseWriter, r *http.Request, f store.DeliveryFilter) {
	f.Limit = intQuery(r, "limit", 500)

	deliveries, err := h.store.ListDeliveries(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list deliveries", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	respondJSON(w, http.StatusOK, deliveries)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}

	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get delivery", "delivery_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}
	respondJSON(w, http.StatusOK, d)
}

type retryResponse struct {
	Message    string `json:"message"`
	DeliveryID int64  `json:"delivery_id"`
	Status     string `json:"status"`
}

// Retry resets a dead-lettered delivery and attempts it once immediately.
func (h *WebhookHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}
	ctx := r.Context()

	current, err := h.store.GetDelivery(ctx, id)
	if err != nil {
		h.logger.Error("failed to get delivery", "delivery_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if current == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if current.Status != domain.DeliveryDeadLetter {
		respondError(w, http.StatusBadRequest, "Delivery is not in dead letter state")
		return
	}

	d, err := h.store.ResetDeadLetter(ctx, id, h.now().Add(h.retryLease))
	if err != nil {
		h.logger.Error("failed to reset delivery", "delivery_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to reset delivery")
		return
	}
	if d == nil {
		// Another request reset it first.
		respondError(w, http.StatusBadRequest, "Delivery is not in dead letter state")
		return
	}

	h.logger.Info("manual retry requested", "delivery_id", id, "partner_id", d.PartnerID)

	status, err := h.dispatcher.Deliver(context.WithoutCancel(ctx), d)
	if err != nil {
		h.logger.Error("manual retry not recorded",
			"delivery_id", id,
			"partner_id", d.PartnerID,
			"attempt_count", d.AttemptCount,
			"error", err,
		)
	}

	respondJSON(w, http.StatusOK, retryResponse{
		Message:    "Delivery retry initiated",
		DeliveryID: id,
		Status:     string(status),
	})
}
