package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/engine"
)

// PipelineStats reports outbox and delivery counts.
type PipelineStats interface {
	OutboxStats(ctx context.Context) (domain.OutboxStats, error)
	DeliveryStats(ctx context.Context) (domain.DeliveryStats, error)
}

// FeedCounter reports connected live-feed clients.
type FeedCounter interface {
	ClientCount() int
}

// BreakerStates reports circuit state per upstream.
type BreakerStates interface {
	GetState(ctx context.Context, upstream string) engine.CircuitBreakerState
}

type DashboardHandler struct {
	stats     PipelineStats
	feed      FeedCounter
	breakers  BreakerStates
	upstreams []string
	logger    *slog.Logger
}

func NewDashboardHandler(stats PipelineStats, feed FeedCounter, breakers BreakerStates, upstreams []string, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{stats: stats, feed: feed, breakers: breakers, upstreams: upstreams, logger: logger}
}

func (h *DashboardHandler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.stats.OutboxStats(r.Context())
	if err != nil {
		h.logger.Error("failed to read outbox stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get outbox stats")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

type metricsResponse struct {
	Outbox      domain.OutboxStats           `json:"outbox"`
	Deliveries  domain.DeliveryStats         `json:"deliveries"`
	Upstreams   []engine.CircuitBreakerState `json:"upstreams"`
	FeedClients int                          `json:"feed_clients"`
}

// Metrics returns the dashboard summary in one call.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	outbox, err := h.stats.OutboxStats(ctx)
	if err != nil {
		h.logger.Error("failed to read outbox stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}
	deliveries, err := h.stats.DeliveryStats(ctx)
	if err != nil {
		h.logger.Error("failed to read delivery stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	upstreams := make([]engine.CircuitBreakerState, 0, len(h.upstreams))
	for _, name := range h.upstreams {
		upstreams = append(upstreams, h.breakers.GetState(ctx, name))
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		Outbox:      outbox,
		Deliveries:  deliveries,
		Upstreams:   upstreams,
		FeedClients: h.feed.ClientCount(),
	})
}
