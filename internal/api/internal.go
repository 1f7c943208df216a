package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carddemo/partner-events/internal/engine"
)

// HeaderAPIKey carries the partner credential.
const HeaderAPIKey = "X-API-Key"

// KeyAuthenticator resolves a raw API key to a partner.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*engine.Principal, error)
}

// RateChecker counts one request against a partner's limits.
type RateChecker interface {
	Check(ctx context.Context, partnerID int64, limitPerMinute, dailyQuota int) engine.RateLimitResult
}

// UsageRecorder adds one request to the partner's daily aggregate.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, partnerID int64, day time.Time, success bool) error
}

// InternalHandler exposes key validation and limiting to other services so
// they can enforce partner limits without their own Redis access.
type InternalHandler struct {
	auth    KeyAuthenticator
	limiter RateChecker
	usage   UsageRecorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewInternalHandler(auth KeyAuthenticator, limiter RateChecker, usage UsageRecorder, logger *slog.Logger) *InternalHandler {
	return &InternalHandler{auth: auth, limiter: limiter, usage: usage, logger: logger, now: time.Now}
}

type keyValidationResponse struct {
	Valid bool `json:"valid"`
	*engine.Principal
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (h *InternalHandler) ValidateKey(w http.ResponseWriter, r *http.Request) {
	p, err := h.auth.Authenticate(r.Context(), r.Header.Get(HeaderAPIKey))
	if err != nil {
		code, msg, ok := engine.AuthErrorCode(err)
		if !ok {
			h.logger.Error("api key validation failed", "error", err)
			respondError(w, http.StatusInternalServerError, "failed to validate key")
			return
		}
		respondJSON(w, http.StatusOK, keyValidationResponse{ErrorCode: code, ErrorMessage: msg})
		return
	}
	respondJSON(w, http.StatusOK, keyValidationResponse{Valid: true, Principal: p})
}

type rateLimitResponse struct {
	Limited           bool   `json:"limited"`
	ErrorCode         string `json:"error_code,omitempty"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
	Limit             int    `json:"limit"`
	Remaining         int    `json:"remaining"`
}

func (h *InternalHandler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := int64Param(chi.URLParam(r, "partnerId"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid partner id")
		return
	}
	limit, err1 := strconv.Atoi(r.URL.Query().Get("limitPerMinute"))
	quota, err2 := strconv.Atoi(r.URL.Query().Get("dailyQuota"))
	if err1 != nil || err2 != nil {
		respondError(w, http.StatusBadRequest, "limitPerMinute and dailyQuota are required integers")
		return
	}

	res := h.limiter.Check(r.Context(), partnerID, limit, quota)
	respondJSON(w, http.StatusOK, rateLimitResponse{
		Limited:           !res.Allowed,
		ErrorCode:         res.ErrorCode,
		Message:           res.Message,
		RetryAfterSeconds: res.RetryAfterSeconds,
		Limit:             res.Limit,
		Remaining:         res.Remaining,
	})
}

func (h *InternalHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := int64Param(chi.URLParam(r, "partnerId"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid partner id")
		return
	}
	success, err := strconv.ParseBool(r.URL.Query().Get("success"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "success must be true or false")
		return
	}

	if err := h.usage.RecordUsage(r.Context(), partnerID, h.now().UTC(), success); err != nil {
		h.logger.Error("failed to record usage", "partner_id", partnerID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to record usage")
		return
	}
	w.WriteHeader(http.StatusOK)
}
