package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/engine"
	"github.com/carddemo/partner-events/internal/metrics"
)

// Upstream service names, also used as circuit breaker keys.
const (
	UpstreamAccounts     = "accounts"
	UpstreamCards        = "cards"
	UpstreamTransactions = "transactions"
)

// Gateway error codes not owned by the engine.
const (
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

const maxUpstreamBody = 4 << 20

// UpstreamGuard is a per-upstream circuit breaker.
type UpstreamGuard interface {
	AllowRequest(ctx context.Context, upstream string) (string, bool)
	RecordSuccess(ctx context.Context, upstream string)
	RecordFailure(ctx context.Context, upstream string)
}

// GatewayHandler is the partner-facing read API. Every call is
// authenticated, scope-checked and rate limited before it is proxied to
// the owning internal service, and counted in the partner's daily usage.
type GatewayHandler struct {
	auth      KeyAuthenticator
	limiter   RateChecker
	breaker   UpstreamGuard
	usage     UsageRecorder
	client    *http.Client
	upstreams map[string]string
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewGatewayHandler creates the gateway. upstreams maps upstream names to
// base URLs.
func NewGatewayHandler(auth KeyAuthenticator, limiter RateChecker, breaker UpstreamGuard, usage UsageRecorder,
	upstreams map[string]string, timeout time.Duration, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		auth:      auth,
		limiter:   limiter,
		breaker:   breaker,
		usage:     usage,
		client:    &http.Client{Timeout: timeout},
		upstreams: upstreams,
		logger:    logger,
		now:       time.Now,
	}
}

// WithMetrics counts proxied responses per upstream in m.
func (g *GatewayHandler) WithMetrics(m *metrics.Metrics) *GatewayHandler {
	g.metrics = m
	return g
}

func (g *GatewayHandler) Routes(r chi.Router) {
	r.Get("/accounts/{accountId}", g.proxy(domain.ScopeAccountsRead, UpstreamAccounts, func(r *http.Request) string {
		return "/api/v1/accounts/" + chi.URLParam(r, "accountId")
	}))
	r.Get("/accounts/{accountId}/balance", g.proxy(domain.ScopeAccountsRead, UpstreamAccounts, func(r *http.Request) string {
		return "/api/v1/accounts/" + chi.URLParam(r, "accountId")
	}))
	r.Get("/transactions/account/{accountId}", g.proxy(domain.ScopeTransactionsRead, UpstreamTransactions, func(r *http.Request) string {
		return fmt.Sprintf("/api/v1/transactions/account/%s?page=%d&size=%d",
			chi.URLParam(r, "accountId"), intQuery(r, "page", 0), intQuery(r, "size", 20))
	}))
	r.Get("/transactions/{transactionId}", g.proxy(domain.ScopeTransactionsRead, UpstreamTransactions, func(r *http.Request) string {
		return "/api/v1/transactions/" + chi.URLParam(r, "transactionId")
	}))
	r.Get("/cards/account/{accountId}", g.proxy(domain.ScopeCardsRead, UpstreamCards, func(r *http.Request) string {
		return "/api/v1/cards/account/" + chi.URLParam(r, "accountId")
	}))
}

func (g *GatewayHandler) proxy(scope, upstream string, path func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		p, err := g.auth.Authenticate(ctx, r.Header.Get(HeaderAPIKey))
		if err != nil {
			code, msg, ok := engine.AuthErrorCode(err)
			if !ok {
				g.logger.Error("api key validation failed", "error", err)
				respondPartnerError(w, http.StatusInternalServerError, CodeInternalError, "Unable to validate API key")
				return
			}
			respondPartnerError(w, http.StatusUnauthorized, code, msg)
			return
		}

		if !p.HasScope(scope) {
			respondPartnerError(w, http.StatusForbidden, engine.CodeInsufficientScope,
				fmt.Sprintf("API key does not have required scope: %s", scope))
			return
		}

		limit := g.limiter.Check(ctx, p.PartnerID, p.RateLimitPerMinute, p.DailyQuota)
		setRateLimitHeaders(w, limit)
		if !limit.Allowed {
			respondPartnerError(w, http.StatusTooManyRequests, limit.ErrorCode, limit.Message)
			return
		}

		status := g.forward(w, r, upstream, path(r))
		g.metrics.GatewayResponse(upstream, strconv.Itoa(status))
		g.recordUsage(ctx, p.PartnerID, status >= 200 && status < 300)
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res engine.RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if res.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(res.RetryAfterSeconds, 10))
	}
}

// forward proxies a GET to the upstream and returns the status sent to the
// partner.
func (g *GatewayHandler) forward(w http.ResponseWriter, r *http.Request, upstream, path string) int {
	ctx := r.Context()

	if _, allowed := g.breaker.AllowRequest(ctx, upstream); !allowed {
		respondPartnerError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable,
			"Backend service is temporarily unavailable")
		return http.StatusServiceUnavailable
	}

	base := strings.TrimRight(g.upstreams[upstream], "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		g.logger.Error("failed to build upstream request", "upstream", upstream, "error", err)
		respondPartnerError(w, http.StatusBadGateway, CodeUpstreamError, "Error communicating with backend service")
		return http.StatusBadGateway
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.breaker.RecordFailure(ctx, upstream)
		g.logger.Error("upstream request failed", "upstream", upstream, "path", path, "error", err)
		respondPartnerError(w, http.StatusBadGateway, CodeUpstreamError, "Error communicating with backend service")
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		g.breaker.RecordFailure(ctx, upstream)
		g.logger.Warn("upstream returned error", "upstream", upstream, "path", path, "status", resp.StatusCode)
		respondPartnerError(w, http.StatusBadGateway, CodeUpstreamError, "Error communicating with backend service")
		return http.StatusBadGateway
	}
	g.breaker.RecordSuccess(ctx, upstream)

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, io.LimitReader(resp.Body, maxUpstreamBody))
	return resp.StatusCode
}

func (g *GatewayHandler) recordUsage(ctx context.Context, partnerID int64, success bool) {
	if err := g.usage.RecordUsage(context.WithoutCancel(ctx), partnerID, g.now().UTC(), success); err != nil {
		g.logger.Error("failed to record usage", "partner_id", partnerID, "error", err)
	}
}
