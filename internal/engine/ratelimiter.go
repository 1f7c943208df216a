package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Error codes reported to partners when a request is refused.
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeDailyQuotaExceeded = "DAILY_QUOTA_EXCEEDED"
)

const dailyQuotaTTL = 25 * time.Hour

// RateLimiter enforces a per-partner fixed request window and a daily quota.
// Counters live in Redis so every API replica sees the same totals.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	window      time.Duration
	now         func() time.Time
}

// RateLimitResult is the outcome of one check.
type RateLimitResult struct {
	Allowed           bool   `json:"allowed"`
	ErrorCode         string `json:"error_code,omitempty"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Limit             int    `json:"limit"`
	Remaining         int    `json:"remaining"`
}

// Err maps a refused result to its sentinel error.
func (r RateLimitResult) Err() error {
	switch r.ErrorCode {
	case CodeRateLimitExceeded:
		return domain.ErrRateLimitExceeded
	case CodeDailyQuotaExceeded:
		return domain.ErrDailyQuotaExceeded
	}
	return nil
}

// Returns {outcome, windowCount, extra}. outcome 0 = allowed, 1 = window
// exceeded (extra = seconds until the window resets), 2 = daily quota
// exhausted. The window and daily counters expire only when created, and a
// refused request never consumes daily quota.
var windowQuotaScript = redis.NewScript(`
local windowKey = KEYS[1]
local dailyKey = KEYS[2]
local limit = tonumber(ARGV[1])
local quota = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local dailyTTL = tonumber(ARGV[4])

local count = redis.call('INCR', windowKey)
if count == 1 then
    redis.call('EXPIRE', windowKey, window)
end

if count > limit then
    local ttl = redis.call('TTL', windowKey)
    if ttl < 0 then
        ttl = window
    end
    return {1, count, ttl}
end

local daily = tonumber(redis.call('GET', dailyKey) or '0')
if daily >= quota then
    return {2, count, daily}
end

daily = redis.call('INCR', dailyKey)
if daily == 1 then
    redis.call('EXPIRE', dailyKey, dailyTTL)
end
return {0, count, daily}
`)

func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      windowQuotaScript,
		window:      window,
		now:         time.Now,
	}
}

func windowKey(partnerID int64) string {
	return fmt.Sprintf("partner:ratelimit:%d", partnerID)
}

func dailyKey(partnerID int64, day time.Time) string {
	return fmt.Sprintf("partner:dailyquota:%d:%s", partnerID, day.UTC().Format(time.DateOnly))
}

// Check counts one request against the partner's window and daily quota.
// Non-positive limits fall back to the partner defaults. When Redis is
// unreachable the request is allowed and the error logged.
func (rl *RateLimiter) Check(ctx context.Context, partnerID int64, limitPerMinute, dailyQuota int) RateLimitResult {
	if limitPerMinute <= 0 {
		limitPerMinute = domain.DefaultRateLimitPerMinute
	}
	if dailyQuota <= 0 {
		dailyQuota = domain.DefaultDailyQuota
	}

	keys := []string{windowKey(partnerID), dailyKey(partnerID, rl.now())}
	res, err := rl.script.Run(ctx, rl.redisClient, keys,
		limitPerMinute, dailyQuota, int64(rl.window.Seconds()), int64(dailyQuotaTTL.Seconds()),
	).Int64Slice()
	if err != nil || len(res) != 3 {
		rl.logger.Error("rate limiter script failed", "error", err, "partner_id", partnerID)
		return RateLimitResult{Allowed: true, Limit: limitPerMinute, Remaining: limitPerMinute}
	}

	outcome, count := res[0], int(res[1])
	remaining := max(0, limitPerMinute-count)

	switch outcome {
	case 1:
		rl.logger.Debug("rate limited", "partner_id", partnerID, "limit", limitPerMinute, "count", count)
		return RateLimitResult{
			ErrorCode:         CodeRateLimitExceeded,
			Message:           fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", res[2]),
			RetryAfterSeconds: res[2],
			Limit:             limitPerMinute,
			Remaining:         0,
		}
	case 2:
		rl.logger.Debug("daily quota exhausted", "partner_id", partnerID, "quota", dailyQuota)
		return RateLimitResult{
			ErrorCode: CodeDailyQuotaExceeded,
			Message:   "Daily quota exceeded. Try again tomorrow.",
			Limit:     limitPerMinute,
			Remaining: remaining,
		}
	}

	return RateLimitResult{Allowed: true, Limit: limitPerMinute, Remaining: remaining}
}

// LiveUsage is the partner's current counter state.
type LiveUsage struct {
	WindowCount     int64 `json:"current_minute_requests"`
	DailyCount      int64 `json:"today_requests"`
	WindowResetSecs int64 `json:"window_reset_seconds"`
}

// Usage reads the partner's counters without incrementing them.
func (rl *RateLimiter) Usage(ctx context.Context, partnerID int64) (LiveUsage, error) {
	var u LiveUsage

	pipe := rl.redisClient.Pipeline()
	windowCmd := pipe.Get(ctx, windowKey(partnerID))
	dailyCmd := pipe.Get(ctx, dailyKey(partnerID, rl.now()))
	ttlCmd := pipe.TTL(ctx, windowKey(partnerID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return u, fmt.Errorf("reading rate limit counters: %w", err)
	}

	u.WindowCount, _ = windowCmd.Int64()
	u.DailyCount, _ = dailyCmd.Int64()
	if ttl := ttlCmd.Val(); ttl > 0 {
		u.WindowResetSecs = int64(ttl.Seconds())
	}
	return u, nil
}
