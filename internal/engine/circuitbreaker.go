package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker guards calls from the partner gateway to an internal
// upstream service. State is kept in a Redis hash per upstream so every
// gateway replica trips and recovers together.
//
// - Closed: calls pass, consecutive failures are counted.
// - Open: calls are refused until the cooldown has elapsed.
// - Half-open: exactly one probe call is let through. Success closes the
//   circuit, failure re-opens it.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

// CircuitBreakerState represents the current state of an upstream's circuit.
type CircuitBreakerState struct {
	Upstream     string `json:"upstream"`
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

// Moves an open circuit whose cooldown has elapsed to half-open. Only the
// caller that performs the transition receives the probe.
// Returns {state, allowed}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state')
if not state or state == 'closed' then
    return {'closed', 1}
end

if state == 'open' then
    local last = tonumber(redis.call('HGET', key, 'last_failed_at') or '0')
    if now - last >= cooldown then
        redis.call('HSET', key, 'state', 'half-open')
        return {'half-open', 1}
    end
    return {'open', 0}
end

return {'half-open', 0}
`)

func NewCircuitBreaker(redisClient *redis.Client, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: 5,
		cooldownPeriod:   30 * time.Second,
		now:              time.Now,
	}
}

func cbKey(upstream string) string {
	return fmt.Sprintf("cb:upstream:%s", upstream)
}

// AllowRequest reports the circuit state and whether a call may proceed.
// Redis errors fail open.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, upstream string) (string, bool) {
	res, err := allowScript.Run(ctx, cb.redisClient, []string{cbKey(upstream)},
		cb.now().Unix(), int64(cb.cooldownPeriod.Seconds()),
	).Slice()
	if err != nil || len(res) != 2 {
		cb.logger.Error("circuit breaker check failed", "error", err, "upstream", upstream)
		return StateClosed, true
	}

	state, _ := res[0].(string)
	allowed, _ := res[1].(int64)
	if state == StateHalfOpen && allowed == 1 {
		cb.logger.Info("circuit breaker half-open", "upstream", upstream)
	}
	return state, allowed == 1
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, upstream string) {
	key := cbKey(upstream)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()
	if state == "" {
		return
	}

	if err := cb.redisClient.HSet(ctx, key, "state", StateClosed, "failures", 0).Err(); err != nil {
		cb.logger.Error("failed to record circuit breaker success", "error", err, "upstream", upstream)
		return
	}

	if state == StateHalfOpen {
		cb.logger.Info("circuit breaker closed (recovered)", "upstream", upstream)
	}
}

// RecordFailure counts a failed call and opens the circuit once the
// threshold is reached or a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, upstream string) {
	key := cbKey(upstream)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker failure", "error", err, "upstream", upstream)
		return
	}

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen, "last_failed_at", cb.now().Unix())
		cb.logger.Warn("circuit breaker re-opened (half-open probe failed)", "upstream", upstream)
	case failures >= int64(cb.failureThreshold):
		cb.redisClient.HSet(ctx, key, "state", StateOpen, "last_failed_at", cb.now().Unix())
		if state != StateOpen {
			cb.logger.Warn("circuit breaker opened",
				"upstream", upstream,
				"failures", failures,
				"threshold", cb.failureThreshold,
			)
		}
	default:
		cb.redisClient.HSet(ctx, key, "state", StateClosed, "last_failed_at", cb.now().Unix())
	}
}

// GetState returns the current circuit breaker state for an upstream.
func (cb *CircuitBreaker) GetState(ctx context.Context, upstream string) CircuitBreakerState {
	result := CircuitBreakerState{Upstream: upstream, State: StateClosed}

	data, err := cb.redisClient.HGetAll(ctx, cbKey(upstream)).Result()
	if err != nil || len(data) == 0 {
		return result
	}

	result.Failures, _ = strconv.Atoi(data["failures"])
	if s := data["state"]; s != "" {
		result.State = s
	}

	lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	if lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
		if result.State == StateOpen && cb.now().Unix()-lastFailed >= int64(cb.cooldownPeriod.Seconds()) {
			result.State = StateHalfOpen
		}
	}

	return result
}
