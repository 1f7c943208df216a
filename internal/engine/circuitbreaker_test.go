package engine

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupTestCB(t *testing.T) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	clock := &fakeClock{t: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(client, logger)
	cb.now = clock.Now
	return cb, clock
}

// openAndCoolDown opens the circuit for an upstream, then moves the clock
// past the cooldown.
func openAndCoolDown(t *testing.T, cb *CircuitBreaker, clock *fakeClock, upstream string) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, upstream)
	}
	clock.Advance(31 * time.Second)
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb, _ := setupTestCB(t)

	state, allowed := cb.AllowRequest(context.Background(), "accounts")

	if state != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, state)
	}
	if !allowed {
		t.Error("unknown upstream should be allowed (circuit closed)")
	}

	st := cb.GetState(context.Background(), "accounts")
	if st.State != StateClosed || st.Failures != 0 {
		t.Errorf("unexpected default state: %+v", st)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx, "accounts")
	}
	if state, allowed := cb.AllowRequest(ctx, "accounts"); state != StateClosed || !allowed {
		t.Fatalf("below threshold: got %q allowed=%v", state, allowed)
	}

	cb.RecordFailure(ctx, "accounts")

	state, allowed := cb.AllowRequest(ctx, "accounts")
	if state != StateOpen {
		t.Errorf("expected state %q, got %q", StateOpen, state)
	}
	if allowed {
		t.Error("should NOT be allowed when circuit is open")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx, "cards")
	}
	cb.RecordSuccess(ctx, "cards")

	st := cb.GetState(ctx, "cards")
	if st.State != StateClosed {
		t.Errorf("expected state %q after success, got %q", StateClosed, st.State)
	}
	if st.Failures != 0 {
		t.Errorf("expected 0 failures after success, got %d", st.Failures)
	}
}

func TestCircuitBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	cb, clock := setupTestCB(t)
	ctx := context.Background()

	openAndCoolDown(t, cb, clock, "accounts")

	state, allowed := cb.AllowRequest(ctx, "accounts")
	if state != StateHalfOpen || !allowed {
		t.Fatalf("first call after cooldown should probe, got %q allowed=%v", state, allowed)
	}

	state, allowed = cb.AllowRequest(ctx, "accounts")
	if state != StateHalfOpen || allowed {
		t.Errorf("second call while probing should be refused, got %q allowed=%v", state, allowed)
	}
}

func TestCircuitBreaker_HalfOpenSuccess_ClosesCircuit(t *testing.T) {
	cb, clock := setupTestCB(t)
	ctx := context.Background()

	openAndCoolDown(t, cb, clock, "accounts")
	cb.AllowRequest(ctx, "accounts")
	cb.RecordSuccess(ctx, "accounts")

	if st := cb.GetState(ctx, "accounts"); st.State != StateClosed {
		t.Errorf("expected %q after probe success, got %q", StateClosed, st.State)
	}
	if _, allowed := cb.AllowRequest(ctx, "accounts"); !allowed {
		t.Error("closed circuit should allow calls")
	}
}

func TestCircuitBreaker_HalfOpenFailure_ReopensCircuit(t *testing.T) {
	cb, clock := setupTestCB(t)
	ctx := context.Background()

	openAndCoolDown(t, cb, clock, "accounts")
	cb.AllowRequest(ctx, "accounts")
	cb.RecordFailure(ctx, "accounts")

	state, allowed := cb.AllowRequest(ctx, "accounts")
	if state != StateOpen {
		t.Errorf("expected %q after probe failure, got %q", StateOpen, state)
	}
	if allowed {
		t.Error("should NOT be allowed after probe failure")
	}

	clock.Advance(31 * time.Second)
	if st := cb.GetState(ctx, "accounts"); st.State != StateHalfOpen {
		t.Errorf("GetState should report half-open after a fresh cooldown, got %q", st.State)
	}
}

func TestCircuitBreaker_IsolationBetweenUpstreams(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, "accounts")
	}

	state, allowed := cb.AllowRequest(ctx, "transactions")
	if state != StateClosed || !allowed {
		t.Errorf("transactions should be unaffected, got %q allowed=%v", state, allowed)
	}
}
