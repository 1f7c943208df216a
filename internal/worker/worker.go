// Package worker holds the background loops of the pipeline: outbox
// publishing, event consumption, webhook delivery and retry scheduling.
package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/carddemo/partner-events/internal/broker"
)

var tracer = otel.Tracer("github.com/carddemo/partner-events/internal/worker")

// MessagePublisher sends messages to the broker and returns once they are
// acknowledged.
type MessagePublisher interface {
	Publish(ctx context.Context, msgs ...broker.Message) error
}

// Locker runs fn only when no other instance is running it.
type Locker interface {
	RunExclusive(ctx context.Context, fn func(ctx context.Context) error) (bool, error)
}

// runEvery calls fn on every tick of interval until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
