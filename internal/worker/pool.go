package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/carddemo/partner-events/internal/domain"
)

// DeliveryHandler makes one delivery attempt.
type DeliveryHandler interface {
	Deliver(ctx context.Context, d *domain.Delivery) (domain.DeliveryStatus, error)
}

// Pool runs delivery attempts on a fixed number of goroutines.
type Pool struct {
	numWorkers int
	jobs       chan *domain.Delivery
	handler    DeliveryHandler
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func NewPool(numWorkers int, handler DeliveryHandler, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan *domain.Delivery, numWorkers*2),
		handler:    handler,
		logger:     logger,
	}
}

// Start launches the workers. They exit when Stop closes the queue.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit queues d, blocking while the queue is full. It returns false if
// ctx ends first.
func (p *Pool) Submit(ctx context.Context, d *domain.Delivery) bool {
	select {
	case p.jobs <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// Free reports how many more deliveries fit in the queue.
func (p *Pool) Free() int {
	return cap(p.jobs) - len(p.jobs)
}

// Stop closes the queue and waits for in-flight attempts to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()

	for d := range p.jobs {
		if ctx.Err() != nil {
			// Drain without sending; the claim lease expires and the
			// scheduler picks these up again.
			continue
		}
		if _, err := p.handler.Deliver(ctx, d); err != nil {
			p.logger.Error("delivery attempt not recorded",
				"delivery_id", d.ID,
				"partner_id", d.PartnerID,
				"attempt_count", d.AttemptCount,
				"error", err,
			)
		}
	}
}
