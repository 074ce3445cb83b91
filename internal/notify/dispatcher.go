package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Dispatcher polls the schedule and fans due events out to a fixed worker
// pool, throttled by a token bucket.
type Dispatcher struct {
	queue        *Queue
	workers      int
	pollInterval time.Duration
	batch        int
	limiter      *rate.Limiter
	logger       *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithRate caps delivery attempts per second. Zero or less disables the cap.
func WithRate(perSecond float64) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewDispatcher(queue *Queue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:        queue,
		workers:      4,
		pollInterval: 5 * time.Second,
		limiter:      rate.NewLimiter(rate.Limit(10), 10),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.batch = d.workers * 4
	return d
}

// Run blocks until ctx is done. Claimed events that were not attempted when
// it stops are put back on the schedule.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobs := make(chan OutboundEvent, d.batch)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, jobs)
		}()
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.poll(ctx, jobs)
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil
		case <-ticker.C:
			d.poll(ctx, jobs)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context, jobs chan<- OutboundEvent) {
	free := cap(jobs) - len(jobs)
	if free <= 0 {
		return
	}
	due, err := d.queue.ClaimDue(ctx, free)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to claim due notifications", "error", err)
	}
	for _, ev := range due {
		jobs <- ev
	}
}

func (d *Dispatcher) work(ctx context.Context, jobs <-chan OutboundEvent) {
	for ev := range jobs {
		if ctx.Err() != nil || d.limiter.Wait(ctx) != nil {
			d.requeue(ev)
			continue
		}
		if _, err := d.queue.Attempt(ctx, ev); err != nil {
			d.logger.ErrorContext(ctx, "notification attempt failed", "event_id", ev.ID, "error", err)
		}
	}
}

func (d *Dispatcher) requeue(ev OutboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.Requeue(ctx, ev); err != nil {
		d.logger.WarnContext(ctx, "failed to requeue notification on shutdown, wal recovery will reschedule it",
			"event_id", ev.ID,
			"error", err,
		)
	}
}
