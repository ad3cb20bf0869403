// Package dispatcher consumes queue deliveries and drives each event
// through the idempotent apply, the bounded retry schedule, and finally the
// failure store. Retry state lives in the envelope's retry counter plus the
// message's position in the broker; there is no shared mutable state between
// workers.
package dispatcher

import (
	"context"
	"time"

	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/metrics"
	"example.com/crm/services/analytics/internal/services"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// receiveRetryDelay is how long a worker waits after a transport receive
// error before polling again.
const receiveRetryDelay = 2 * time.Second

// Processor is the slice of the event service the dispatcher drives.
type Processor interface {
	ProcessEnvelope(ctx context.Context, env *messaging.Envelope) error
	DeadLetter(ctx context.Context, env *messaging.Envelope, procErr error) error
}

// Options tunes the dispatcher pool.
type Options struct {
	Workers             int
	ReceiveBatchSize    int
	MaxRetries          int
	BackoffSchedule     []time.Duration
	LockRenewalInterval time.Duration
}

// Dispatcher runs a pool of workers over the queue transport.
type Dispatcher struct {
	transport   messaging.Transport
	processor   Processor
	collector   *metrics.Metrics
	backoff     Backoff
	maxRetries  int
	workers     int
	batchSize   int
	lockRenewal time.Duration
}

// New creates a dispatcher pool.
func New(transport messaging.Transport, processor Processor, collector *metrics.Metrics, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ReceiveBatchSize <= 0 {
		opts.ReceiveBatchSize = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.LockRenewalInterval <= 0 {
		opts.LockRenewalInterval = 20 * time.Second
	}
	return &Dispatcher{
		transport:   transport,
		processor:   processor,
		collector:   collector,
		backoff:     NewBackoff(opts.BackoffSchedule),
		maxRetries:  opts.MaxRetries,
		workers:     opts.Workers,
		batchSize:   opts.ReceiveBatchSize,
		lockRenewal: opts.LockRenewalInterval,
	}
}

// Run starts the worker pool and blocks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			return d.runWorker(ctx, worker)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, worker int) error {
	log.Info().Int("worker", worker).Msg("Dispatcher worker started")

	for {
		if err := ctx.Err(); err != nil {
			log.Info().Int("worker", worker).Msg("Dispatcher worker stopping")
			return nil
		}

		deliveries, err := d.transport.Receive(ctx, d.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Transport outage: nothing is lost, the messages stay queued.
			log.Error().Err(err).Int("worker", worker).Msg("Failed to receive messages")
			select {
			case <-time.After(receiveRetryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, delivery := range deliveries {
			d.handle(ctx, delivery)
		}
	}
}

// handle drives a single delivery to one of its four outcomes: acknowledged
// as applied, acknowledged as duplicate, rescheduled with backoff, or
// dead-lettered.
func (d *Dispatcher) handle(ctx context.Context, delivery *messaging.Delivery) {
	if delivery.Envelope == nil {
		// No event identity to record a failure under; this is the only
		// case routed to the broker's dead-letter channel.
		if err := d.transport.DeadLetter(ctx, delivery, "undecodable message body"); err != nil {
			log.Error().Err(err).Msg("Failed to dead-letter undecodable message")
		}
		return
	}
	env := delivery.Envelope

	stopRenewal := d.keepLockAlive(ctx, delivery)
	started := time.Now()
	err := d.processor.ProcessEnvelope(ctx, env)
	stopRenewal()

	switch {
	case err == nil:
		d.collector.RecordLatency(env.EventType, time.Since(started))
		d.acknowledge(ctx, delivery)

	case errors.Is(err, services.ErrAlreadyProcessed):
		log.Debug().Str("event_id", env.EventID).Msg("Duplicate delivery skipped")
		d.collector.IncrementCounter(metrics.CounterDuplicates)
		d.acknowledge(ctx, delivery)

	default:
		d.retryOrDeadLetter(ctx, delivery, err)
	}
}

// retryOrDeadLetter is the failure edge of the per-event state machine.
// Transient and permanent failures are not distinguished - classification
// is itself unreliable - so both reschedule until the budget runs out.
func (d *Dispatcher) retryOrDeadLetter(ctx context.Context, delivery *messaging.Delivery, procErr error) {
	env := delivery.Envelope

	if env.RetryCount < d.maxRetries {
		delay := d.backoff.Delay(env.RetryCount)
		retry := *env
		retry.RetryCount = env.RetryCount + 1
		retry.EnqueuedAt = time.Now().UTC()

		if err := d.transport.PublishAfter(ctx, &retry, delay); err != nil {
			// Could not schedule the retry; abandon so the broker's own
			// redelivery keeps the message alive.
			log.Error().Err(err).Str("event_id", env.EventID).Msg("Failed to schedule retry, abandoning delivery")
			d.abandon(ctx, delivery)
			return
		}

		log.Warn().
			Err(procErr).
			Str("event_id", env.EventID).
			Int("attempt", env.RetryCount+1).
			Int("max_retries", d.maxRetries).
			Dur("delay", delay).
			Msg("Event processing failed, retry scheduled")
		d.collector.IncrementCounter(metrics.CounterRetried)
		d.acknowledge(ctx, delivery)
		return
	}

	if err := d.processor.DeadLetter(ctx, env, procErr); err != nil {
		// The failure record did not commit; abandoning keeps the message
		// redeliverable so the event is not silently lost.
		log.Error().Err(err).Str("event_id", env.EventID).Msg("Failed to record dead-lettered event, abandoning delivery")
		d.abandon(ctx, delivery)
		return
	}
	d.acknowledge(ctx, delivery)
}

// keepLockAlive renews the delivery's lock on an interval until the returned
// stop function is called, so a handler running long does not lose the
// message to redelivery mid-flight. A crashed worker simply stops renewing
// and the lock expiry becomes the crash-recovery path.
func (d *Dispatcher) keepLockAlive(ctx context.Context, delivery *messaging.Delivery) func() {
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(d.lockRenewal)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := d.transport.ExtendVisibility(renewCtx, delivery); err != nil {
					log.Warn().Err(err).Msg("Failed to extend message visibility")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (d *Dispatcher) acknowledge(ctx context.Context, delivery *messaging.Delivery) {
	if err := d.transport.Acknowledge(ctx, delivery); err != nil {
		// The broker will redeliver; the dedup check absorbs the repeat.
		log.Error().Err(err).Msg("Failed to acknowledge delivery")
	}
}

func (d *Dispatcher) abandon(ctx context.Context, delivery *messaging.Delivery) {
	if err := d.transport.Abandon(ctx, delivery); err != nil {
		log.Error().Err(err).Msg("Failed to abandon delivery")
	}
}
