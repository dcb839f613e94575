package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"studio/pkg/backoff"
	"studio/pkg/circuitbreaker"
	"studio/pkg/cloudevent"
)

// deliveryTimeout bounds one event's delivery including retries.
const deliveryTimeout = 30 * time.Second

// saturationRatio is the buffer fill level at which Ready starts failing.
const saturationRatio = 0.9

// MetricsRecorder receives delivery metrics. observability.Metrics satisfies it.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// MemoryDispatcher queues events in a bounded channel drained by a worker
// pool. Queued events are lost if the process exits.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	cfg      MemoryConfig
	backoff  *backoff.Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	requeued  atomic.Int64
	retries   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

var _ Dispatcher = (*MemoryDispatcher)(nil)

// NewMemory starts an in-memory dispatcher. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		cfg:      cfg,
		backoff:  &backoff.Config{Initial: 100 * time.Millisecond, Max: 5 * time.Second},
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if event.Destination == "" {
		return errors.New("callback destination is required")
	}
	if err := event.Payload.Validate(); err != nil {
		return err
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Ready fails once the dispatcher is closed or its buffer is close to full,
// the point at which new callbacks start being dropped.
func (d *MemoryDispatcher) Ready(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	depth := len(d.queue)
	if float64(depth) >= saturationRatio*float64(cap(d.queue)) {
		return fmt.Errorf("%w: %d of %d queued, %d breakers open", ErrSaturated, depth, cap(d.queue), d.breakers.Stats().Open)
	}
	return nil
}

func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Requeued:     d.requeued.Load(),
		Retries:      d.retries.Load(),
		BreakersOpen: d.breakers.Stats().Open,
	}
}

func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	start := time.Now()
	if err := d.send(ctx, event); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Callback delivery failed",
			"jobId", event.Payload.Subject,
			"destination", host,
			"type", event.Payload.Type,
			"error", err,
		)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// send posts the event, retrying server errors with exponential backoff.
func (d *MemoryDispatcher) send(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}
	return backoff.RetryNotify(ctx, max(d.cfg.MaxRetries, 0), d.backoff, func(ctx context.Context) error {
		err := d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if cloudevent.IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, func(int, error) {
		d.retries.Add(1)
	})
}

// requeue holds an event back for one breaker cooldown while its host's
// breaker is open.
func (d *MemoryDispatcher) requeue(event *Event, host string) {
	if event.requeues >= d.cfg.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}
	event.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	time.AfterFunc(d.cfg.BreakerCooldown, func() {
		if d.closed.Load() {
			return
		}
		select {
		case d.queue <- event:
			d.logger.Debug("Callback requeued", "destination", host, "type", event.Payload.Type, "requeues", event.requeues)
		default:
			d.drop(event, "buffer full on requeue")
		}
	})
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Callback dropped",
		"reason", reason,
		"jobId", event.Payload.Subject,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
	)
}

// extractHost keys breakers by destination host.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
