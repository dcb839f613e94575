package observability

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "studio"

// Bucket layouts in seconds.
var (
	httpBuckets     = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	jobBuckets      = []float64{1, 5, 10, 30, 60, 120, 300, 600, 900, 1800}
	stepBuckets     = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600}
	callbackBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Metrics covers the API, the scheduler's admission gate, stage sub-steps
// and callback delivery. A nil *Metrics is valid and records nothing.
type Metrics struct {
	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
	httpErrors   metric.Int64Counter

	jobsSubmitted metric.Int64Counter
	jobsQueued    metric.Int64UpDownCounter
	jobsRunning   metric.Int64UpDownCounter
	jobsFailed    metric.Int64Counter
	jobDuration   metric.Float64Histogram

	stepDuration  metric.Float64Histogram
	stepFallbacks metric.Int64Counter

	callbackDuration  metric.Float64Histogram
	callbackDelivered metric.Int64Counter
	callbackFailed    metric.Int64Counter
	callbackDropped   metric.Int64Counter
	callbackRequeued  metric.Int64Counter
	callbackQueue     metric.Int64Gauge
}

// NewMetrics registers every instrument on a Prometheus exporter, installs
// the meter provider globally and returns the scrape handler.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter(meterName))
	if err != nil {
		return nil, nil, errors.Join(err, provider.Shutdown(ctx))
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// instruments collects the first registration failure so the instrument
// list in newMetrics reads as a table.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) note(err error) {
	if in.err == nil {
		in.err = err
	}
}

func (in *instruments) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	in.note(err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.note(err)
	return c
}

func (in *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.note(err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64Gauge {
	g, err := in.meter.Int64Gauge(name, metric.WithDescription(desc))
	in.note(err)
	return g
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	in := &instruments{meter: meter}
	m := &Metrics{
		httpDuration: in.histogram("http_request_duration_seconds", "HTTP request latency", httpBuckets),
		httpRequests: in.counter("http_requests_total", "HTTP requests served"),
		httpErrors:   in.counter("http_errors_total", "HTTP responses with a 4xx or 5xx status"),

		jobsSubmitted: in.counter("jobs_submitted_total", "Jobs accepted by the scheduler"),
		jobsQueued:    in.upDown("jobs_queued", "Jobs waiting behind the admission gate"),
		jobsRunning:   in.upDown("jobs_running", "Jobs holding an execution slot"),
		jobsFailed:    in.counter("jobs_failed_total", "Jobs that finished in the failed state"),
		jobDuration:   in.histogram("job_duration_seconds", "Stage execution time from admission to outcome", jobBuckets),

		stepDuration:  in.histogram("step_duration_seconds", "Sub-step execution time", stepBuckets),
		stepFallbacks: in.counter("step_fallbacks_total", "Sub-steps that stored a degraded fallback output"),

		callbackDuration:  in.histogram("callback_delivery_duration_seconds", "Callback delivery latency", callbackBuckets),
		callbackDelivered: in.counter("callbacks_delivered_total", "Callbacks acknowledged by the receiver"),
		callbackFailed:    in.counter("callbacks_failed_total", "Callbacks abandoned after retries"),
		callbackDropped:   in.counter("callbacks_dropped_total", "Callbacks dropped on a full buffer or too many requeues"),
		callbackRequeued:  in.counter("callbacks_requeued_total", "Callbacks requeued while the circuit was open"),
		callbackQueue:     in.gauge("callback_queue_size", "Callbacks buffered for delivery"),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

// RecordHTTPRequest records one served request. route should be the matched
// pattern rather than the raw path.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(methodAttr(method), routeAttr(route), statusAttr(statusCode))
	m.httpDuration.Record(ctx, durationSeconds, attrs)
	m.httpRequests.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.httpErrors.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a job entering the admission queue.
func (m *Metrics) RecordJobCreated(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(stageAttr(stage))
	m.jobsSubmitted.Add(ctx, 1, attrs)
	m.jobsQueued.Add(ctx, 1, attrs)
}

// RecordJobRequeued records a pending job put back in the queue by Recover.
func (m *Metrics) RecordJobRequeued(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.jobsQueued.Add(ctx, 1, metric.WithAttributes(stageAttr(stage)))
}

// RecordJobStarted records a job leaving the queue for an execution slot.
func (m *Metrics) RecordJobStarted(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(stageAttr(stage))
	m.jobsQueued.Add(ctx, -1, attrs)
	m.jobsRunning.Add(ctx, 1, attrs)
}

// RecordJobAbandoned records a queued job that never started because the
// scheduler shut down first.
func (m *Metrics) RecordJobAbandoned(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.jobsQueued.Add(ctx, -1, metric.WithAttributes(stageAttr(stage)))
}

// RecordJobCompleted records a running job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, stage string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.jobDuration.Record(ctx, durationSeconds, metric.WithAttributes(stageAttr(stage), successAttr(success)))
	m.jobsRunning.Add(ctx, -1, metric.WithAttributes(stageAttr(stage)))
	if !success {
		m.jobsFailed.Add(ctx, 1, metric.WithAttributes(stageAttr(stage)))
	}
}

// RecordStep records one finished sub-step.
func (m *Metrics) RecordStep(ctx context.Context, stage, step, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, durationSeconds, metric.WithAttributes(stageAttr(stage), stepAttr(step), outcomeAttr(outcome)))
	if outcome == OutcomeDegraded {
		m.stepFallbacks.Add(ctx, 1, metric.WithAttributes(stageAttr(stage), stepAttr(step)))
	}
}

// RecordDispatcherDelivered records an acknowledged callback.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.callbackDelivered.Add(ctx, 1)
	m.callbackDuration.Record(ctx, durationSeconds)
}

func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.callbackFailed.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.callbackDropped.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.callbackRequeued.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.callbackQueue.Record(ctx, size)
}
