// Package job accepts stage submissions, runs each job asynchronously on the
// stage executor and answers status queries from the artifact store.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"studio/internal/apperrors"
	"studio/internal/artifact"
	"studio/internal/dispatcher"
	"studio/internal/observability"
	"studio/internal/stage"
	"studio/internal/stageexec"
	"studio/pkg/cloudevent"
)

// Validation limits
const (
	maxCallbackEvents = 16
	maxCallbackKeyLen = 256
)

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("scheduler is shutting down")

// registryTimeout bounds bookkeeping writes made after a job's context ended.
const registryTimeout = 10 * time.Second

// Executor runs one job's stage sequence.
type Executor interface {
	Execute(ctx context.Context, job *stageexec.Job, obs stageexec.Observer) *stageexec.Result
}

// CompletionFunc is called after a job reaches a terminal state.
type CompletionFunc func(ctx context.Context, rec *Record)

// Config for the scheduler.
type Config struct {
	// MaxConcurrentJobs caps running jobs; further jobs wait in submission
	// order. Zero means unbounded.
	MaxConcurrentJobs int
	Metrics           *observability.Metrics
	// Dispatcher delivers lifecycle callbacks. Nil disables callbacks.
	Dispatcher  dispatcher.Dispatcher
	EventSource string // CloudEvents source (default: "studio")
}

// Scheduler owns the job lifecycle. Every submitted job runs on its own
// goroutine; Submit returns before any sub-step starts.
type Scheduler struct {
	registry   Registry
	store      artifact.Store
	executor   Executor
	gate       *gate
	metrics    *observability.Metrics
	dispatcher dispatcher.Dispatcher
	source     string
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	handlers []CompletionFunc
}

// NewScheduler creates a scheduler. Call Recover before serving traffic to
// pick up jobs left behind by a previous process.
func NewScheduler(registry Registry, store artifact.Store, executor Executor, cfg Config) *Scheduler {
	if cfg.EventSource == "" {
		cfg.EventSource = "studio"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		registry:   registry,
		store:      store,
		executor:   executor,
		gate:       newGate(cfg.MaxConcurrentJobs),
		metrics:    cfg.Metrics,
		dispatcher: cfg.Dispatcher,
		source:     cfg.EventSource,
		logger:     slog.With("component", "scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnCompleted registers fn to run after every job reaches a terminal state.
func (s *Scheduler) OnCompleted(fn CompletionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Submit validates req, records a pending job and dispatches it.
// Note: This method applies defaults to the request before validation.
func (s *Scheduler) Submit(ctx context.Context, st stage.Type, req *SubmitRequest) (*Record, error) {
	if req == nil {
		return nil, apperrors.Validation("request", "request is required")
	}
	if !st.Valid() {
		return nil, apperrors.Validation("stage", fmt.Sprintf("unknown stage %q", st))
	}
	req.ApplyDefaults(st)
	if err := stage.Validate(st, &req.Request, req.References); err != nil {
		return nil, err
	}
	if err := validateReferences(req.References); err != nil {
		return nil, err
	}
	if err := validateCallback(req.Callback); err != nil {
		return nil, err
	}

	// Held until dispatch so Shutdown cannot start waiting in between.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, apperrors.Unavailable("submit", ErrShuttingDown)
	}

	rec := &Record{
		ID:         uuid.NewString(),
		Stage:      st,
		Request:    req.Request,
		References: req.References.Clone(),
		Callback:   req.Callback,
		State:      StatePending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.registry.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.metrics.RecordJobCreated(ctx, string(st))
	s.logger.Info("Job submitted", "jobId", rec.ID, "stage", st)

	s.dispatch(rec)
	return rec, nil
}

// dispatch queues rec behind the admission gate and runs it.
func (s *Scheduler) dispatch(rec *Record) {
	ticket := s.gate.enqueue()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ticket:
		case <-s.ctx.Done():
			// Left pending; Recover dispatches it again on the next start
			s.gate.abandon(ticket)
			s.metrics.RecordJobAbandoned(context.Background(), string(rec.Stage))
			return
		}
		defer s.gate.release()
		if s.ctx.Err() != nil {
			s.metrics.RecordJobAbandoned(context.Background(), string(rec.Stage))
			return
		}
		s.run(rec)
	}()
}

func (s *Scheduler) run(rec *Record) {
	logger := s.logger.With("jobId", rec.ID, "stage", rec.Stage)
	started := time.Now()
	ctx := s.ctx

	if err := s.registry.MarkRunning(ctx, rec.ID, started.UTC()); err != nil {
		logger.Error("Failed to mark job running", "error", err)
		s.metrics.RecordJobAbandoned(context.WithoutCancel(ctx), string(rec.Stage))
		return
	}
	s.metrics.RecordJobStarted(ctx, string(rec.Stage))
	events := NewEventBuilder(rec, s.source)
	s.emit(rec, EventTypeStart, events.BuildStartEvent)
	logger.Info("Job started")

	job := &stageexec.Job{
		ID:         rec.ID,
		Stage:      rec.Stage,
		Request:    rec.Request,
		References: rec.References,
	}
	result := s.executor.Execute(ctx, job, &observer{scheduler: s, rec: rec, events: events})

	state := StateCompleted
	if !result.Succeeded() {
		state = StateFailed
	}

	// The job context may be cancelled by now; bookkeeping must still land.
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
	defer cancel()
	if err := s.registry.MarkFinished(bgCtx, rec.ID, state, time.Now().UTC(), result.Failure); err != nil {
		logger.Error("Failed to record job outcome", "error", err)
	}

	s.metrics.RecordJobCompleted(bgCtx, string(rec.Stage), result.Succeeded(), time.Since(started).Seconds())
	finishType := EventTypeCompleted
	if !result.Succeeded() {
		finishType = EventTypeFailed
	}
	s.emit(rec, finishType, func() *cloudevent.CloudEvent { return events.BuildFinishEvent(result) })

	if result.Succeeded() {
		logger.Info("Job completed", "artifacts", len(result.Artifacts), "degraded", result.Degraded, "duration", time.Since(started))
	} else {
		logger.Warn("Job failed", "step", result.Failure.Step, "kind", result.Failure.Kind, "error", result.Failure.Message)
	}

	final, err := s.registry.Get(bgCtx, rec.ID)
	if err != nil {
		logger.Error("Failed to reload job", "error", err)
		return
	}
	s.mu.RLock()
	handlers := slices.Clone(s.handlers)
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(bgCtx, final)
	}
}

// Job returns the stored record of a job.
func (s *Scheduler) Job(ctx context.Context, jobID string) (*Record, error) {
	return s.registry.Get(ctx, jobID)
}

// GetStatus returns the job's current status. Completion is derived from
// the presence of the stage's required artifacts.
func (s *Scheduler) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	rec, err := s.registry.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.status(ctx, rec)
}

func (s *Scheduler) status(ctx context.Context, rec *Record) (*Status, error) {
	required := s.store.RequiredArtifacts(rec.Stage)
	complete, err := artifact.AllExist(ctx, s.store, rec.ID, required)
	if err != nil {
		return nil, err
	}
	produced, err := s.store.List(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		ID:         rec.ID,
		Stage:      rec.Stage,
		References: rec.References,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Required:   required,
		Artifacts:  make([]ArtifactInfo, 0, len(produced)),
	}
	for _, a := range produced {
		st.Artifacts = append(st.Artifacts, ArtifactInfo{Artifact: a, Degraded: slices.Contains(rec.Degraded, a.Name)})
	}

	switch {
	case complete:
		st.State = StateCompleted
	case rec.State == StateCompleted:
		// Recorded as completed but a required artifact is gone
		st.State = StateFailed
		st.Failure = &stageexec.Failure{Step: "verify", Kind: apperrors.KindNotFound, Message: "required artifacts are missing from the store"}
	case rec.State == StateFailed:
		st.State = StateFailed
		st.Failure = rec.Failure
	default:
		st.State = rec.State
	}
	return st, nil
}

// GetArtifact opens a produced artifact. The caller closes the reader.
func (s *Scheduler) GetArtifact(ctx context.Context, jobID, name string) (io.ReadCloser, *artifact.Artifact, error) {
	if err := artifact.ValidateKey(jobID, name); err != nil {
		return nil, nil, apperrors.NotFound("artifact", jobID+"/"+name)
	}
	if _, err := s.registry.Get(ctx, jobID); err != nil {
		return nil, nil, err
	}
	return s.store.Get(ctx, jobID, name)
}

// List returns job statuses matching filter in creation order.
func (s *Scheduler) List(ctx context.Context, filter Filter) ([]Status, error) {
	records, err := s.registry.List(ctx, Filter{Stage: filter.Stage})
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(records))
	for i := range records {
		st, err := s.status(ctx, &records[i])
		if err != nil {
			return nil, err
		}
		if filter.State != "" && st.State != filter.State {
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

// Recover resolves jobs left behind by a previous process. Running jobs are
// failed as interrupted unless all their required artifacts exist; pending
// jobs are dispatched again in creation order.
func (s *Scheduler) Recover(ctx context.Context) error {
	running, err := s.registry.List(ctx, Filter{State: StateRunning})
	if err != nil {
		return err
	}
	for i := range running {
		rec := &running[i]
		complete, err := artifact.AllExist(ctx, s.store, rec.ID, s.store.RequiredArtifacts(rec.Stage))
		if err != nil {
			return err
		}
		state, failure := StateCompleted, (*stageexec.Failure)(nil)
		if !complete {
			state = StateFailed
			failure = &stageexec.Failure{Kind: apperrors.KindInterrupted, Message: "job was interrupted by a service restart"}
		}
		if err := s.registry.MarkFinished(ctx, rec.ID, state, time.Now().UTC(), failure); err != nil {
			return err
		}
		s.logger.Warn("Recovered interrupted job", "jobId", rec.ID, "stage", rec.Stage, "state", state)
	}

	pending, err := s.registry.List(ctx, Filter{State: StatePending})
	if err != nil {
		return err
	}
	for i := range pending {
		rec := pending[i]
		s.metrics.RecordJobRequeued(ctx, string(rec.Stage))
		s.dispatch(&rec)
	}
	if len(pending) > 0 {
		s.logger.Info("Re-dispatched pending jobs", "count", len(pending))
	}
	return nil
}

// Stats returns the number of running and queued jobs.
func (s *Scheduler) Stats() (running, queued int) {
	return s.gate.stats()
}

// Shutdown stops accepting jobs, cancels running ones and waits for their
// goroutines to finish or ctx to end. Cancelled jobs are recorded as failed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit queues a callback event when the job asked for eventType. build is
// only called when the event will be sent.
func (s *Scheduler) emit(rec *Record, eventType string, build func() *cloudevent.CloudEvent) {
	if s.dispatcher == nil || rec.Callback == nil || !FilteredEvents(eventType, rec.Callback.Events) {
		return
	}
	event := &dispatcher.Event{
		Payload:     build(),
		Destination: rec.Callback.URL,
		SigningKey:  rec.Callback.Key,
	}
	if err := s.dispatcher.Dispatch(event); err != nil {
		s.logger.Warn("Failed to dispatch callback", "jobId", rec.ID, "event", eventType, "error", err)
	}
}

// observer records executor progress against one job.
type observer struct {
	scheduler *Scheduler
	rec       *Record
	events    *EventBuilder
}

func (o *observer) StepStarted(_ context.Context, job *stageexec.Job, step string) {
	o.scheduler.logger.Debug("Step started", "jobId", job.ID, "stage", job.Stage, "step", step)
}

func (o *observer) ArtifactStored(ctx context.Context, job *stageexec.Job, art *artifact.Artifact, degraded bool) {
	if degraded {
		if err := o.scheduler.registry.AddDegraded(ctx, job.ID, art.Name); err != nil {
			o.scheduler.logger.Error("Failed to record degraded artifact", "jobId", job.ID, "artifact", art.Name, "error", err)
		}
	}
	o.scheduler.emit(o.rec, EventTypeArtifact, func() *cloudevent.CloudEvent {
		return o.events.BuildArtifactEvent(art, degraded)
	})
}

// validateReferences rejects reference ids that no job could have been given.
func validateReferences(refs stage.References) error {
	for _, st := range stage.All {
		id, ok := refs[st]
		if !ok {
			continue
		}
		if artifact.ValidateJobID(id) != nil {
			return apperrors.Validation("references."+string(st), fmt.Sprintf("invalid %s job reference %q", st, id))
		}
	}
	return nil
}

func validateCallback(cb *Callback) error {
	if cb == nil {
		return nil
	}
	if cb.URL == "" {
		return apperrors.Validation("callback.url", "callback URL is required")
	}
	if err := artifact.ValidateURL(cb.URL); err != nil {
		return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
	}
	if len(cb.Events) > maxCallbackEvents {
		return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
	}
	for _, e := range cb.Events {
		switch e {
		case EventTypeStart, EventTypeArtifact, EventTypeCompleted, EventTypeFailed:
		default:
			return apperrors.Validation("callback.events", fmt.Sprintf("unknown event type %q", e))
		}
	}
	if len(cb.Key) > maxCallbackKeyLen {
		return apperrors.Validation("callback.key", fmt.Sprintf("callback key exceeds maximum length of %d", maxCallbackKeyLen))
	}
	return nil
}
