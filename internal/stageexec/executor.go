// Package stageexec runs the ordered sub-step sequence of a stage. Each step
// sees the job's request, its references and every artifact stored so far;
// the first unabsorbed failure aborts the sequence and leaves earlier
// artifacts in place.
package stageexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"studio/internal/apperrors"
	"studio/internal/artifact"
	"studio/internal/observability"
	"studio/internal/stage"
)

// Failure records why a job failed.
type Failure struct {
	Step    string `json:"step"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the terminal outcome of one execution.
type Result struct {
	Artifacts []artifact.Artifact
	// Degraded names the artifacts produced by a fallback.
	Degraded []string
	Failure  *Failure
}

// Succeeded reports whether the job completed.
func (r *Result) Succeeded() bool { return r.Failure == nil }

// Observer is notified as a job progresses. Implementations must be fast;
// they run on the executing goroutine.
type Observer interface {
	StepStarted(ctx context.Context, job *Job, step string)
	ArtifactStored(ctx context.Context, job *Job, art *artifact.Artifact, degraded bool)
}

// Config for the executor.
type Config struct {
	StepTimeout time.Duration // per sub-step; 0 disables
	Metrics     *observability.Metrics
}

// Executor runs stage sequences against an artifact store.
type Executor struct {
	store       artifact.Store
	sequences   map[stage.Type][]Step
	stepTimeout time.Duration
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewExecutor creates an executor for the given sequences.
func NewExecutor(store artifact.Store, sequences map[stage.Type][]Step, cfg Config) *Executor {
	return &Executor{
		store:       store,
		sequences:   sequences,
		stepTimeout: cfg.StepTimeout,
		metrics:     cfg.Metrics,
		logger:      slog.With("component", "executor"),
	}
}

// Steps returns the step names of the sequence for t.
func (e *Executor) Steps(t stage.Type) []string {
	steps := e.sequences[t]
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

// Execute runs the sequence for job.Stage to completion or first failure.
// It never panics and never returns a nil Result. obs may be nil.
func (e *Executor) Execute(ctx context.Context, job *Job, obs Observer) *Result {
	logger := e.logger.With("jobId", job.ID, "stage", job.Stage)
	result := &Result{}

	steps, ok := e.sequences[job.Stage]
	if !ok {
		result.Failure = &Failure{
			Kind:    apperrors.KindInvalidRequest,
			Message: fmt.Sprintf("no sequence for stage %q", job.Stage),
		}
		return result
	}

	sc := newStepContext(job, e.store, logger)
	for _, step := range steps {
		if obs != nil {
			obs.StepStarted(ctx, job, step.Name)
		}
		stepLogger := logger.With("step", step.Name)
		sc.Logger = stepLogger
		start := time.Now()

		outputs, degraded, err := e.runStep(ctx, sc, step)
		if err == nil {
			err = e.persist(ctx, sc, job, outputs, degraded, result, obs)
		}

		outcome := observability.OutcomeOK
		switch {
		case err != nil:
			outcome = observability.OutcomeFailed
		case degraded:
			outcome = observability.OutcomeDegraded
		}
		if e.metrics != nil {
			e.metrics.RecordStep(ctx, string(job.Stage), step.Name, outcome, time.Since(start).Seconds())
		}

		if err != nil {
			result.Failure = e.failure(ctx, step.Name, err)
			stepLogger.Warn("Step failed", "kind", result.Failure.Kind, "error", result.Failure.Message)
			return result
		}
		stepLogger.Debug("Step finished", "degraded", degraded, "duration", time.Since(start))
	}

	required := e.store.RequiredArtifacts(job.Stage)
	var missing []string
	for _, name := range required {
		if _, ok := sc.produced[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		result.Failure = &Failure{
			Step:    "verify",
			Kind:    apperrors.KindInternal,
			Message: "sequence finished without required artifacts: " + strings.Join(missing, ", "),
		}
		logger.Error("Required artifacts missing", "missing", missing)
	}
	return result
}

// runStep runs the primary attempt and, when allowed, the fallback.
func (e *Executor) runStep(ctx context.Context, sc *StepContext, step Step) ([]Output, bool, error) {
	outputs, err := e.attempt(ctx, step.Name, func(ctx context.Context) ([]Output, error) {
		return step.Run(ctx, sc)
	})
	if err == nil {
		return outputs, false, nil
	}
	if step.Fallback == nil || !fallbackAllowed(ctx, err) {
		return nil, false, err
	}

	sc.Logger.Warn("Fallback used", "error", err)
	outputs, fbErr := e.attempt(ctx, step.Name, func(ctx context.Context) ([]Output, error) {
		return step.Fallback(ctx, sc, err)
	})
	if fbErr != nil {
		return nil, false, fmt.Errorf("%w (fallback: %v)", err, fbErr)
	}
	return outputs, true, nil
}

func fallbackAllowed(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil:
		return false
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrTimeout):
		return false
	default:
		return true
	}
}

// attempt runs fn under the step timeout. A step that ignores its context is
// abandoned when the timeout fires; its outputs are discarded because only
// the executor writes to the store.
func (e *Executor) attempt(ctx context.Context, name string, fn func(ctx context.Context) ([]Output, error)) ([]Output, error) {
	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.stepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
	}
	defer cancel()

	type reply struct {
		outputs []Output
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Step panicked", "step", name, "panic", r, "stack", string(debug.Stack()))
				done <- reply{err: apperrors.Internal(name, fmt.Errorf("panic: %v", r))}
			}
		}()
		outputs, err := fn(stepCtx)
		done <- reply{outputs: outputs, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Timeout(name, e.stepTimeout)
		}
		if r.err == nil && len(r.outputs) == 0 {
			return nil, apperrors.Internal(name, errors.New("step produced no output"))
		}
		return r.outputs, r.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Timeout(name, e.stepTimeout)
	}
}

// persist writes a step's outputs. A name that already exists fails the step,
// which is what a job dispatched twice runs into.
func (e *Executor) persist(ctx context.Context, sc *StepContext, job *Job, outputs []Output, degraded bool, result *Result, obs Observer) error {
	for _, out := range outputs {
		art, err := e.store.Put(ctx, job.ID, out.Name, bytes.NewReader(out.Data))
		if err != nil {
			return err
		}
		sc.produced[out.Name] = art
		result.Artifacts = append(result.Artifacts, *art)
		if degraded {
			result.Degraded = append(result.Degraded, out.Name)
		}
		if obs != nil {
			obs.ArtifactStored(ctx, job, art, degraded)
		}
	}
	return nil
}

// failure converts a step error into the persisted record. Provider and
// other step errors are wrapped as sub-step failures; timeouts and
// interruptions keep their own kind.
func (e *Executor) failure(ctx context.Context, step string, err error) *Failure {
	if ctx.Err() != nil {
		return &Failure{Step: step, Kind: apperrors.KindInterrupted, Message: fmt.Sprintf("%s: interrupted: %v", step, ctx.Err())}
	}
	if !errors.Is(err, apperrors.ErrTimeout) {
		err = apperrors.SubStep(step, err)
	}
	return &Failure{Step: step, Kind: apperrors.KindOf(err), Message: err.Error()}
}
