package stageexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"studio/internal/apperrors"
	"studio/internal/artifact"
	"studio/internal/provider"
	"studio/internal/stage"
)

// Job is the part of a scheduled job the executor needs.
type Job struct {
	ID         string
	Stage      stage.Type
	Request    stage.Request
	References stage.References
}

// Output is one artifact produced by a step, not yet stored.
type Output struct {
	Name string
	Data []byte
}

// RunFunc performs a step's primary attempt.
type RunFunc func(ctx context.Context, sc *StepContext) ([]Output, error)

// FallbackFunc produces a degraded substitute after the primary attempt
// failed with cause.
type FallbackFunc func(ctx context.Context, sc *StepContext, cause error) ([]Output, error)

// Step is one sub-step of a stage sequence.
type Step struct {
	Name string
	Run  RunFunc
	// Fallback is optional. It is not consulted when Run failed because an
	// upstream input is missing, the step timed out or the job was cancelled.
	Fallback FallbackFunc
}

// StepContext is the accumulated context handed to each step: the job's
// request and references plus read access to everything stored so far.
type StepContext struct {
	Job    *Job
	Logger *slog.Logger

	store    artifact.Store
	produced map[string]*artifact.Artifact
}

func newStepContext(job *Job, store artifact.Store, logger *slog.Logger) *StepContext {
	return &StepContext{
		Job:      job,
		Logger:   logger,
		store:    store,
		produced: make(map[string]*artifact.Artifact),
	}
}

// Read loads an artifact produced by an earlier step of this job.
func (c *StepContext) Read(ctx context.Context, name string) ([]byte, error) {
	data, _, err := artifact.ReadAll(ctx, c.store, c.Job.ID, name)
	return data, err
}

// ReferenceID returns the referenced job of stage t.
func (c *StepContext) ReferenceID(t stage.Type) (string, error) {
	id := c.Job.References[t]
	if id == "" {
		return "", apperrors.NotFound("reference", string(t))
	}
	if artifact.ValidateJobID(id) != nil {
		// No job can carry this id.
		return "", &apperrors.Error{
			Sentinel: apperrors.ErrNotFound,
			Message:  fmt.Sprintf("referenced %s job %q does not exist", t, id),
			Resource: "job",
		}
	}
	return id, nil
}

// ReadUpstream loads an artifact of the referenced job of stage t. A missing
// reference or artifact is reported as apperrors.ErrNotFound naming both.
func (c *StepContext) ReadUpstream(ctx context.Context, t stage.Type, name string) ([]byte, error) {
	id, err := c.ReferenceID(t)
	if err != nil {
		return nil, err
	}
	data, _, err := artifact.ReadAll(ctx, c.store, id, name)
	if err != nil {
		return nil, missingUpstream(t, id, name, err)
	}
	return data, nil
}

// Stat returns the metadata of a stored artifact. An empty t refers to this
// job, otherwise to the referenced job of stage t.
func (c *StepContext) Stat(ctx context.Context, t stage.Type, name string) (*artifact.Artifact, error) {
	jobID := c.Job.ID
	if t != "" {
		id, err := c.ReferenceID(t)
		if err != nil {
			return nil, err
		}
		jobID = id
	}

	rc, art, err := c.store.Get(ctx, jobID, name)
	if err != nil {
		if t != "" {
			return nil, missingUpstream(t, jobID, name, err)
		}
		return nil, err
	}
	rc.Close()
	return art, nil
}

// Input describes a stored artifact for a compositor.
func (c *StepContext) Input(ctx context.Context, t stage.Type, name string) (provider.Input, error) {
	art, err := c.Stat(ctx, t, name)
	if err != nil {
		return provider.Input{}, err
	}
	return provider.Input{Name: art.Name, Location: art.Location, MediaType: art.MediaType}, nil
}

// Produced returns the artifacts stored by this job's steps so far.
func (c *StepContext) Produced(name string) (*artifact.Artifact, bool) {
	a, ok := c.produced[name]
	return a, ok
}

// missingUpstream reports an unreadable upstream artifact as not found. Key
// rejections count too, so a bad reference never reaches a fallback.
func missingUpstream(t stage.Type, jobID, name string, err error) error {
	if !errors.Is(err, apperrors.ErrNotFound) && !errors.Is(err, apperrors.ErrValidation) {
		return err
	}
	return &apperrors.Error{
		Sentinel: apperrors.ErrNotFound,
		Message:  fmt.Sprintf("referenced %s job %s has no %s artifact", t, jobID, name),
		Resource: "artifact",
		Cause:    err,
	}
}
