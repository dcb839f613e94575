// Package pipeline chains stage jobs: a completed job can be advanced into
// a job of the next stage that references it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"studio/internal/apperrors"
	"studio/internal/job"
	"studio/internal/stage"
)

// Jobs is the part of the job scheduler the coordinator uses.
type Jobs interface {
	Job(ctx context.Context, jobID string) (*job.Record, error)
	GetStatus(ctx context.Context, jobID string) (*job.Status, error)
	Submit(ctx context.Context, st stage.Type, req *job.SubmitRequest) (*job.Record, error)
}

// Coordinator submits follow-up stage jobs. It runs nothing itself.
type Coordinator struct {
	jobs        Jobs
	autoAdvance []stage.Type
	logger      *slog.Logger
}

// New creates a coordinator. Jobs of the stages in autoAdvance are advanced
// automatically once they complete; see HandleCompleted.
func New(jobs Jobs, autoAdvance []stage.Type) *Coordinator {
	return &Coordinator{
		jobs:        jobs,
		autoAdvance: slices.Clone(autoAdvance),
		logger:      slog.With("component", "pipeline"),
	}
}

// AdvancePipeline submits the next stage for a completed job. The new job
// references the completed job and every job it referenced, and inherits
// its request and callback. Non-empty fields of overrides replace the
// inherited request fields.
func (c *Coordinator) AdvancePipeline(ctx context.Context, jobID string, overrides *stage.Request) (*job.Record, error) {
	rec, err := c.jobs.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	next, ok := rec.Stage.Next()
	if !ok {
		return nil, apperrors.Validation("stage", fmt.Sprintf("%s stage has no successor", rec.Stage))
	}

	status, err := c.jobs.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if status.State != job.StateCompleted {
		return nil, apperrors.Conflict("job", jobID, fmt.Sprintf("job %s is %s; only completed jobs can advance", jobID, status.State))
	}

	refs := rec.References.Clone()
	refs[rec.Stage] = rec.ID
	req := &job.SubmitRequest{
		Request:    rec.Request.Merge(overrides),
		References: refs,
		Callback:   rec.Callback,
	}

	advanced, err := c.jobs.Submit(ctx, next, req)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Pipeline advanced", "jobId", rec.ID, "stage", rec.Stage, "nextJobId", advanced.ID, "nextStage", next)
	return advanced, nil
}

// HandleCompleted advances a finished job when its stage is configured for
// auto-advance. Register it with the scheduler's OnCompleted.
func (c *Coordinator) HandleCompleted(ctx context.Context, rec *job.Record) {
	if rec.State != job.StateCompleted || !slices.Contains(c.autoAdvance, rec.Stage) {
		return
	}
	if _, err := c.AdvancePipeline(ctx, rec.ID, nil); err != nil {
		c.logger.Warn("Auto-advance failed", "jobId", rec.ID, "stage", rec.Stage, "error", err)
	}
}
