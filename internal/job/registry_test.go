package job_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"studio/internal/apperrors"
	"studio/internal/job"
	"studio/internal/job/registrytest"
	"studio/internal/stage"
)

func TestMemoryRegistry(t *testing.T) {
	t.Parallel()
	registrytest.Run(t, func(*testing.T) job.Registry { return job.NewMemoryRegistry() })
}

func TestMemoryRegistry_RejectsNonTerminalFinish(t *testing.T) {
	t.Parallel()
	r := job.NewMemoryRegistry()
	ctx := context.Background()
	if err := r.Create(ctx, &job.Record{ID: "m1", Stage: stage.Music, State: job.StatePending}); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkFinished(ctx, "m1", job.StateRunning, time.Now(), nil); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
