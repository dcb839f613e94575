// Package registrytest checks job.Registry implementations against a
// shared set of behaviors.
package registrytest

import (
	"context"
	"errors"
	"testing"
	"time"

	"studio/internal/apperrors"
	"studio/internal/job"
	"studio/internal/stage"
	"studio/internal/stageexec"
)

// Run exercises the behavior every job.Registry implementation shares.
// newRegistry must return an empty registry.
func Run(t *testing.T, newRegistry func(t *testing.T) job.Registry) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create and get", func(t *testing.T) {
		r := newRegistry(t)
		rec := &job.Record{
			ID:         "a1",
			Stage:      stage.Avatar,
			Request:    stage.Request{Style: stage.StyleAnime, VisualDescription: "red scarf"},
			References: stage.References{stage.Music: "m1"},
			Callback:   &job.Callback{URL: "https://example.com/hook", Events: []string{job.EventTypeCompleted}},
			State:      job.StatePending,
			CreatedAt:  now,
		}
		if err := r.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := r.Get(ctx, "a1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Stage != stage.Avatar || got.Request.Style != stage.StyleAnime || got.References[stage.Music] != "m1" {
			t.Errorf("unexpected record %+v", got)
		}
		if got.Callback == nil || got.Callback.URL != "https://example.com/hook" {
			t.Errorf("callback not persisted: %+v", got.Callback)
		}
		if !got.CreatedAt.Equal(now) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
		}
		if err := r.Create(ctx, rec); !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("expected conflict on duplicate create, got %v", err)
		}
		if _, err := r.Get(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("transitions move forward only", func(t *testing.T) {
		r := newRegistry(t)
		if err := r.Create(ctx, &job.Record{ID: "m1", Stage: stage.Music, State: job.StatePending, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
		if err := r.MarkRunning(ctx, "m1", now); err != nil {
			t.Fatalf("MarkRunning: %v", err)
		}
		if err := r.MarkRunning(ctx, "m1", now); !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("expected conflict on second MarkRunning, got %v", err)
		}
		failure := &stageexec.Failure{Step: "mix", Kind: apperrors.KindProviderError, Message: "mix: boom"}
		if err := r.MarkFinished(ctx, "m1", job.StateFailed, now.Add(time.Second), failure); err != nil {
			t.Fatalf("MarkFinished: %v", err)
		}
		if err := r.MarkFinished(ctx, "m1", job.StateCompleted, now, nil); !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("expected conflict after terminal state, got %v", err)
		}
		if err := r.MarkRunning(ctx, "missing", now); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}

		got, err := r.Get(ctx, "m1")
		if err != nil {
			t.Fatal(err)
		}
		if got.State != job.StateFailed || got.StartedAt == nil || got.FinishedAt == nil {
			t.Errorf("unexpected record %+v", got)
		}
		if got.Failure == nil || *got.Failure != *failure {
			t.Errorf("failure = %+v, want %+v", got.Failure, failure)
		}
	})

	t.Run("degraded names are deduplicated", func(t *testing.T) {
		r := newRegistry(t)
		if err := r.Create(ctx, &job.Record{ID: "m1", Stage: stage.Music, State: job.StatePending, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{stage.ArtifactLyrics, stage.ArtifactInterpretation, stage.ArtifactLyrics} {
			if err := r.AddDegraded(ctx, "m1", name); err != nil {
				t.Fatalf("AddDegraded: %v", err)
			}
		}
		got, _ := r.Get(ctx, "m1")
		if len(got.Degraded) != 2 || got.Degraded[0] != stage.ArtifactLyrics {
			t.Errorf("Degraded = %v", got.Degraded)
		}
	})

	t.Run("list keeps creation order", func(t *testing.T) {
		r := newRegistry(t)
		for i, id := range []string{"c", "a", "b"} {
			rec := &job.Record{ID: id, Stage: stage.Music, State: job.StatePending, CreatedAt: now.Add(time.Duration(i) * time.Second)}
			if id == "a" {
				rec.Stage = stage.Film
			}
			if err := r.Create(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}
		if err := r.MarkRunning(ctx, "b", now); err != nil {
			t.Fatal(err)
		}

		all, err := r.List(ctx, job.Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if ids := recordIDs(all); ids != "c,a,b" {
			t.Errorf("List() order = %s", ids)
		}
		music, _ := r.List(ctx, job.Filter{Stage: stage.Music})
		if ids := recordIDs(music); ids != "c,b" {
			t.Errorf("music jobs = %s", ids)
		}
		pending, _ := r.List(ctx, job.Filter{State: job.StatePending})
		if ids := recordIDs(pending); ids != "c,a" {
			t.Errorf("pending jobs = %s", ids)
		}
	})

	t.Run("returned records are copies", func(t *testing.T) {
		r := newRegistry(t)
		if err := r.Create(ctx, &job.Record{ID: "f1", Stage: stage.Film, References: stage.References{stage.Music: "m1"}, State: job.StatePending, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
		got, _ := r.Get(ctx, "f1")
		got.References[stage.Music] = "changed"
		again, _ := r.Get(ctx, "f1")
		if again.References[stage.Music] != "m1" {
			t.Error("modifying a returned record changed the registry")
		}
	})
}

func recordIDs(records []job.Record) string {
	out := ""
	for i, r := range records {
		if i > 0 {
			out += ","
		}
		out += r.ID
	}
	return out
}
