//go:build integration

package docker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"studio/internal/apperrors"
	"studio/internal/provider"
)

func newTestCompositor(t *testing.T) (*Compositor, string) {
	t.Helper()
	root := t.TempDir()
	c, err := New(context.Background(), Config{StorageRoot: root})
	if err != nil {
		t.Fatalf("Failed to create compositor: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ready(ctx); err != nil {
		t.Skipf("Docker daemon not available: %v", err)
	}
	return c, root
}

func TestCompositor_RenderAvatarFailsOnGarbageAudio(t *testing.T) {
	c, root := newTestCompositor(t)

	if err := os.MkdirAll(filepath.Join(root, "job-1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "job-1", "final-audio"), []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	_, err := c.Composite(ctx, provider.CompositeRequest{
		JobID:  "job-1",
		Kind:   provider.RenderAvatar,
		Inputs: []provider.Input{{Name: "final-audio", Location: "job-1/final-audio", MediaType: "audio/mpeg"}},
	})
	if !errors.Is(err, apperrors.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}

	if n := c.runs.len(); n != 0 {
		t.Errorf("expected no tracked runs after failure, got %d", n)
	}
}

func TestCompositor_RejectsConcurrentDuplicate(t *testing.T) {
	c, _ := newTestCompositor(t)

	key := "job-2/" + string(provider.MixAudio)
	if err := c.runs.reserve(key); err != nil {
		t.Fatal(err)
	}
	defer c.runs.release(key)

	_, err := c.Composite(context.Background(), provider.CompositeRequest{
		JobID: "job-2",
		Kind:  provider.MixAudio,
		Inputs: []provider.Input{
			{Name: "a", Location: "job-2/a", MediaType: "audio/mpeg"},
			{Name: "b", Location: "job-2/b", MediaType: "audio/mpeg"},
		},
	})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
