package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"studio/internal/apperrors"
	"studio/internal/stage"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return s
}

func TestFileStore_PutGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	art, err := s.Put(ctx, "job-1", stage.ArtifactLyrics, strings.NewReader("la la la"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if art.Location != "job-1/lyrics" {
		t.Errorf("expected location job-1/lyrics, got %q", art.Location)
	}
	if art.MediaType != stage.MediaText {
		t.Errorf("expected media type %q, got %q", stage.MediaText, art.MediaType)
	}
	if art.Size != 8 {
		t.Errorf("expected size 8, got %d", art.Size)
	}

	data, got, err := ReadAll(ctx, s, "job-1", stage.ArtifactLyrics)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "la la la" {
		t.Errorf("unexpected content %q", data)
	}
	if got.Name != stage.ArtifactLyrics {
		t.Errorf("unexpected artifact %+v", got)
	}
}

func TestFileStore_WriteOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "job-1", "final-audio", strings.NewReader("first")); err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	_, err := s.Put(ctx, "job-1", "final-audio", strings.NewReader("second"))
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if apperrors.KindOf(err) != apperrors.KindAlreadyExists {
		t.Errorf("expected kind already_exists, got %q", apperrors.KindOf(err))
	}

	data, _, err := ReadAll(ctx, s, "job-1", "final-audio")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "first" {
		t.Errorf("first write must be preserved, got %q", data)
	}
}

func TestFileStore_ConcurrentWritersOneWins(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, "job-race", "final-film", bytes.NewReader(bytes.Repeat([]byte{byte(i)}, 4096)))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, apperrors.ErrConflict):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly one successful write, got %d", succeeded)
	}

	entries, err := os.ReadDir(filepath.Join(s.Root(), "job-race"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected temp files to be cleaned up, found %d entries", len(entries))
	}
}

func TestFileStore_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Get(ctx, "missing", "final-audio")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ok, err := s.Exists(ctx, "missing", "final-audio")
	if err != nil || ok {
		t.Errorf("Exists() = %v, %v; want false, nil", ok, err)
	}

	list, err := s.List(ctx, "missing")
	if err != nil || len(list) != 0 {
		t.Errorf("List() = %v, %v; want empty", list, err)
	}
}

func TestFileStore_RejectsInvalidKeys(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Put(context.Background(), "../escape", "lyrics", strings.NewReader("x"))
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFileStore_ListSkipsTempFiles(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"interpretation", "lyrics"} {
		if _, err := s.Put(ctx, "job-1", name, strings.NewReader(name)); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.Root(), "job-1", ".tmp-vocal-audio-123"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx, "job-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 artifacts, got %d: %+v", len(list), list)
	}

	ok, err := s.Exists(ctx, "job-1", "vocal-audio")
	if err != nil || ok {
		t.Error("partial writes must not be visible")
	}
}

func TestFileStore_RequiredArtifacts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	required := s.RequiredArtifacts(stage.Film)
	ok, err := AllExist(ctx, s, "film-1", required)
	if err != nil || ok {
		t.Fatalf("AllExist() = %v, %v before writes", ok, err)
	}
	for _, name := range required {
		if _, err := s.Put(ctx, "film-1", name, strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}
	ok, err = AllExist(ctx, s, "film-1", required)
	if err != nil || !ok {
		t.Errorf("AllExist() = %v, %v after writes", ok, err)
	}
}

func TestFileStore_LockAndReady(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	first, err := NewFileStore(root)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewFileStore(root)
	if err != nil {
		t.Fatal(err)
	}

	if err := first.Lock(); err != nil {
		t.Fatalf("first Lock() error = %v", err)
	}
	defer first.Unlock()
	if err := second.Lock(); err == nil {
		t.Error("expected second lock on the same root to fail")
	}
	if err := first.Ready(context.Background()); err != nil {
		t.Errorf("Ready() error = %v", err)
	}
}

func TestWriteBundle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "music-1", "final-audio", strings.NewReader("audio")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, "film-1", "final-film", strings.NewReader("film")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	err := WriteBundle(ctx, &buf, s, []BundleEntry{
		{JobID: "music-1", Name: "final-audio", Path: "music/final-audio.mp3"},
		{JobID: "film-1", Name: "final-film"},
	})
	if err != nil {
		t.Fatalf("WriteBundle() error = %v", err)
	}

	gz, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	got := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(tr)
		got[hdr.Name] = string(data)
	}

	if got["music/final-audio.mp3"] != "audio" || got["film-1/final-film"] != "film" {
		t.Errorf("unexpected bundle contents: %v", got)
	}
}

func TestWriteBundle_MissingArtifact(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := WriteBundle(context.Background(), io.Discard, s, []BundleEntry{{JobID: "nope", Name: "final-audio"}})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
