package artifact

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"studio/internal/apperrors"
	"studio/internal/stage"
)

const lockFileName = ".studio.lock"

// FileStore keeps artifacts on the local filesystem at <root>/<jobID>/<name>.
// Writes go to a temporary file first and are published with a hard link,
// so a reader never observes a partially written artifact and a second
// writer for the same key loses.
type FileStore struct {
	root string
	lock *flock.Flock
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileStore{
		root: abs,
		lock: flock.New(filepath.Join(abs, lockFileName)),
	}, nil
}

// Root returns the absolute storage root.
func (s *FileStore) Root() string { return s.root }

// Path returns the absolute file path of a stored artifact location.
func (s *FileStore) Path(location string) string {
	return filepath.Join(s.root, filepath.FromSlash(location))
}

// Lock takes an exclusive, non-blocking lock on the storage root.
// Two services sharing one root would race on job directories.
func (s *FileStore) Lock() error {
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire storage lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("storage root %s is locked by another studio-service instance", s.root)
	}
	return nil
}

// Unlock releases the storage lock.
func (s *FileStore) Unlock() error {
	return s.lock.Unlock()
}

// Ready checks that the root is still a readable and writable directory.
func (s *FileStore) Ready(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("stat storage root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %s is not a directory", s.root)
	}
	if err := unix.Access(s.root, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("storage root %s: insufficient permissions: %w", s.root, err)
	}
	return nil
}

func (s *FileStore) RequiredArtifacts(t stage.Type) []string {
	return stage.RequiredArtifacts(t)
}

func (s *FileStore) Put(ctx context.Context, jobID, name string, content io.Reader) (*Artifact, error) {
	if err := ValidateKey(jobID, name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, jobID)
	final := filepath.Join(dir, name)
	if _, err := os.Lstat(final); err == nil {
		return nil, apperrors.AlreadyExists("artifact", jobID+"/"+name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Internal("artifact.put", fmt.Errorf("create job directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return nil, apperrors.Internal("artifact.put", fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, content)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, apperrors.Internal("artifact.put", fmt.Errorf("write %s: %w", name, err))
	}

	if err := os.Link(tmpPath, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, apperrors.AlreadyExists("artifact", jobID+"/"+name)
		}
		return nil, apperrors.Internal("artifact.put", fmt.Errorf("publish %s: %w", name, err))
	}

	info, err := os.Stat(final)
	if err != nil {
		return nil, apperrors.Internal("artifact.put", err)
	}

	slog.Debug("Artifact stored", "jobId", jobID, "artifact", name, "bytes", written)
	return s.describe(jobID, name, info), nil
}

func (s *FileStore) Get(ctx context.Context, jobID, name string) (io.ReadCloser, *Artifact, error) {
	if err := ValidateKey(jobID, name); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.root, jobID, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, apperrors.NotFound("artifact", jobID+"/"+name)
		}
		return nil, nil, apperrors.Internal("artifact.get", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, apperrors.Internal("artifact.get", err)
	}
	return f, s.describe(jobID, name, info), nil
}

func (s *FileStore) Exists(ctx context.Context, jobID, name string) (bool, error) {
	if err := ValidateKey(jobID, name); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.root, jobID, name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, apperrors.Internal("artifact.exists", err)
	}
}

// List returns the artifacts of a job ordered by creation time.
// An unknown job has no artifacts.
func (s *FileStore) List(ctx context.Context, jobID string) ([]Artifact, error) {
	if err := ValidateKey(jobID, "x"); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Artifact{}, nil
		}
		return nil, apperrors.Internal("artifact.list", err)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, *s.describe(jobID, entry.Name(), info))
	}

	slices.SortFunc(artifacts, func(a, b Artifact) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return artifacts, nil
}

func (s *FileStore) describe(jobID, name string, info os.FileInfo) *Artifact {
	return &Artifact{
		JobID:     jobID,
		Name:      name,
		Location:  jobID + "/" + name,
		MediaType: stage.MediaType(name),
		Size:      info.Size(),
		CreatedAt: info.ModTime().UTC(),
	}
}
