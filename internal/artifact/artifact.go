// Package artifact stores the named, write-once outputs of pipeline jobs.
package artifact

import (
	"context"
	"io"
	"time"

	"studio/internal/stage"
)

// Artifact describes one stored output of a job.
type Artifact struct {
	JobID     string    `json:"jobId"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	MediaType string    `json:"mediaType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists artifacts addressed by (job id, name).
type Store interface {
	// Put writes content under (jobID, name). A second write to the same key
	// fails with apperrors.ErrConflict and leaves the first content intact.
	Put(ctx context.Context, jobID, name string, content io.Reader) (*Artifact, error)
	// Get opens an artifact for reading. The caller closes the reader.
	Get(ctx context.Context, jobID, name string) (io.ReadCloser, *Artifact, error)
	Exists(ctx context.Context, jobID, name string) (bool, error)
	List(ctx context.Context, jobID string) ([]Artifact, error)
	// RequiredArtifacts returns the names whose presence completes a job of t.
	RequiredArtifacts(t stage.Type) []string
}

// ReadAll loads a whole artifact into memory.
func ReadAll(ctx context.Context, s Store, jobID, name string) ([]byte, *Artifact, error) {
	rc, art, err := s.Get(ctx, jobID, name)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, err
	}
	return data, art, nil
}

// AllExist reports whether every named artifact exists for jobID.
func AllExist(ctx context.Context, s Store, jobID string, names []string) (bool, error) {
	for _, name := range names {
		ok, err := s.Exists(ctx, jobID, name)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
