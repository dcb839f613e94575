package artifact

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"
)

// BundleEntry selects one stored artifact for a bundle.
type BundleEntry struct {
	JobID string
	Name  string
	// Path inside the archive. Defaults to "<jobID>/<name>".
	Path string
}

// WriteBundle streams the selected artifacts into w as a tar.gz archive.
func WriteBundle(ctx context.Context, w io.Writer, s Store, entries []BundleEntry) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := bundleEntry(ctx, tarWriter, s, entry); err != nil {
			return err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return nil
}

func bundleEntry(ctx context.Context, tw *tar.Writer, s Store, entry BundleEntry) error {
	rc, art, err := s.Get(ctx, entry.JobID, entry.Name)
	if err != nil {
		return err
	}
	defer rc.Close()

	path := entry.Path
	if path == "" {
		path = entry.JobID + "/" + entry.Name
	}
	modTime := art.CreatedAt
	if modTime.IsZero() {
		modTime = time.Now()
	}

	header := &tar.Header{
		Name:     path,
		Mode:     0o644,
		Size:     art.Size,
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := io.Copy(tw, rc); err != nil {
		return fmt.Errorf("failed to write %s to tar: %w", path, err)
	}
	return nil
}
