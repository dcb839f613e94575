// Package docker implements provider.Compositor by running ffmpeg in a
// container on the host Docker daemon. The artifact store root is bind-mounted
// into the container, so inputs are read in place and the output is written
// to a scratch directory under the root.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"studio/internal/apperrors"
	"studio/internal/provider"
)

var _ provider.Compositor = (*Compositor)(nil)

const (
	providerName = "docker"
	managedBy    = "studio-service"
	mountPoint   = "/data"
	workDir      = ".work"

	logTailLimit = 2048
)

// Compositor implements provider.Compositor using Docker.
type Compositor struct {
	client *client.Client
	cfg    Config
	runs   *runRepo
	logger *slog.Logger
}

// New creates a compositor and removes containers left over by a previous run.
func New(ctx context.Context, cfg Config) (*Compositor, error) {
	if cfg.StorageRoot == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	cfg = cfg.withDefaults()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(cfg.StorageRoot, workDir), 0o755); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	c := &Compositor{
		client: dockerClient,
		cfg:    cfg,
		runs:   newRunRepo(),
		logger: slog.With("component", "compositor"),
	}

	if err := c.reconcile(ctx); err != nil {
		c.logger.Warn("Failed to reconcile compositing containers", "error", err)
	}
	return c, nil
}

// reconcile removes compositing containers from a previous process. Their
// jobs were failed on restart, so the outputs are never collected.
func (c *Compositor) reconcile(ctx context.Context) error {
	containers, err := c.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "managed-by="+managedBy),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	for i := range containers {
		ct := &containers[i]
		c.removeContainer(ctx, ct.ID)
		c.logger.Info("Removed stale compositing container", "jobId", ct.Labels["job.id"], "kind", ct.Labels["composite.kind"])
	}
	return nil
}

// Composite runs one ffmpeg container and returns its output.
func (c *Compositor) Composite(ctx context.Context, req provider.CompositeRequest) (*provider.Media, error) {
	op := "composite." + string(req.Kind)
	invocation, err := buildCommand(req)
	if err != nil {
		return nil, apperrors.Provider(providerName, op, err)
	}

	key := req.JobID + "/" + string(req.Kind)
	if err := c.runs.reserve(key); err != nil {
		return nil, err
	}

	outName := fmt.Sprintf("%s-%s-%s%s", req.JobID, req.Kind, uuid.NewString()[:8], invocation.extension)
	rs := &runState{outputPath: filepath.Join(c.cfg.StorageRoot, workDir, outName)}

	defer func() {
		c.runs.release(key)
		// Detached so a cancelled step still cleans up
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StopTimeout+5*time.Second)
		defer cancel()
		c.removeContainer(cleanupCtx, rs.containerID)
		_ = os.Remove(rs.outputPath)
	}()

	// Pull with a detached context so a step timeout doesn't abort a shared pull
	if err := c.pullImageIfNeeded(context.WithoutCancel(ctx), c.cfg.Image); err != nil {
		return nil, apperrors.Provider(providerName, op, fmt.Errorf("pull image: %w", err))
	}

	args := append(invocation.args, path.Join(mountPoint, workDir, outName))
	rs.containerID, err = c.createContainer(ctx, req, args)
	if err != nil {
		return nil, apperrors.Provider(providerName, op, fmt.Errorf("create container: %w", err))
	}
	c.runs.commit(key, rs)

	logger := c.logger.With("jobId", req.JobID, "kind", req.Kind)
	start := time.Now()
	if err := c.client.ContainerStart(ctx, rs.containerID, container.StartOptions{}); err != nil {
		return nil, apperrors.Provider(providerName, op, fmt.Errorf("start container: %w", err))
	}

	exitCode, err := c.waitForExit(ctx, rs.containerID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Provider(providerName, op, fmt.Errorf("wait for container: %w", err))
	}
	if exitCode != 0 {
		tail := c.logTail(context.WithoutCancel(ctx), rs.containerID)
		logger.Warn("Compositing failed", "exitCode", exitCode, "stderr", tail)
		return nil, apperrors.Provider(providerName, op, fmt.Errorf("ffmpeg exited with code %d: %s", exitCode, tail))
	}

	data, err := os.ReadFile(rs.outputPath)
	if err != nil {
		return nil, apperrors.Provider(providerName, op, fmt.Errorf("read output: %w", err))
	}
	if len(data) == 0 {
		return nil, apperrors.Provider(providerName, op, fmt.Errorf("ffmpeg produced an empty file"))
	}

	logger.Debug("Compositing finished", "bytes", len(data), "duration", time.Since(start))
	return &provider.Media{MediaType: invocation.mediaType, Data: data}, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (c *Compositor) Ready(ctx context.Context) error {
	_, err := c.client.Ping(ctx)
	return err
}

// Close stops in-flight runs and releases the Docker client.
func (c *Compositor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout+5*time.Second)
	defer cancel()
	for _, id := range c.runs.containers() {
		c.removeContainer(ctx, id)
	}
	return c.client.Close()
}

func (c *Compositor) createContainer(ctx context.Context, req provider.CompositeRequest, args []string) (string, error) {
	containerConfig := &container.Config{
		Image:      c.cfg.Image,
		Cmd:        args,
		WorkingDir: mountPoint,
		Labels: map[string]string{
			"job.id":         req.JobID,
			"composite.kind": string(req.Kind),
			"managed-by":     managedBy,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: c.cfg.HostRoot,
				Target: mountPoint,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(c.cfg.CPU * 1e9),
			Memory:   c.cfg.MemoryMB * 1024 * 1024,
		},
	}

	containerName := fmt.Sprintf("studio-%s-%s-%s", req.JobID, req.Kind, uuid.NewString()[:8])
	resp, err := c.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Compositor) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := c.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// logTail returns the end of the container's stderr, where ffmpeg reports errors.
func (c *Compositor) logTail(ctx context.Context, containerID string) string {
	logs, err := c.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStderr: true,
		Tail:       "20",
	})
	if err != nil {
		return ""
	}
	defer logs.Close()

	var stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(io.Discard, &stderr, logs); err != nil {
		return ""
	}
	out := strings.TrimSpace(stderr.String())
	if len(out) > logTailLimit {
		out = out[len(out)-logTailLimit:]
	}
	return out
}

func (c *Compositor) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := c.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := c.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (c *Compositor) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	timeout := int(c.cfg.StopTimeout.Seconds())
	_ = c.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	_ = c.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
