package docker

import "time"

// Config holds configuration for the container compositor.
type Config struct {
	Image       string        // ffmpeg image (default: jrottenberg/ffmpeg:7.1-alpine)
	StorageRoot string        // artifact store root as seen by this process (required)
	HostRoot    string        // same directory as seen by the Docker host, when the service itself runs in a container
	CPU         float64       // CPU limit per run (default: 2)
	MemoryMB    int64         // memory limit per run (default: 2048)
	StopTimeout time.Duration // grace period when stopping a run (default: 10s)
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "jrottenberg/ffmpeg:7.1-alpine"
	}
	if c.HostRoot == "" {
		c.HostRoot = c.StorageRoot
	}
	if c.CPU <= 0 {
		c.CPU = 2
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 2048
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}
