package main

import (
	"context"
	"errors"
	"log/slog"

	"studio/internal/artifact"
	"studio/internal/config"
	"studio/internal/health"
	"studio/internal/provider"
	"studio/internal/provider/aiproxy"
	"studio/internal/provider/docker"
	"studio/internal/provider/mock"
	"studio/internal/provider/remote"
)

// providerSet is the configured provider set plus whatever must be closed
// on shutdown.
type providerSet struct {
	provider.Set
	closers []func() error
}

func (p *providerSet) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// buildProviders wires each capability to the implementation its config
// section selects. Capabilities without a real provider use the mock.
func buildProviders(ctx context.Context, cfg *config.Config, store *artifact.FileStore, checker *health.Checker) (*providerSet, error) {
	fallback := mock.New()
	set := &providerSet{Set: fallback.Set()}

	text := cfg.Providers.Text
	if text.Kind == config.ProviderAIProxy {
		set.Text = aiproxy.New(aiproxy.Config{
			BaseURL:     text.BaseURL,
			APIKey:      text.APIKey,
			Model:       text.Model,
			Temperature: text.Temperature,
			MaxTokens:   text.MaxTokens,
			Timeout:     text.Timeout.Std(),
		})
	}

	media := cfg.Providers.Media
	if media.Kind == config.ProviderRemote {
		client := remote.New(remote.Config{
			BaseURL: media.BaseURL,
			APIKey:  media.APIKey,
			Timeout: media.Timeout.Std(),
		})
		set.Music = client
		set.Voice = client
		set.Avatar = client
		set.Animator = client
		set.Scenes = client
	}

	render := cfg.Providers.Render
	if render.Kind == config.ProviderDocker {
		// HostDir only differs from Dir when the service runs in a container
		hostRoot := ""
		if cfg.Storage.HostDir != cfg.Storage.Dir {
			hostRoot = cfg.Storage.HostDir
		}
		compositor, err := docker.New(ctx, docker.Config{
			Image:       render.Image,
			StorageRoot: store.Root(),
			HostRoot:    hostRoot,
			CPU:         render.CPU,
			MemoryMB:    render.MemoryMB,
		})
		if err != nil {
			return nil, err
		}
		set.Compositor = compositor
		set.closers = append(set.closers, compositor.Close)
		checker.Register("docker", compositor)
		slog.Info("Connected to Docker daemon")
	}

	slog.Info("Providers configured",
		"text", text.Kind,
		"media", media.Kind,
		"render", render.Kind,
	)
	return set, nil
}
