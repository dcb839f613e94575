// Package config loads service configuration from an optional YAML or TOML
// file and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"studio/internal/stage"
)

// Provider kinds.
const (
	ProviderMock    = "mock"
	ProviderAIProxy = "aiproxy"
	ProviderRemote  = "remote"
	ProviderDocker  = "docker"
)

// Duration is a time.Duration written as a Go duration string ("90s", "10m")
// in config files.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline" toml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers" toml:"providers"`
}

type ServerConfig struct {
	Port              string   `yaml:"port" toml:"port"`
	MetricsPort       string   `yaml:"metricsPort" toml:"metricsPort"`
	APIKey            string   `yaml:"apiKey" toml:"apiKey"`
	ShutdownDrainWait Duration `yaml:"shutdownDrainWait" toml:"shutdownDrainWait"` // load balancer drain (0 to skip)
	ShutdownTimeout   Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout"`
	LogLevel          string   `yaml:"logLevel" toml:"logLevel"` // debug|info|warn|error
}

type StorageConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
	// HostDir is Dir as seen by the Docker daemon, when the service itself
	// runs in a container. Defaults to Dir.
	HostDir string `yaml:"hostDir" toml:"hostDir"`
	// DatabasePath enables the SQLite job registry. Empty keeps job records
	// in memory.
	DatabasePath string `yaml:"databasePath" toml:"databasePath"`
}

type SchedulerConfig struct {
	MaxConcurrentJobs int      `yaml:"maxConcurrentJobs" toml:"maxConcurrentJobs"` // 0 = unbounded
	StepTimeout       Duration `yaml:"stepTimeout" toml:"stepTimeout"`             // 0 disables
}

type PipelineConfig struct {
	// AutoAdvance lists stages whose completed jobs start the next stage.
	AutoAdvance []string `yaml:"autoAdvance" toml:"autoAdvance"`
	// PublicBaseURL prefixes the public URLs of publications.
	PublicBaseURL string `yaml:"publicBaseUrl" toml:"publicBaseUrl"`
	// ArtifactBaseURL is this service's externally reachable address, used
	// in artifact links. Empty yields relative links.
	ArtifactBaseURL string `yaml:"artifactBaseUrl" toml:"artifactBaseUrl"`
}

type ProvidersConfig struct {
	Text   TextProviderConfig   `yaml:"text" toml:"text"`
	Media  MediaProviderConfig  `yaml:"media" toml:"media"`
	Render RenderProviderConfig `yaml:"render" toml:"render"`
}

// TextProviderConfig selects the text generator: mock or aiproxy.
type TextProviderConfig struct {
	Kind        string   `yaml:"kind" toml:"kind"`
	BaseURL     string   `yaml:"baseUrl" toml:"baseUrl"`
	APIKey      string   `yaml:"apiKey" toml:"apiKey"`
	Model       string   `yaml:"model" toml:"model"`
	Temperature float32  `yaml:"temperature" toml:"temperature"`
	MaxTokens   int      `yaml:"maxTokens" toml:"maxTokens"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
}

// MediaProviderConfig selects the music, voice, avatar, animation and scene
// generators: mock or remote.
type MediaProviderConfig struct {
	Kind    string   `yaml:"kind" toml:"kind"`
	BaseURL string   `yaml:"baseUrl" toml:"baseUrl"`
	APIKey  string   `yaml:"apiKey" toml:"apiKey"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// RenderProviderConfig selects the compositor: mock or docker.
type RenderProviderConfig struct {
	Kind     string  `yaml:"kind" toml:"kind"`
	Image    string  `yaml:"image" toml:"image"`
	CPU      float64 `yaml:"cpu" toml:"cpu"`
	MemoryMB int64   `yaml:"memoryMb" toml:"memoryMb"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8080",
			MetricsPort:       "9090",
			ShutdownDrainWait: Duration(5 * time.Second),
			ShutdownTimeout:   Duration(30 * time.Second),
			LogLevel:          "info",
		},
		Storage: StorageConfig{Dir: "./data"},
		Scheduler: SchedulerConfig{
			StepTimeout: Duration(10 * time.Minute),
		},
		Pipeline: PipelineConfig{
			PublicBaseURL: "http://localhost:8080/p",
		},
		Providers: ProvidersConfig{
			Text:   TextProviderConfig{Kind: ProviderMock, Timeout: Duration(2 * time.Minute)},
			Media:  MediaProviderConfig{Kind: ProviderMock, Timeout: Duration(10 * time.Minute)},
			Render: RenderProviderConfig{Kind: ProviderMock},
		},
	}
}

// Load builds the configuration: defaults, then the file at path (if any),
// then environment overrides. ${VAR} references in the file are expanded.
// The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, []byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(NewEnv()); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q (use .yaml, .yml or .toml)", ext)
	}
}

func (c *Config) applyEnv(env *Env) error {
	c.Server.Port = env.String("PORT", c.Server.Port)
	c.Server.MetricsPort = env.String("METRICS_PORT", c.Server.MetricsPort)
	c.Server.APIKey = env.SecretFile("API_KEY_FILE", c.Server.APIKey)
	c.Server.ShutdownDrainWait = Duration(env.Duration("SHUTDOWN_DRAIN_WAIT", c.Server.ShutdownDrainWait.Std()))
	c.Server.LogLevel = env.String("LOG_LEVEL", c.Server.LogLevel)

	c.Storage.Dir = env.String("STORAGE_DIR", c.Storage.Dir)
	c.Storage.HostDir = env.String("STORAGE_HOST_DIR", c.Storage.HostDir)
	c.Storage.DatabasePath = env.String("DATABASE_PATH", c.Storage.DatabasePath)

	c.Scheduler.MaxConcurrentJobs = env.Int("MAX_CONCURRENT_JOBS", c.Scheduler.MaxConcurrentJobs)
	c.Scheduler.StepTimeout = Duration(env.Duration("STEP_TIMEOUT", c.Scheduler.StepTimeout.Std()))

	c.Pipeline.AutoAdvance = env.List("AUTO_ADVANCE", c.Pipeline.AutoAdvance)
	c.Pipeline.PublicBaseURL = env.String("PUBLIC_BASE_URL", c.Pipeline.PublicBaseURL)
	c.Pipeline.ArtifactBaseURL = env.String("ARTIFACT_BASE_URL", c.Pipeline.ArtifactBaseURL)

	c.Providers.Text.Kind = env.String("TEXT_PROVIDER", c.Providers.Text.Kind)
	c.Providers.Text.APIKey = env.SecretFile("AIPROXY_API_KEY_FILE", c.Providers.Text.APIKey)
	c.Providers.Media.Kind = env.String("MEDIA_PROVIDER", c.Providers.Media.Kind)
	c.Providers.Render.Kind = env.String("RENDER_PROVIDER", c.Providers.Render.Kind)

	return env.Err()
}

func (c *Config) normalize() {
	c.Server.LogLevel = strings.ToLower(strings.TrimSpace(c.Server.LogLevel))
	c.Providers.Text.Kind = strings.ToLower(strings.TrimSpace(c.Providers.Text.Kind))
	c.Providers.Media.Kind = strings.ToLower(strings.TrimSpace(c.Providers.Media.Kind))
	c.Providers.Render.Kind = strings.ToLower(strings.TrimSpace(c.Providers.Render.Kind))
	if c.Storage.HostDir == "" {
		c.Storage.HostDir = c.Storage.Dir
	}
	c.Pipeline.PublicBaseURL = strings.TrimRight(c.Pipeline.PublicBaseURL, "/")
	c.Pipeline.ArtifactBaseURL = strings.TrimRight(c.Pipeline.ArtifactBaseURL, "/")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port == "" {
		add("server.port is required")
	}
	if c.Server.MetricsPort == "" {
		add("server.metricsPort is required")
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("server.logLevel must be debug, info, warn or error, got %q", c.Server.LogLevel)
	}
	if c.Storage.Dir == "" {
		add("storage.dir is required")
	}
	if c.Scheduler.MaxConcurrentJobs < 0 {
		add("scheduler.maxConcurrentJobs must not be negative")
	}
	if c.Scheduler.StepTimeout < 0 {
		add("scheduler.stepTimeout must not be negative")
	}
	for _, name := range c.Pipeline.AutoAdvance {
		if _, err := stage.Parse(name); err != nil {
			add("pipeline.autoAdvance: %v", err)
		}
	}
	if err := checkURL(c.Pipeline.PublicBaseURL); err != nil {
		add("pipeline.publicBaseUrl: %v", err)
	}
	if c.Pipeline.ArtifactBaseURL != "" {
		if err := checkURL(c.Pipeline.ArtifactBaseURL); err != nil {
			add("pipeline.artifactBaseUrl: %v", err)
		}
	}

	switch c.Providers.Text.Kind {
	case ProviderMock:
	case ProviderAIProxy:
		if err := checkURL(c.Providers.Text.BaseURL); err != nil {
			add("providers.text.baseUrl: %v", err)
		}
		if c.Providers.Text.Model == "" {
			add("providers.text.model is required for aiproxy")
		}
	default:
		add("providers.text.kind must be mock or aiproxy, got %q", c.Providers.Text.Kind)
	}
	switch c.Providers.Media.Kind {
	case ProviderMock:
	case ProviderRemote:
		if err := checkURL(c.Providers.Media.BaseURL); err != nil {
			add("providers.media.baseUrl: %v", err)
		}
	default:
		add("providers.media.kind must be mock or remote, got %q", c.Providers.Media.Kind)
	}
	switch c.Providers.Render.Kind {
	case ProviderMock, ProviderDocker:
	default:
		add("providers.render.kind must be mock or docker, got %q", c.Providers.Render.Kind)
	}

	return errors.Join(errs...)
}

// AutoAdvanceStages returns the parsed auto-advance stages. Call after Validate.
func (c *Config) AutoAdvanceStages() []stage.Type {
	out := make([]stage.Type, 0, len(c.Pipeline.AutoAdvance))
	for _, name := range c.Pipeline.AutoAdvance {
		if t, err := stage.Parse(name); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
