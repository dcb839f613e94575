package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"studio/internal/stage"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Server.MetricsPort != "9090" {
		t.Errorf("unexpected ports: %+v", cfg.Server)
	}
	if cfg.Scheduler.StepTimeout.Std() != 10*time.Minute {
		t.Errorf("StepTimeout = %v", cfg.Scheduler.StepTimeout.Std())
	}
	if cfg.Storage.HostDir != cfg.Storage.Dir {
		t.Errorf("HostDir should default to Dir, got %q", cfg.Storage.HostDir)
	}
	if cfg.Providers.Text.Kind != ProviderMock || cfg.Providers.Render.Kind != ProviderMock {
		t.Errorf("providers should default to mock: %+v", cfg.Providers)
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("STUDIO_TEST_AIPROXY_KEY", "from-env")
	path := writeConfig(t, "studio.yaml", `
server:
  port: "7000"
  logLevel: DEBUG
storage:
  dir: /var/lib/studio
  databasePath: /var/lib/studio/jobs.db
scheduler:
  maxConcurrentJobs: 3
  stepTimeout: 90s
pipeline:
  autoAdvance: [music, avatar]
  publicBaseUrl: https://studio.example.com/p/
providers:
  text:
    kind: aiproxy
    baseUrl: https://ai.example.com
    apiKey: ${STUDIO_TEST_AIPROXY_KEY}
    model: gpt-4o
    temperature: 0.7
  render:
    kind: docker
    image: studio/compositor:latest
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "7000" || cfg.Server.LogLevel != "debug" {
		t.Errorf("server: %+v", cfg.Server)
	}
	if cfg.Storage.HostDir != "/var/lib/studio" {
		t.Errorf("HostDir = %q", cfg.Storage.HostDir)
	}
	if cfg.Scheduler.MaxConcurrentJobs != 3 || cfg.Scheduler.StepTimeout.Std() != 90*time.Second {
		t.Errorf("scheduler: %+v", cfg.Scheduler)
	}
	if cfg.Pipeline.PublicBaseURL != "https://studio.example.com/p" {
		t.Errorf("PublicBaseURL = %q", cfg.Pipeline.PublicBaseURL)
	}
	if got := cfg.AutoAdvanceStages(); !slices.Equal(got, []stage.Type{stage.Music, stage.Avatar}) {
		t.Errorf("AutoAdvanceStages() = %v", got)
	}
	if cfg.Providers.Text.APIKey != "from-env" {
		t.Errorf("expected ${VAR} expansion, got %q", cfg.Providers.Text.APIKey)
	}
	if cfg.Providers.Text.Temperature != 0.7 {
		t.Errorf("Temperature = %v", cfg.Providers.Text.Temperature)
	}
	// Unset sections keep their defaults.
	if cfg.Server.MetricsPort != "9090" || cfg.Providers.Media.Kind != ProviderMock {
		t.Errorf("defaults lost: %+v %+v", cfg.Server, cfg.Providers.Media)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "studio.toml", `
[server]
port = "7001"
shutdownDrainWait = "0s"

[scheduler]
stepTimeout = "2m"

[providers.media]
kind = "remote"
baseUrl = "http://media.internal:9000"
timeout = "30s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "7001" || cfg.Server.ShutdownDrainWait != 0 {
		t.Errorf("server: %+v", cfg.Server)
	}
	if cfg.Scheduler.StepTimeout.Std() != 2*time.Minute {
		t.Errorf("StepTimeout = %v", cfg.Scheduler.StepTimeout.Std())
	}
	if cfg.Providers.Media.Kind != ProviderRemote || cfg.Providers.Media.Timeout.Std() != 30*time.Second {
		t.Errorf("media: %+v", cfg.Providers.Media)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "studio.yaml", "server:\n  port: \"7000\"\nscheduler:\n  maxConcurrentJobs: 2\n")
	keyFile := writeConfig(t, "api-key", "top-secret\n")

	t.Setenv("PORT", "7100")
	t.Setenv("MAX_CONCURRENT_JOBS", "8")
	t.Setenv("API_KEY_FILE", keyFile)
	t.Setenv("AUTO_ADVANCE", "film")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "7100" {
		t.Errorf("Port = %q", cfg.Server.Port)
	}
	if cfg.Scheduler.MaxConcurrentJobs != 8 {
		t.Errorf("MaxConcurrentJobs = %d", cfg.Scheduler.MaxConcurrentJobs)
	}
	if cfg.Server.APIKey != "top-secret" {
		t.Errorf("APIKey = %q", cfg.Server.APIKey)
	}
	if got := cfg.AutoAdvanceStages(); !slices.Equal(got, []stage.Type{stage.Film}) {
		t.Errorf("AutoAdvanceStages() = %v", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		body   string
		errMsg string
	}{
		{"unknown format", "studio.ini", "port=1", "unsupported config format"},
		{"bad yaml", "studio.yaml", "server: [", "parse config"},
		{"bad duration", "studio.toml", "[scheduler]\nstepTimeout = \"later\"\n", "parse config"},
		{"unknown stage", "studio.yaml", "pipeline:\n  autoAdvance: [podcast]\n", "pipeline.autoAdvance"},
		{"aiproxy without url", "studio.yaml", "providers:\n  text:\n    kind: aiproxy\n", "providers.text.baseUrl"},
		{"unknown media kind", "studio.yaml", "providers:\n  media:\n    kind: cloud\n", "providers.media.kind"},
		{"bad public url", "studio.yaml", "pipeline:\n  publicBaseUrl: ftp://files\n", "pipeline.publicBaseUrl"},
		{"negative jobs", "studio.yaml", "scheduler:\n  maxConcurrentJobs: -1\n", "maxConcurrentJobs"},
		{"bad log level", "studio.yaml", "server:\n  logLevel: verbose\n", "server.logLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_MalformedEnv(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "lots")
	t.Setenv("API_KEY_FILE", filepath.Join(t.TempDir(), "absent"))

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for malformed environment")
	}
	for _, want := range []string{"MAX_CONCURRENT_JOBS", "API_KEY_FILE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = ""
	cfg.Providers.Render.Kind = "k8s"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.port", "providers.render.kind"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}
