package dispatcher

import (
	"strings"
	"testing"
	"time"

	"studio/internal/config"
)

func TestMemoryConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   MemoryConfig
		want MemoryConfig
	}{
		{
			name: "zero values",
			in:   MemoryConfig{},
			want: MemoryConfig{BufferSize: 1000, Workers: 4, HTTPTimeout: 10 * time.Second, MaxRetries: 3, BreakerThreshold: 5, BreakerCooldown: 30 * time.Second, MaxRequeues: 10},
		},
		{
			name: "negative values",
			in:   MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -1, MaxRetries: -1, BreakerThreshold: -1, BreakerCooldown: -1, MaxRequeues: -1},
			want: MemoryConfig{BufferSize: 1000, Workers: 4, HTTPTimeout: 10 * time.Second, MaxRetries: -1, BreakerThreshold: 5, BreakerCooldown: 30 * time.Second, MaxRequeues: 10},
		},
		{
			name: "explicit values kept",
			in:   MemoryConfig{BufferSize: 50, Workers: 2, HTTPTimeout: time.Second, MaxRetries: 1, BreakerThreshold: 2, BreakerCooldown: time.Minute, MaxRequeues: 3},
			want: MemoryConfig{BufferSize: 50, Workers: 2, HTTPTimeout: time.Second, MaxRetries: 1, BreakerThreshold: 2, BreakerCooldown: time.Minute, MaxRequeues: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Parallel()
	env := config.NewEnvFrom(map[string]string{
		"CALLBACK_WORKERS":          "7",
		"CALLBACK_BREAKER_COOLDOWN": "2s",
		"CALLBACK_MAX_RETRIES":      "many",
	})

	cfg := LoadConfigFromEnv(env)
	if cfg.Workers != 7 || cfg.BreakerCooldown != 2*time.Second || cfg.BufferSize != 1000 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("malformed value should keep the default, got %d", cfg.MaxRetries)
	}
	if err := env.Err(); err == nil || !strings.Contains(err.Error(), "CALLBACK_MAX_RETRIES") {
		t.Errorf("expected error naming CALLBACK_MAX_RETRIES, got %v", err)
	}
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"http://localhost:8080/webhook":             "localhost:8080",
		"https://example.com/callback":              "example.com",
		"http://api.example.com:3000/v1/events?k=1": "api.example.com:3000",
		"://invalid": "://invalid",
		"":           "",
	}
	for in, want := range tests {
		if got := extractHost(in); got != want {
			t.Errorf("extractHost(%q) = %q, want %q", in, got, want)
		}
	}
}
