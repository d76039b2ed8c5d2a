package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/aurcache/aurcache/pkg/engine"
)

func load(t *testing.T, yaml string) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(yaml)); err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	cfg, err := Decode(v)
	if err != nil {
		t.Fatalf("failed to decode config: %v", err)
	}
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := load(t, "")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.BuildTimeout != time.Hour {
		t.Errorf("build-timeout = %s, want 1h", cfg.BuildTimeout)
	}
	if cfg.MaxConcurrentBuilds != 1 {
		t.Errorf("max-concurrent-builds = %d, want 1", cfg.MaxConcurrentBuilds)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero concurrency", "max-concurrent-builds: 0"},
		{"bad mode", "deployment-mode: k8s"},
		{"empty repo dir", "repo-dir: ''"},
		{"negative cpu", "cpu-limit: -1"},
		{"nats without subject", "nats-url: nats://localhost:4222\nnats-subject: ''"},
		{"negative override", "package-overrides:\n  foo:\n    memory-limit-mb: -5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := load(t, tt.yaml).Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLiveOverrides(t *testing.T) {
	cfg := load(t, `
builder-image: builder:global
build-timeout: 30m
cpu-limit: 2
memory-limit-mb: 1024
package-overrides:
  chromium:
    builder-image: builder:big
    build-timeout: 6h
    memory-limit-mb: 16384
`)
	live := NewLive(cfg)

	if got := live.BuilderImage("chromium"); got != "builder:big" {
		t.Errorf("override image = %s", got)
	}
	if got := live.BuilderImage("yay"); got != "builder:global" {
		t.Errorf("global image = %s", got)
	}
	if got := live.BuildTimeout("chromium"); got != 6*time.Hour {
		t.Errorf("override timeout = %s", got)
	}
	if got := live.BuildTimeout("yay"); got != 30*time.Minute {
		t.Errorf("global timeout = %s", got)
	}

	want := engine.Resources{NanoCPUs: 2e9, MemoryBytes: 16384 * 1024 * 1024}
	if got := live.Resources("chromium"); got != want {
		t.Errorf("override resources = %+v, want %+v", got, want)
	}
}

func TestLiveSetIsVisible(t *testing.T) {
	live := NewLive(load(t, "max-concurrent-builds: 2"))
	if got := live.MaxConcurrentBuilds(); got != 2 {
		t.Fatalf("limit = %d", got)
	}
	live.Set(load(t, "max-concurrent-builds: 5"))
	if got := live.MaxConcurrentBuilds(); got != 5 {
		t.Errorf("limit after set = %d", got)
	}
}

func TestLimits(t *testing.T) {
	cfg := load(t, "max-package-size: 1000\nmax-package-entries: 10")
	l := cfg.Limits()
	if l.MaxArchiveSize != 1000 || l.MaxEntries != 10 {
		t.Errorf("limits = %+v", l)
	}
}
