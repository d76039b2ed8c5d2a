package config

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/aurcache/aurcache/pkg/engine"
)

// Live serves the current configuration to long-running components and
// swaps it when the config file changes. Invalid edits are logged and
// ignored.
type Live struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewLive wraps cfg.
func NewLive(cfg *Config) *Live {
	return &Live{cfg: cfg}
}

// Watch reloads from v whenever its config file changes.
func (l *Live) Watch(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		l.reload(v, e)
	})
	v.WatchConfig()
}

func (l *Live) reload(v *viper.Viper, e fsnotify.Event) {
	cfg, err := Decode(v)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("config_reload_rejected", "file", e.Name, "op", e.Op.String(), "error", err)
		return
	}
	l.Set(cfg)
	slog.Info("config_reloaded", "file", e.Name, "max_concurrent_builds", cfg.MaxConcurrentBuilds)
}

// Set replaces the configuration.
func (l *Live) Set(cfg *Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

// Get returns the current configuration. Callers must not mutate it.
func (l *Live) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// viper lower-cases map keys
func (l *Live) override(pkg string) (*Config, Override) {
	cfg := l.Get()
	return cfg, cfg.PackageOverrides[strings.ToLower(pkg)]
}

// MaxConcurrentBuilds is the admission limit.
func (l *Live) MaxConcurrentBuilds() int {
	return l.Get().MaxConcurrentBuilds
}

// BuilderImage is the image pkg builds in.
func (l *Live) BuilderImage(pkg string) string {
	cfg, o := l.override(pkg)
	if o.BuilderImage != "" {
		return o.BuilderImage
	}
	return cfg.BuilderImage
}

// BuildTimeout is the wall-clock budget of one build of pkg.
func (l *Live) BuildTimeout(pkg string) time.Duration {
	cfg, o := l.override(pkg)
	if o.BuildTimeout > 0 {
		return o.BuildTimeout
	}
	return cfg.BuildTimeout
}

// Resources are the container limits for pkg. Zero means unlimited.
func (l *Live) Resources(pkg string) engine.Resources {
	cfg, o := l.override(pkg)
	cpu, mem := cfg.CPULimit, cfg.MemoryLimitMB
	if o.CPULimit > 0 {
		cpu = o.CPULimit
	}
	if o.MemoryLimitMB > 0 {
		mem = o.MemoryLimitMB
	}
	return engine.Resources{
		NanoCPUs:    int64(cpu * 1e9),
		MemoryBytes: mem * 1024 * 1024,
	}
}
