package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aurcache/aurcache/pkg/security"
)

// Override replaces global build settings for one package. Zero fields
// fall back to the global value.
type Override struct {
	BuilderImage  string        `mapstructure:"builder-image"`
	BuildTimeout  time.Duration `mapstructure:"build-timeout"`
	CPULimit      float64       `mapstructure:"cpu-limit"`
	MemoryLimitMB int64         `mapstructure:"memory-limit-mb"`
}

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Filesystem layout
	RepoDir  string `mapstructure:"repo-dir"`
	BuildDir string `mapstructure:"build-dir"`

	// Builds
	BuilderImage        string        `mapstructure:"builder-image"`
	BuildTimeout        time.Duration `mapstructure:"build-timeout"`
	MaxConcurrentBuilds int           `mapstructure:"max-concurrent-builds"`
	CPULimit            float64       `mapstructure:"cpu-limit"`
	MemoryLimitMB       int64         `mapstructure:"memory-limit-mb"`
	BuilderUID          int           `mapstructure:"builder-uid"`
	BuilderGID          int           `mapstructure:"builder-gid"`
	LogFlushInterval    time.Duration `mapstructure:"log-flush-interval"`

	// Mirrorlists reach containers through a bind in host mode and a
	// named volume in container mode
	DeploymentMode string `mapstructure:"deployment-mode"`
	MirrorlistDir  string `mapstructure:"mirrorlist-dir"`
	MirrorVolume   string `mapstructure:"mirror-volume"`

	// Security limits
	MaxPackageSize    int64 `mapstructure:"max-package-size"`
	MaxPackageEntries int   `mapstructure:"max-package-entries"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Endpoints
	DockerHost  string `mapstructure:"docker-host"`
	ListenAddr  string `mapstructure:"listen-addr"`
	NATSURL     string `mapstructure:"nats-url"`
	NATSSubject string `mapstructure:"nats-subject"`

	// S3 mirror, disabled when the bucket is empty
	S3Bucket   string `mapstructure:"s3-bucket"`
	S3Region   string `mapstructure:"s3-region"`
	S3Endpoint string `mapstructure:"s3-endpoint"`
	S3Prefix   string `mapstructure:"s3-prefix"`

	// Logging
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	PackageOverrides map[string]Override `mapstructure:"package-overrides"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("sqlite-path", ".artifacts/aurcache.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm")
	v.SetDefault("repo-dir", "./repo")
	v.SetDefault("build-dir", ".artifacts/builds")
	v.SetDefault("builder-image", "ghcr.io/aurcache/builder:latest")
	v.SetDefault("build-timeout", time.Hour)
	v.SetDefault("max-concurrent-builds", 1)
	v.SetDefault("cpu-limit", 0.0)
	v.SetDefault("memory-limit-mb", 0)
	v.SetDefault("builder-uid", 1000)
	v.SetDefault("builder-gid", 1000)
	v.SetDefault("log-flush-interval", time.Second)
	v.SetDefault("deployment-mode", "host")
	v.SetDefault("mirrorlist-dir", "./config/mirrorlists")
	v.SetDefault("mirror-volume", "aurcache_mirrorlists")
	v.SetDefault("max-package-size", security.DefaultLimits.MaxArchiveSize)
	v.SetDefault("max-package-entries", security.DefaultLimits.MaxEntries)
	v.SetDefault("fsm-max-retries", 5)
	v.SetDefault("listen-addr", ":8080")
	v.SetDefault("nats-subject", "aurcache.builds")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	v := viper.GetViper()
	SetDefaults(v)

	// Environment variables (will be AURCACHE_SQLITE_PATH, etc.)
	v.SetEnvPrefix("AURCACHE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.aurcache")

	// Read config file (ignore if not found)
	_ = v.ReadInConfig()

	return Decode(v)
}

// Decode unmarshals v into a Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.RepoDir == "" {
		return fmt.Errorf("repo-dir cannot be empty")
	}
	if c.BuildDir == "" {
		return fmt.Errorf("build-dir cannot be empty")
	}
	if c.BuilderImage == "" {
		return fmt.Errorf("builder-image cannot be empty")
	}
	if c.MaxConcurrentBuilds <= 0 {
		return fmt.Errorf("max-concurrent-builds must be positive")
	}
	if c.BuildTimeout < 0 {
		return fmt.Errorf("build-timeout must be non-negative")
	}
	if c.CPULimit < 0 {
		return fmt.Errorf("cpu-limit must be non-negative")
	}
	if c.MemoryLimitMB < 0 {
		return fmt.Errorf("memory-limit-mb must be non-negative")
	}
	if c.MaxPackageSize <= 0 {
		return fmt.Errorf("max-package-size must be positive")
	}
	if c.MaxPackageEntries <= 0 {
		return fmt.Errorf("max-package-entries must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	switch c.DeploymentMode {
	case "host", "container":
	default:
		return fmt.Errorf("deployment-mode must be host or container, got %q", c.DeploymentMode)
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		return fmt.Errorf("nats-subject cannot be empty when nats-url is set")
	}
	for name, o := range c.PackageOverrides {
		if o.BuildTimeout < 0 || o.CPULimit < 0 || o.MemoryLimitMB < 0 {
			return fmt.Errorf("package-overrides.%s: limits must be non-negative", name)
		}
	}
	return nil
}

// Limits returns the archive reading limits.
func (c *Config) Limits() security.Limits {
	return security.Limits{
		MaxArchiveSize: c.MaxPackageSize,
		MaxEntries:     c.MaxPackageEntries,
	}
}
