package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"patchsync/internal/logging"
	"patchsync/internal/remote"
	"patchsync/internal/retry"
)

type Config struct {
	Exclude []string      `yaml:"exclude"`
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Retry   RetryConfig   `yaml:"retry"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type RemoteConfig struct {
	Type     string        `yaml:"type"` // http or s3
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	Bucket   string        `yaml:"bucket"`
	Prefix   string        `yaml:"prefix"`
	Region   string        `yaml:"region"`
	Endpoint string        `yaml:"endpoint"`
}

type SyncConfig struct {
	HashWorkers       int      `yaml:"hash_workers"`
	MaxPending        int      `yaml:"max_pending"`
	DownloadWorkers   int      `yaml:"download_workers"`
	DownloadAttempts  int      `yaml:"download_attempts"`
	ExtractArchives   bool     `yaml:"extract_archives"`
	ArchiveExtensions []string `yaml:"archive_extensions"`
	StagingDir        string   `yaml:"staging_dir"`
	MaxPathLength     int      `yaml:"max_path_length"`
	PathMarker        string   `yaml:"path_marker"`
	HashCache         bool     `yaml:"hash_cache"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		// Anything excluded here is invisible to sync, so the default
		// excludes nothing a remote package could list.
		Exclude: []string{},
		Remote: RemoteConfig{
			Type:    "http",
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			HashWorkers:       256,
			MaxPending:        100,
			DownloadWorkers:   1,
			DownloadAttempts:  3,
			ArchiveExtensions: []string{".zip"},
			MaxPathLength:     260,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// Initialize Exclude slice if nil (for explicit empty lists)
	if cfg.Exclude == nil {
		cfg.Exclude = []string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Remote.Type {
	case "http":
	case "s3":
		if c.Remote.Bucket == "" {
			return fmt.Errorf("remote.bucket is required for s3")
		}
	default:
		return fmt.Errorf("remote.type must be http or s3, got %q", c.Remote.Type)
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}
	if c.Sync.HashWorkers < 1 {
		return fmt.Errorf("sync.hash_workers must be at least 1")
	}
	if c.Sync.MaxPending < 1 {
		return fmt.Errorf("sync.max_pending must be at least 1")
	}
	if c.Sync.DownloadWorkers < 1 {
		return fmt.Errorf("sync.download_workers must be at least 1")
	}
	if c.Sync.DownloadAttempts < 1 {
		return fmt.Errorf("sync.download_attempts must be at least 1")
	}
	if c.Sync.MaxPathLength < 1 {
		return fmt.Errorf("sync.max_path_length must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.MaxWait > 0 && c.Retry.MaxWait < c.Retry.InitialWait {
		return fmt.Errorf("retry.max_wait must not be below retry.initial_wait")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// RemoteSource converts the remote section. Secrets come from the
// environment, never from the file.
func (c *Config) RemoteSource() remote.Config {
	return remote.Config{
		Type:      c.Remote.Type,
		URL:       c.Remote.URL,
		Timeout:   c.Remote.Timeout,
		Bucket:    c.Remote.Bucket,
		Prefix:    c.Remote.Prefix,
		Region:    c.Remote.Region,
		Endpoint:  c.Remote.Endpoint,
		AccessKey: os.Getenv("PATCHSYNC_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("PATCHSYNC_S3_SECRET_KEY"),
	}
}

func (c *Config) RetryPolicy() retry.Config {
	policy := retry.DefaultConfig()
	policy.MaxAttempts = c.Retry.MaxAttempts
	policy.InitialWait = c.Retry.InitialWait
	policy.MaxWait = c.Retry.MaxWait
	return policy
}

func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		OutputPath: c.Logging.Output,
	}
}
