package config

import (
	"fmt"
	"time"
)

// Config represents a flyback.yaml configuration file. Environment
// variables of the form FLYBACK_* override individual values after the
// file is parsed; CLI flags override both.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	RegistryDir string `yaml:"registry_dir"`
	Role        string `yaml:"role"`
	Listen      string `yaml:"listen"`

	SnapshotInterval int64 `yaml:"snapshot_interval"`
	RepairTruncate   bool  `yaml:"repair_truncate"`

	Lock      LockConfig      `yaml:"lock"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Announce  AnnounceConfig  `yaml:"announce"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// LockConfig bounds advisory lock acquisition.
type LockConfig struct {
	Timeout Duration `yaml:"timeout"`
	Retry   Duration `yaml:"retry"`
}

// WebhookConfig configures the delivery pump's outbound endpoint.
type WebhookConfig struct {
	URL         string   `yaml:"url"`
	Secret      string   `yaml:"secret"`
	Timeout     Duration `yaml:"timeout"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffMax  Duration `yaml:"backoff_max"`
	MaxRetries  int      `yaml:"max_retries"`
	Interval    Duration `yaml:"interval"`
}

// AnnounceConfig configures the optional Redis announce channel.
type AnnounceConfig struct {
	URL     string   `yaml:"url"`
	Channel string   `yaml:"channel"`
	Timeout Duration `yaml:"timeout"`
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	Window Duration `yaml:"window"`
	Max    int      `yaml:"max"`
	Burst  int      `yaml:"burst"`
	Bypass bool     `yaml:"bypass"`
}

// ArchiveConfig configures S3 upload of compacted log segments.
type ArchiveConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDir:          "data",
		RegistryDir:      "registry",
		Role:             "writer",
		Listen:           ":8080",
		SnapshotInterval: 1000,
		RepairTruncate:   true,
		Lock: LockConfig{
			Timeout: Duration{5 * time.Second},
			Retry:   Duration{50 * time.Millisecond},
		},
		Webhook: WebhookConfig{
			Timeout:     Duration{5 * time.Second},
			BackoffBase: Duration{time.Second},
			BackoffMax:  Duration{time.Minute},
			MaxRetries:  5,
			Interval:    Duration{time.Second},
		},
		RateLimit: RateLimitConfig{
			Window: Duration{time.Minute},
			Max:    60,
			Burst:  10,
		},
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RegistryDir == "" {
		return fmt.Errorf("registry_dir is required")
	}
	if c.Role != "writer" && c.Role != "replica" {
		return fmt.Errorf("role must be writer or replica, got %q", c.Role)
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot_interval must be >= 0")
	}
	if c.Webhook.MaxRetries < 1 {
		return fmt.Errorf("webhook.max_retries must be >= 1")
	}
	return nil
}
