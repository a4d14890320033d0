package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment variables,
// unmarshals over the defaults, and applies FLYBACK_* environment
// overrides. A missing file is not an error; defaults plus environment
// overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No file: defaults only.
	case err != nil:
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	default:
		expanded := ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets operators override the common knobs without a
// config file edit. Overrides win over file values.
func applyEnvOverrides(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = parsed
		return nil
	}
	setDuration := func(key string, dst *Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		dst.Duration = parsed
		return nil
	}

	setString("FLYBACK_DATA_DIR", &cfg.DataDir)
	setString("FLYBACK_REGISTRY_DIR", &cfg.RegistryDir)
	setString("FLYBACK_ROLE", &cfg.Role)
	setString("FLYBACK_LISTEN", &cfg.Listen)
	setString("FLYBACK_WEBHOOK_URL", &cfg.Webhook.URL)
	setString("FLYBACK_WEBHOOK_SECRET", &cfg.Webhook.Secret)
	setString("FLYBACK_ANNOUNCE_URL", &cfg.Announce.URL)
	setString("FLYBACK_ANNOUNCE_CHANNEL", &cfg.Announce.Channel)
	setString("FLYBACK_ARCHIVE_BUCKET", &cfg.Archive.Bucket)
	setString("FLYBACK_ARCHIVE_REGION", &cfg.Archive.Region)
	setString("FLYBACK_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint)

	if err := setBool("FLYBACK_REPAIR_TRUNCATE", &cfg.RepairTruncate); err != nil {
		return err
	}
	if err := setBool("FLYBACK_RATE_LIMIT_BYPASS", &cfg.RateLimit.Bypass); err != nil {
		return err
	}
	if err := setDuration("FLYBACK_WEBHOOK_TIMEOUT", &cfg.Webhook.Timeout); err != nil {
		return err
	}
	return nil
}
