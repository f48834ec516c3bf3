// Package config resolves spotter settings from defaults, an optional YAML file,
// and SPOTTER_* / POSTGRES_* environment variables. Command-line flags are
// applied on top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAPIURL is used when nothing else names the detection service.
const DefaultAPIURL = "http://localhost:8000"

// Config holds everything the client side needs at process start.
type Config struct {
	APIURL         string            `yaml:"api_url"`
	PollInterval   time.Duration     `yaml:"poll_interval"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	LogLevel       string            `yaml:"log_level"`
	LogColor       bool              `yaml:"log_color"`
	DownloadDir    string            `yaml:"download_dir"`
	DatabaseURL    string            `yaml:"database_url"`
	DashboardAddr  string            `yaml:"dashboard_addr"`
	Headers        map[string]string `yaml:"headers"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIURL:         DefaultAPIURL,
		PollInterval:   2 * time.Second,
		RequestTimeout: 10 * time.Minute, // per API call, so it has to fit a video upload
		LogLevel:       "warn",
		LogColor:       true,
		DownloadDir:    "./downloads",
		DashboardAddr:  "127.0.0.1:8090",
	}
}

// DefaultPath is ~/.spotter.yaml, or "" if the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".spotter.yaml")
}

// Load builds a Config from defaults, the YAML file at path and the environment.
// A missing file is not an error unless required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SPOTTER_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("SPOTTER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SPOTTER_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("SPOTTER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SPOTTER_POLL_INTERVAL: %w", err)
		}
		c.PollInterval = d
	}

	// Archive URL from the POSTGRES_* variables docker setups provide
	if c.DatabaseURL == "" {
		if host := os.Getenv("POSTGRES_HOST"); host != "" {
			port := os.Getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			c.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
		}
	}
	return nil
}

// Validate rejects settings the controller cannot run with.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("api_url must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout)
	}
	return nil
}
