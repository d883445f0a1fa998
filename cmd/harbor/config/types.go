// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// HarborConfig is the full harbor.yaml shape.
type HarborConfig struct {
	// Library locates the model storage and harbor's own state.
	Library LibraryConfig `yaml:"library" validate:"required"`

	// Downloads tunes the transfer engine.
	Downloads DownloadsConfig `yaml:"downloads"`

	// Network tunes retry and request behavior shared by all sources.
	Network NetworkConfig `yaml:"network"`

	// Sources lists the remote artifact sources harbor may pull from.
	Sources []SourceConfig `yaml:"sources" validate:"dive"`

	// Daemon configures the observability HTTP surface.
	Daemon DaemonConfig `yaml:"daemon"`

	// Telemetry selects trace and metric exporters.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// SpeedLog streams download speed samples to InfluxDB. Off unless
	// enabled explicitly.
	SpeedLog SpeedLogConfig `yaml:"speed_log"`

	// Logging configures the house logger.
	Logging LoggingConfig `yaml:"logging"`
}

type LibraryConfig struct {
	// Root is the canonical model storage directory. Imported
	// artifacts are placed here and never modified afterwards.
	Root string `yaml:"root" validate:"required"`

	// StateDir holds everything that is harbor's own: the index
	// database, registry discovery files, download state, release
	// caches, and logs.
	StateDir string `yaml:"state_dir" validate:"required"`

	// DropDir is a watched folder: files that appear here are
	// imported automatically by the daemon. Empty disables the watch.
	DropDir string `yaml:"drop_dir,omitempty"`
}

type DownloadsConfig struct {
	// MaxConcurrentJobs bounds jobs transferring at once. Zero takes
	// the engine default.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" validate:"min=0,max=64"`

	// ShardConcurrency bounds parallel file transfers within one job.
	ShardConcurrency int `yaml:"shard_concurrency" validate:"min=0,max=32"`

	// BytesPerSecond caps aggregate transfer bandwidth. Zero means
	// unlimited.
	BytesPerSecond int64 `yaml:"bytes_per_second" validate:"min=0"`

	// MinFreeBytes is the free-disk margin required before a transfer
	// starts.
	MinFreeBytes int64 `yaml:"min_free_bytes" validate:"min=0"`
}

type NetworkConfig struct {
	// MaxAttempts is the retry budget per request, initial attempt
	// included.
	MaxAttempts int `yaml:"max_attempts" validate:"min=0,max=10"`

	// InitialBackoff is the delay before the first retry, e.g. "1s".
	InitialBackoff Duration `yaml:"initial_backoff,omitempty"`

	// MaxBackoff caps the exponential backoff, e.g. "30s".
	MaxBackoff Duration `yaml:"max_backoff,omitempty"`

	// UserAgent overrides the outbound User-Agent header.
	UserAgent string `yaml:"user_agent,omitempty"`
}

// SourceConfig declares one remote source. Kind selects the resolver;
// the remaining fields are kind-specific.
type SourceConfig struct {
	// ID is the name used in locators ("huggingface:meta-llama/...")
	// and logs. Defaults per kind when empty.
	ID string `yaml:"id,omitempty"`

	Kind string `yaml:"kind" validate:"required,oneof=huggingface github gcs"`

	// Owner and Repo select the repository for github sources.
	Owner string `yaml:"owner,omitempty"`
	Repo  string `yaml:"repo,omitempty"`

	// Bucket names the mirror bucket for gcs sources.
	Bucket string `yaml:"bucket,omitempty"`

	// BaseURL overrides the public endpoint, for proxies and tests.
	BaseURL string `yaml:"base_url,omitempty"`

	// TokenEnv names the environment variable holding the bearer
	// token. The token itself never appears in the config file.
	TokenEnv string `yaml:"token_env,omitempty"`

	// Anonymous skips authentication for public gcs buckets.
	Anonymous bool `yaml:"anonymous,omitempty"`

	// CredentialsFile is a gcs service account key path.
	CredentialsFile string `yaml:"credentials_file,omitempty"`

	// CatalogTTL is how long cached release listings stay fresh for
	// sources that publish releases. Defaults to one hour.
	CatalogTTL Duration `yaml:"catalog_ttl,omitempty"`
}

type DaemonConfig struct {
	// Addr is the listen address for the observability API.
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
}

type SpeedLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url,omitempty" validate:"omitempty,url"`

	// TokenEnv names the environment variable holding the InfluxDB
	// API token.
	TokenEnv string `yaml:"token_env,omitempty"`
	Org      string `yaml:"org,omitempty"`
	Bucket   string `yaml:"bucket,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir enables file logging next to stderr output when set.
	Dir  string `yaml:"dir,omitempty"`
	JSON bool   `yaml:"json"`
}

// =============================================================================
// Duration
// =============================================================================

// Duration wraps time.Duration so the YAML file can say "30s" or "2m"
// instead of nanosecond counts.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// =============================================================================
// Derived paths
// =============================================================================

// IndexPath is the model index database file.
func (c *HarborConfig) IndexPath() string {
	return filepath.Join(c.Library.StateDir, "index.db")
}

// DownloadStateDir holds persisted download job state.
func (c *HarborConfig) DownloadStateDir() string {
	return filepath.Join(c.Library.StateDir, "downloads")
}

// StagingDir is where in-flight downloads land before import.
func (c *HarborConfig) StagingDir() string {
	return filepath.Join(c.Library.StateDir, "staging")
}

// CatalogCacheDir holds durable release cache files.
func (c *HarborConfig) CatalogCacheDir() string {
	return filepath.Join(c.Library.StateDir, "catalogs")
}

// LogDir is where file logs are written when logging.dir is unset.
func (c *HarborConfig) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(c.Library.StateDir, "logs")
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig is what a first run writes to disk. Paths live under
// the user's home directory; the well-known public sources are
// pre-registered with token lookups pointing at their conventional
// environment variables.
func DefaultConfig() HarborConfig {
	base := ".aleutian"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".aleutian")
	}
	return HarborConfig{
		Library: LibraryConfig{
			Root:     filepath.Join(base, "models"),
			StateDir: filepath.Join(base, "harbor"),
			DropDir:  filepath.Join(base, "drop"),
		},
		Downloads: DownloadsConfig{
			MaxConcurrentJobs: 2,
			ShardConcurrency:  4,
		},
		Network: NetworkConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration(1 * time.Second),
			MaxBackoff:     Duration(30 * time.Second),
		},
		Sources: []SourceConfig{
			{
				ID:       "huggingface",
				Kind:     "huggingface",
				TokenEnv: "HF_TOKEN",
			},
			{
				ID:         "llama-cpp",
				Kind:       "github",
				Owner:      "ggml-org",
				Repo:       "llama.cpp",
				TokenEnv:   "GITHUB_TOKEN",
				CatalogTTL: Duration(1 * time.Hour),
			},
		},
		Daemon: DaemonConfig{
			Addr: "127.0.0.1:7843",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
