package config

import (
	"strings"
	"time"

	"github.com/marmos91/deuce/pkg/registry"
)

// DefaultConfig returns a complete configuration suitable for local
// development: in-memory metadata and storage backends, logging to stdout.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero-valued fields with sensible defaults. Explicit
// values loaded from file or environment are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyAPIDefaults(&cfg.API)
	applyMetadataDefaults(&cfg.Metadata)
	applyStorageDefaults(&cfg.Storage)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space"}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyAPIDefaults(cfg *APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBatchBlocks == 0 {
		cfg.MaxBatchBlocks = 256
	}
	if cfg.DefaultPageSize == 0 {
		cfg.DefaultPageSize = 100
	}
	if cfg.MaxPageSize == 0 {
		cfg.MaxPageSize = 1000
	}
}

func applyMetadataDefaults(cfg *registry.MetadataBackendConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
}

func applyStorageDefaults(cfg *registry.BlockBackendConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
}
