// Package config loads the sink ingestion pipeline's configuration from a
// YAML file plus environment variable overrides, defaults it, and validates
// it before internal/app wires anything up.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	pkgerrors "streamship/pkg/errors"
	"streamship/pkg/types"

	"gopkg.in/yaml.v2"
)

// LoadConfig reads configFile (if non-empty), applies defaults, then layers
// environment variable overrides on top, and finally validates the result.
func LoadConfig(configFile string) (*types.Config, error) {
	config := &types.Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, config); err != nil {
			return nil, pkgerrors.WrapError(err, "config", "LoadConfig", "failed to load config file "+configFile)
		}
		fmt.Printf("Loaded configuration from file: %s\n", configFile)
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	if err := ValidateConfig(config); err != nil {
		return nil, pkgerrors.WrapError(err, "config", "LoadConfig", "configuration validation failed")
	}

	return config, nil
}

func loadConfigFile(filename string, config *types.Config) error {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filename)
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyDefaults fills in zero-valued fields with the pipeline's production
// defaults, so an operator's YAML only needs to state what it overrides.
func applyDefaults(config *types.Config) {
	if config.App.Name == "" {
		config.App.Name = "streamship"
	}
	if config.App.Version == "" {
		config.App.Version = "dev"
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}

	if config.Admin.Addr == "" {
		config.Admin.Addr = ":9090"
	}

	if config.Tracing.Exporter == "" {
		config.Tracing.Exporter = "none"
	}
	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = config.App.Name
	}
	if config.Tracing.SampleRatio == 0 {
		config.Tracing.SampleRatio = 0.1
	}

	if config.Bookmarks.Directory == "" {
		config.Bookmarks.Directory = "/var/lib/streamship/bookmarks"
	}
	if config.Bookmarks.SyncInterval == 0 {
		config.Bookmarks.SyncInterval = 5 * time.Second
	}

	for i := range config.Sinks {
		applyPipelineDefaults(&config.Sinks[i].Pipeline)
	}
}

func applyPipelineDefaults(p *types.PipelineConfig) {
	if p.BufferInterval == 0 {
		p.BufferInterval = 5 * time.Second
	}
	if p.MaxBatchSize == 0 {
		p.MaxBatchSize = 500
	}
	if p.MaxBatchBytes == 0 {
		p.MaxBatchBytes = 4 * 1024 * 1024
	}
	if p.QueueSizeItems == 0 {
		p.QueueSizeItems = 10000
	}
	if p.QueueMaxBatches == 0 {
		p.QueueMaxBatches = 1000
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.JittingFactor == 0 {
		p.JittingFactor = 0.2
	}
	if p.BackoffFactor == 0 {
		p.BackoffFactor = 0.5
	}
	if p.RecoveryFactor == 0 {
		p.RecoveryFactor = 0.5
	}
	if p.MinRateAdjustment == 0 {
		p.MinRateAdjustment = 0.1
	}
	if p.UploadPriority == "" {
		p.UploadPriority = "normal"
	}
	if p.MaxFailbackRetry == 0 {
		p.MaxFailbackRetry = time.Minute
	}
	if p.GraceDeadline == 0 {
		p.GraceDeadline = 30 * time.Second
	}
}

// applyEnvironmentOverrides layers SSW_-prefixed environment variables on
// top of the file-and-default configuration. Only process-wide settings are
// overridable this way; per-sink settings are intentionally YAML-only since
// there is no stable way to address "sink N, field X" via a flat env var
// namespace.
func applyEnvironmentOverrides(config *types.Config) {
	config.App.Name = getEnvString("SSW_APP_NAME", config.App.Name)
	config.Logging.Level = getEnvString("SSW_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnvString("SSW_LOG_FORMAT", config.Logging.Format)
	config.Admin.Addr = getEnvString("SSW_ADMIN_ADDR", config.Admin.Addr)
	config.Admin.Enabled = getEnvBool("SSW_ADMIN_ENABLED", config.Admin.Enabled)
	config.Bookmarks.Directory = getEnvString("SSW_BOOKMARK_DIR", config.Bookmarks.Directory)
	config.Tracing.Endpoint = getEnvString("SSW_TRACING_ENDPOINT", config.Tracing.Endpoint)
}

// ValidateConfig rejects configurations that would leave a sink unable to
// start: missing backend selection, a backend section that doesn't match
// the declared backend, or pipeline numbers that can't produce forward
// progress.
func ValidateConfig(config *types.Config) error {
	if len(config.Sinks) == 0 {
		return fmt.Errorf("at least one sink must be configured")
	}

	seen := make(map[string]bool)
	for i, sink := range config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sinks[%d]: name is required", i)
		}
		if seen[sink.Name] {
			return fmt.Errorf("sinks[%d]: duplicate sink name %q", i, sink.Name)
		}
		seen[sink.Name] = true

		if err := validateBackendSelection(sink); err != nil {
			return fmt.Errorf("sinks[%d] (%s): %w", i, sink.Name, err)
		}
		if err := validatePipeline(sink.Pipeline); err != nil {
			return fmt.Errorf("sinks[%d] (%s): %w", i, sink.Name, err)
		}
	}

	for i, fs := range config.Sources.Files {
		if len(fs.Directories) == 0 {
			return fmt.Errorf("sources.files[%d]: at least one directory is required", i)
		}
	}

	return nil
}

func validateBackendSelection(sink types.SinkConfig) error {
	switch sink.Backend {
	case "kafka":
		if sink.Kafka == nil {
			return fmt.Errorf("backend is %q but no kafka section configured", sink.Backend)
		}
		if len(sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers must not be empty")
		}
		if sink.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required")
		}
	case "loki":
		if sink.Loki == nil || sink.Loki.URL == "" {
			return fmt.Errorf("backend is %q but no loki.url configured", sink.Backend)
		}
	case "splunk":
		if sink.Splunk == nil || sink.Splunk.URL == "" {
			return fmt.Errorf("backend is %q but no splunk.url configured", sink.Backend)
		}
	case "elasticsearch":
		if sink.Elasticsearch == nil || sink.Elasticsearch.URL == "" {
			return fmt.Errorf("backend is %q but no elasticsearch.url configured", sink.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q, want one of: kafka, loki, splunk, elasticsearch", sink.Backend)
	}
	return nil
}

func validatePipeline(p types.PipelineConfig) error {
	if p.MaxBatchSize <= 0 {
		return fmt.Errorf("pipeline.max_batch_size must be positive")
	}
	if p.MaxBatchBytes <= 0 {
		return fmt.Errorf("pipeline.max_batch_bytes must be positive")
	}
	if p.QueueSizeItems <= 0 {
		return fmt.Errorf("pipeline.queue_size_items must be positive")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be positive")
	}
	switch p.UploadPriority {
	case "high", "normal", "low":
	default:
		return fmt.Errorf("pipeline.upload_network_priority must be one of: high, normal, low")
	}
	if p.SecondaryQueue != "" && p.SecondaryQueue != "memory" && p.SecondaryQueue != "file" {
		return fmt.Errorf("pipeline.secondary_queue_type must be one of: memory, file")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

