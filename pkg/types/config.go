// Package types - Configuration data structures for the sink ingestion
// pipeline. The schema here is the YAML-facing surface spec §6 enumerates
// (BufferIntervalMs, MaxBatchSize, ...); internal/config loads and
// validates it the way the teacher's internal/config/config.go does
// (YAML file plus environment variable overrides).
package types

import "time"

// Config is the root configuration object: ambient process settings plus
// one PipelineConfig per configured sink.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Logging LoggingConfig `yaml:"logging"`
	Admin   AdminConfig   `yaml:"admin"`
	Tracing TracingConfig `yaml:"tracing"`

	Bookmarks BookmarksConfig `yaml:"bookmarks"`

	Sources SourcesConfig `yaml:"sources"`
	Sinks   []SinkConfig  `yaml:"sinks"`
}

// AppConfig identifies this process instance.
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LoggingConfig controls logrus setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AdminConfig controls the /healthz, /metrics, /status HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlphttp, jaeger, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// BookmarksConfig controls the shared bookmark coordinator (C5).
type BookmarksConfig struct {
	Directory    string        `yaml:"directory"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// SourcesConfig groups the two built-in source collaborators.
type SourcesConfig struct {
	Files     []FileSourceConfig `yaml:"files"`
	Container *DockerSourceConfig `yaml:"container"`
}

// FileSourceConfig names a directory tree of files to tail.
type FileSourceConfig struct {
	Name            string   `yaml:"name"`
	Directories     []string `yaml:"directories"`
	IncludePatterns []string `yaml:"include_patterns"`
	SinkRefs        []string `yaml:"sinks"` // names of SinkConfig entries this source feeds
}

// DockerSourceConfig configures container log discovery.
type DockerSourceConfig struct {
	LabelFilters map[string]string `yaml:"label_filters"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	SinkRefs     []string          `yaml:"sinks"`
}

// SinkConfig is one sink's full configuration: the spec §6 pipeline surface
// (PipelineConfig) plus a Backend selecting and configuring which concrete
// BackendClient this sink drives.
type SinkConfig struct {
	Name     string         `yaml:"name"`
	Backend  string         `yaml:"backend"` // kafka, loki, splunk, elasticsearch
	Pipeline PipelineConfig `yaml:"pipeline"`

	Kafka         *KafkaBackendConfig `yaml:"kafka,omitempty"`
	Loki          *HTTPBackendConfig  `yaml:"loki,omitempty"`
	Splunk        *HTTPBackendConfig  `yaml:"splunk,omitempty"`
	Elasticsearch *HTTPBackendConfig  `yaml:"elasticsearch,omitempty"`

	Secondary *SecondaryBackendConfig `yaml:"secondary,omitempty"`
}

// PipelineConfig is the literal spec §6 configuration surface table,
// translated into Go field names and types (durations instead of millis,
// where that's the idiomatic teacher convention — see
// internal/config/config.go's other duration fields).
type PipelineConfig struct {
	BufferInterval    time.Duration `yaml:"buffer_interval"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
	MaxBatchBytes     int64         `yaml:"max_batch_bytes"`
	QueueSizeItems    int           `yaml:"queue_size_items"`
	SecondaryQueue    string        `yaml:"secondary_queue_type"` // memory, file, "" (unset)
	QueueMaxBatches   int           `yaml:"queue_max_batches"`
	QueueDir          string        `yaml:"queue_dir"`
	MaxAttempts       int           `yaml:"max_attempts"`
	JittingFactor     float64       `yaml:"jitting_factor"`
	BackoffFactor     float64       `yaml:"backoff_factor"`
	RecoveryFactor    float64       `yaml:"recovery_factor"`
	MinRateAdjustment float64       `yaml:"min_rate_adjustment_factor"`
	UploadPriority    string        `yaml:"upload_network_priority"`
	RecordsPerSecond  float64       `yaml:"records_per_second"`
	BytesPerSecond    float64       `yaml:"bytes_per_second"`
	MaxFailbackRetry  time.Duration `yaml:"max_failback_retry_interval"`
	CombineRecords    bool          `yaml:"combine_records"`
	Parallelism       int           `yaml:"parallelism"` // not read: each sink runs one dispatcher
	GraceDeadline     time.Duration `yaml:"grace_deadline"`
}

// KafkaBackendConfig configures the Kafka BackendClient.
type KafkaBackendConfig struct {
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	RequiredAcks int      `yaml:"required_acks"`
	Compression  string   `yaml:"compression"`
	TLS          bool     `yaml:"tls"`
	SASL         bool     `yaml:"sasl"`
	SASLUser     string   `yaml:"sasl_user"`
	SASLPass     string   `yaml:"sasl_password"`
	SASLAlgo     string   `yaml:"sasl_algorithm"`
}

// HTTPBackendConfig configures an httpbatch BackendClient; one shape covers
// Loki, Splunk and Elasticsearch since they differ only in wire format and
// a handful of routing fields.
type HTTPBackendConfig struct {
	URL         string            `yaml:"url"`
	Compression string            `yaml:"compression"` // none, gzip, snappy, lz4, zstd
	Headers     map[string]string `yaml:"headers"`
	BasicUser   string            `yaml:"basic_user"`
	BasicPass   string            `yaml:"basic_password"`
	BearerToken string            `yaml:"bearer_token"`
	Timeout     time.Duration     `yaml:"timeout"`

	TenantID   string `yaml:"tenant_id"`   // Loki
	Index      string `yaml:"index"`      // Splunk, Elasticsearch
	Source     string `yaml:"source"`     // Splunk
	SourceType string `yaml:"sourcetype"` // Splunk
}

// SecondaryBackendConfig names a fallback backend of the same Backend kind
// as the sink's primary, wired into the failover controller (C6).
type SecondaryBackendConfig struct {
	Kafka         *KafkaBackendConfig `yaml:"kafka,omitempty"`
	Loki          *HTTPBackendConfig  `yaml:"loki,omitempty"`
	Splunk        *HTTPBackendConfig  `yaml:"splunk,omitempty"`
	Elasticsearch *HTTPBackendConfig  `yaml:"elasticsearch,omitempty"`

	FailoverThreshold int           `yaml:"failover_threshold"`
	FailbackInterval  time.Duration `yaml:"failback_interval"`
}
