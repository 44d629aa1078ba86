// Package types defines the data structures that flow through the sink
// ingestion pipeline: the payload every envelope carries, plus the YAML
// configuration surface internal/config loads.
package types

import "time"

// LogEntry is the payload type every envelope.Envelope[*LogEntry] carries
// through the pipeline: one log line plus the metadata the wired backends
// (Kafka, Loki, Splunk, Elasticsearch) need to build their wire requests.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"` // original log entry timestamp from the source
	Message   string    `json:"message"`   // raw log line content
	Level     string    `json:"level,omitempty"`

	SourceType string `json:"source_type"` // "file" or "docker"
	SourceID   string `json:"source_id"`   // file path or container ID

	Labels map[string]string `json:"labels,omitempty"` // e.g. container_id, stream, file path
}
