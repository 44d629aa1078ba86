package app

import (
	"fmt"

	"streamship/internal/backend/httpbatch"
	"streamship/internal/backend/kafka"
	"streamship/internal/core/dispatcher"
	"streamship/pkg/types"

	"github.com/IBM/sarama"
)

// buildBackendClient constructs the dispatcher.BackendClient named by
// sink.Backend from whichever of sink.Kafka/Loki/Splunk/Elasticsearch is
// populated. ValidateConfig already guarantees exactly one matching section
// exists.
func buildBackendClient(sink types.SinkConfig) (dispatcher.BackendClient[*types.LogEntry], error) {
	switch sink.Backend {
	case "kafka":
		return newKafkaClient(*sink.Kafka, sink.Pipeline)
	case "loki":
		return newHTTPClient(httpbatch.FormatLoki, *sink.Loki, sink.Pipeline)
	case "splunk":
		return newHTTPClient(httpbatch.FormatSplunk, *sink.Splunk, sink.Pipeline)
	case "elasticsearch":
		return newHTTPClient(httpbatch.FormatElasticsearch, *sink.Elasticsearch, sink.Pipeline)
	default:
		return nil, fmt.Errorf("unknown backend %q", sink.Backend)
	}
}

// buildSecondaryBackendClient builds the sink's fallback client, or returns
// (nil, false, nil) when no secondary is configured.
func buildSecondaryBackendClient(sink types.SinkConfig) (dispatcher.BackendClient[*types.LogEntry], bool, error) {
	if sink.Secondary == nil {
		return nil, false, nil
	}
	sec := sink.Secondary

	switch {
	case sec.Kafka != nil:
		c, err := newKafkaClient(*sec.Kafka, sink.Pipeline)
		return c, err == nil, err
	case sec.Loki != nil:
		c, err := newHTTPClient(httpbatch.FormatLoki, *sec.Loki, sink.Pipeline)
		return c, err == nil, err
	case sec.Splunk != nil:
		c, err := newHTTPClient(httpbatch.FormatSplunk, *sec.Splunk, sink.Pipeline)
		return c, err == nil, err
	case sec.Elasticsearch != nil:
		c, err := newHTTPClient(httpbatch.FormatElasticsearch, *sec.Elasticsearch, sink.Pipeline)
		return c, err == nil, err
	default:
		return nil, false, fmt.Errorf("secondary backend configured with no kafka/loki/splunk/elasticsearch section")
	}
}

func newKafkaClient(cfg types.KafkaBackendConfig, p types.PipelineConfig) (*kafka.Client, error) {
	return kafka.New(kafka.Config{
		Brokers:       cfg.Brokers,
		Topic:         cfg.Topic,
		RequiredAcks:  kafkaAcks(cfg.RequiredAcks),
		Compression:   cfg.Compression,
		MaxBatchBytes: p.MaxBatchBytes,
		MaxSpan:       0,
		SASL:          cfg.SASL,
		SASLUser:      cfg.SASLUser,
		SASLPass:      cfg.SASLPass,
		SASLAlgo:      cfg.SASLAlgo,
		TLS:           cfg.TLS,
	})
}

func newHTTPClient(format httpbatch.Format, cfg types.HTTPBackendConfig, p types.PipelineConfig) (*httpbatch.Client, error) {
	return httpbatch.New(httpbatch.Config{
		Format:         format,
		URL:            cfg.URL,
		Compression:    httpbatch.Compression(cfg.Compression),
		Headers:        cfg.Headers,
		BasicUser:      cfg.BasicUser,
		BasicPass:      cfg.BasicPass,
		BearerTok:      cfg.BearerToken,
		MaxBatchBytes:  p.MaxBatchBytes,
		MaxSpan:        0,
		Timeout:        cfg.Timeout,
		CombineRecords: p.CombineRecords,
		TenantID:       cfg.TenantID,
		Index:          cfg.Index,
		Source:         cfg.Source,
		SourceType:     cfg.SourceType,
	})
}

// kafkaAcks maps the YAML integer (0, 1, -1) to sarama's RequiredAcks type.
func kafkaAcks(v int) sarama.RequiredAcks { return sarama.RequiredAcks(v) }
