package config

import (
	"strings"
	"testing"

	"streamship/pkg/types"
)

func validConfig() *types.Config {
	config := &types.Config{
		Sinks: []types.SinkConfig{{
			Name:    "primary-loki",
			Backend: "loki",
			Loki:    &types.HTTPBackendConfig{URL: "http://loki:3100/loki/api/v1/push"},
		}},
	}
	applyDefaults(config)
	return config
}

func TestValidConfigPasses(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Fatalf("ValidateConfig() = %v, want nil", err)
	}
}

func TestValidateConfigRejectsNoSinks(t *testing.T) {
	config := &types.Config{}
	applyDefaults(config)
	err := ValidateConfig(config)
	if err == nil || !strings.Contains(err.Error(), "at least one sink") {
		t.Fatalf("ValidateConfig() = %v, want error about missing sinks", err)
	}
}

func TestValidateConfigRejectsDuplicateSinkNames(t *testing.T) {
	config := validConfig()
	config.Sinks = append(config.Sinks, types.SinkConfig{
		Name:    "primary-loki",
		Backend: "loki",
		Loki:    &types.HTTPBackendConfig{URL: "http://other:3100"},
	})
	applyDefaults(config)
	err := ValidateConfig(config)
	if err == nil || !strings.Contains(err.Error(), "duplicate sink name") {
		t.Fatalf("ValidateConfig() = %v, want error about duplicate sink name", err)
	}
}

func TestValidateConfigRejectsUnknownBackend(t *testing.T) {
	config := validConfig()
	config.Sinks[0].Backend = "carrier-pigeon"
	err := ValidateConfig(config)
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("ValidateConfig() = %v, want error about unknown backend", err)
	}
}

func TestValidateConfigRejectsMissingBackendSection(t *testing.T) {
	config := validConfig()
	config.Sinks[0].Loki = nil
	err := ValidateConfig(config)
	if err == nil || !strings.Contains(err.Error(), "loki.url") {
		t.Fatalf("ValidateConfig() = %v, want error about missing loki section", err)
	}
}

func TestValidateConfigRejectsKafkaWithoutBrokers(t *testing.T) {
	config := validConfig()
	config.Sinks[0].Backend = "kafka"
	config.Sinks[0].Loki = nil
	config.Sinks[0].Kafka = &types.KafkaBackendConfig{Topic: "logs"}
	err := ValidateConfig(config)
	if err == nil || !strings.Contains(err.Error(), "brokers") {
		t.Fatalf("ValidateConfig() = %v, want error about missing brokers", err)
	}
}

func TestValidateConfigRejectsInvalidUploadPriority(t *testing.T) {
	config := validConfig()
	config.Sinks[0].Pipeline.UploadPriority = "urgent"
	err := ValidateConfig(config)
	if err == nil || !strings.Contains(err.Error(), "upload_network_priority") {
		t.Fatalf("ValidateConfig() = %v, want error about upload priority", err)
	}
}

func TestValidateConfigRejectsInvalidSecondaryQueueType(t *testing.T) {
	config := validConfig()
	config.Sinks[0].Pipeline.SecondaryQueue = "database"
	err := ValidateConfig(config)
	if err == nil || !strings.Contains(err.Error(), "secondary_queue_type") {
		t.Fatalf("ValidateConfig() = %v, want error about secondary queue type", err)
	}
}

func TestValidateConfigRejectsFileSourceWithoutDirectories(t *testing.T) {
	config := validConfig()
	config.Sources.Files = []types.FileSourceConfig{{Name: "app-logs"}}
	err := ValidateConfig(config)
	if err == nil || !strings.Contains(err.Error(), "directory is required") {
		t.Fatalf("ValidateConfig() = %v, want error about missing directories", err)
	}
}
