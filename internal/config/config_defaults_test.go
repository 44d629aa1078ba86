package config

import (
	"testing"
	"time"

	"streamship/pkg/types"
)

func TestApplyDefaultsFillsAmbientSettings(t *testing.T) {
	config := &types.Config{}
	applyDefaults(config)

	if config.App.Name != "streamship" {
		t.Errorf("App.Name = %q, want streamship", config.App.Name)
	}
	if config.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", config.Logging.Level)
	}
	if config.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", config.Logging.Format)
	}
	if config.Admin.Addr != ":9090" {
		t.Errorf("Admin.Addr = %q, want :9090", config.Admin.Addr)
	}
	if config.Bookmarks.Directory == "" {
		t.Error("Bookmarks.Directory should default to a non-empty path")
	}
	if config.Bookmarks.SyncInterval != 5*time.Second {
		t.Errorf("Bookmarks.SyncInterval = %v, want 5s", config.Bookmarks.SyncInterval)
	}
}

func TestApplyDefaultsDoesNotOverrideExplicitValues(t *testing.T) {
	config := &types.Config{
		App: types.AppConfig{Name: "custom"},
		Logging: types.LoggingConfig{
			Level:  "debug",
			Format: "text",
		},
	}
	applyDefaults(config)

	if config.App.Name != "custom" {
		t.Errorf("App.Name = %q, want custom (not overridden)", config.App.Name)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug (not overridden)", config.Logging.Level)
	}
}

func TestApplyPipelineDefaultsFillsAllFields(t *testing.T) {
	config := &types.Config{
		Sinks: []types.SinkConfig{{Name: "s1", Backend: "loki"}},
	}
	applyDefaults(config)

	p := config.Sinks[0].Pipeline
	if p.BufferInterval != 5*time.Second {
		t.Errorf("BufferInterval = %v, want 5s", p.BufferInterval)
	}
	if p.MaxBatchSize != 500 {
		t.Errorf("MaxBatchSize = %d, want 500", p.MaxBatchSize)
	}
	if p.MaxBatchBytes != 4*1024*1024 {
		t.Errorf("MaxBatchBytes = %d, want 4MiB", p.MaxBatchBytes)
	}
	if p.QueueSizeItems != 10000 {
		t.Errorf("QueueSizeItems = %d, want 10000", p.QueueSizeItems)
	}
	if p.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p.UploadPriority != "normal" {
		t.Errorf("UploadPriority = %q, want normal", p.UploadPriority)
	}
	if p.GraceDeadline != 30*time.Second {
		t.Errorf("GraceDeadline = %v, want 30s", p.GraceDeadline)
	}
}

func TestApplyPipelineDefaultsRespectsExplicitValues(t *testing.T) {
	config := &types.Config{
		Sinks: []types.SinkConfig{{
			Name:    "s1",
			Backend: "loki",
			Pipeline: types.PipelineConfig{
				MaxBatchSize: 42,
			},
		}},
	}
	applyDefaults(config)

	if config.Sinks[0].Pipeline.MaxBatchSize != 42 {
		t.Errorf("MaxBatchSize = %d, want 42 (explicit value preserved)", config.Sinks[0].Pipeline.MaxBatchSize)
	}
	if config.Sinks[0].Pipeline.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5 (default still applied)", config.Sinks[0].Pipeline.MaxAttempts)
	}
}

func TestGetEnvString(t *testing.T) {
	t.Setenv("SSW_TEST_STRING", "")
	if got := getEnvString("SSW_TEST_STRING", "fallback"); got != "fallback" {
		t.Errorf("getEnvString empty = %q, want fallback", got)
	}
	t.Setenv("SSW_TEST_STRING", "override")
	if got := getEnvString("SSW_TEST_STRING", "fallback"); got != "override" {
		t.Errorf("getEnvString set = %q, want override", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("SSW_TEST_BOOL", "true")
	if got := getEnvBool("SSW_TEST_BOOL", false); got != true {
		t.Errorf("getEnvBool = %v, want true", got)
	}
	t.Setenv("SSW_TEST_BOOL", "not-a-bool")
	if got := getEnvBool("SSW_TEST_BOOL", false); got != false {
		t.Errorf("getEnvBool invalid = %v, want fallback false", got)
	}
}
