package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLogEntryJSONRoundTrip(t *testing.T) {
	entry := &LogEntry{
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Message:    "connection reset by peer",
		Level:      "error",
		SourceType: "file",
		SourceID:   "/var/log/app.log",
		Labels:     map[string]string{"file": "/var/log/app.log"},
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got LogEntry
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !got.Timestamp.Equal(entry.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, entry.Timestamp)
	}
	if got.Message != entry.Message || got.Level != entry.Level {
		t.Errorf("message/level = %q/%q, want %q/%q", got.Message, got.Level, entry.Message, entry.Level)
	}
	if got.SourceType != entry.SourceType || got.SourceID != entry.SourceID {
		t.Errorf("source = %q/%q, want %q/%q", got.SourceType, got.SourceID, entry.SourceType, entry.SourceID)
	}
	if got.Labels["file"] != entry.Labels["file"] {
		t.Errorf("labels[file] = %q, want %q", got.Labels["file"], entry.Labels["file"])
	}
}

func TestLogEntryOmitsEmptyLevelAndLabels(t *testing.T) {
	entry := &LogEntry{
		Timestamp:  time.Now(),
		Message:    "hello",
		SourceType: "docker",
		SourceID:   "abc123",
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &asMap); err != nil {
		t.Fatalf("unmarshal to map: %v", err)
	}
	if _, ok := asMap["level"]; ok {
		t.Error("expected empty level to be omitted")
	}
	if _, ok := asMap["labels"]; ok {
		t.Error("expected nil labels to be omitted")
	}
}
