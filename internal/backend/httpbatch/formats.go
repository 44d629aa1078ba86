package httpbatch

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"streamship/internal/core/envelope"
	"streamship/pkg/types"
)

// encodeRecord renders one record the way encodeBatch would inside a
// one-item batch; used by Client.SizeOf so sizing never drifts from the
// actual wire encoding.
func encodeRecord(f Format, entry *types.LogEntry) ([]byte, error) {
	switch f {
	case FormatElasticsearch:
		return json.Marshal(esSource(entry))
	case FormatSplunk:
		return json.Marshal(splunkEvent{Event: entry, Time: float64(entry.Timestamp.UnixNano()) / 1e9})
	default: // Loki
		return json.Marshal([2]string{strconv.FormatInt(entry.Timestamp.UnixNano(), 10), entry.Message})
	}
}

// encodeBatch builds the full wire body for b per format, returning the
// per-record encoded length in batch order so a later bulk-response parse
// can map failed item indices back onto this batch's envelope indices.
func encodeBatch(cfg Config, b envelope.Batch[*types.LogEntry]) ([]byte, []int, error) {
	switch cfg.Format {
	case FormatElasticsearch:
		return encodeElasticsearchBulk(cfg, b)
	case FormatSplunk:
		return encodeSplunkHEC(b)
	default:
		return encodeLokiPush(cfg, b)
	}
}

// --- Loki: one push request with a single stream of [ts, line] pairs,
// grouped by the static label set. Grounded in loki_sink.go's
// `{streams: [{stream: labels, values: [[ts, line], ...]}]}` shape.

type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string        `json:"values"`
}

func encodeLokiPush(cfg Config, b envelope.Batch[*types.LogEntry]) ([]byte, []int, error) {
	values := make([][2]string, 0, len(b.Items))
	lens := make([]int, len(b.Items))
	for i, e := range b.Items {
		values = append(values, [2]string{strconv.FormatInt(e.Timestamp.UnixNano(), 10), e.Payload.Message})
		lens[i] = len(e.Payload.Message)
	}
	req := lokiPushRequest{Streams: []lokiStream{{Stream: map[string]string{"source_type": "streamship"}, Values: values}}}
	data, err := json.Marshal(req)
	return data, lens, err
}

// --- Splunk HEC: newline-delimited JSON events, one per record. Grounded
// in splunk_sink.go's HEC event envelope.

type splunkEvent struct {
	Event      *types.LogEntry `json:"event"`
	Time       float64          `json:"time"`
	Index      string           `json:"index,omitempty"`
	Source     string           `json:"source,omitempty"`
	SourceType string           `json:"sourcetype,omitempty"`
}

func encodeSplunkHEC(b envelope.Batch[*types.LogEntry]) ([]byte, []int, error) {
	var buf bytes.Buffer
	lens := make([]int, len(b.Items))
	for i, e := range b.Items {
		ev := splunkEvent{Event: e.Payload, Time: float64(e.Timestamp.UnixNano()) / 1e9}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, nil, err
		}
		buf.Write(data)
		buf.WriteByte('\n')
		lens[i] = len(data)
	}
	return buf.Bytes(), lens, nil
}

// --- Elasticsearch: the bulk API's action-then-source NDJSON pairs.
// Grounded in elasticsearch_sink.go's bulk request builder.

type esSourceDoc struct {
	Timestamp time.Time         `json:"@timestamp"`
	Message   string            `json:"message"`
	Level     string            `json:"level"`
	Labels    map[string]string `json:"labels,omitempty"`
}

func esSource(e *types.LogEntry) esSourceDoc {
	return esSourceDoc{Timestamp: e.Timestamp, Message: e.Message, Level: e.Level, Labels: e.Labels}
}

func encodeElasticsearchBulk(cfg Config, b envelope.Batch[*types.LogEntry]) ([]byte, []int, error) {
	var buf bytes.Buffer
	lens := make([]int, len(b.Items))
	for i, e := range b.Items {
		action := map[string]any{"index": map[string]any{"_index": cfg.Index}}
		actionLine, err := json.Marshal(action)
		if err != nil {
			return nil, nil, err
		}
		sourceLine, err := json.Marshal(esSource(e.Payload))
		if err != nil {
			return nil, nil, err
		}
		buf.Write(actionLine)
		buf.WriteByte('\n')
		buf.Write(sourceLine)
		buf.WriteByte('\n')
		lens[i] = len(sourceLine)
	}
	return buf.Bytes(), lens, nil
}

// bulkResponse mirrors the subset of Elasticsearch's bulk response this
// backend needs: whether any item errored, and which.
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Index struct {
			Status int `json:"status"`
		} `json:"index"`
	} `json:"items"`
}

// parseBulkResponse reports whether the bulk response signals any item
// error, and which batch indices failed.
func parseBulkResponse(body []byte) (failedIndices []int, hasErrors bool) {
	var br bulkResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, false
	}
	if !br.Errors {
		return nil, false
	}
	for i, item := range br.Items {
		if item.Index.Status >= 300 {
			failedIndices = append(failedIndices, i)
		}
	}
	return failedIndices, true
}
