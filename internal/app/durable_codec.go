package app

import (
	"encoding/json"
	"time"

	"streamship/internal/core/envelope"
	"streamship/pkg/types"
)

// durableBatch is the on-disk JSON shape for one envelope.Batch[*types.LogEntry],
// matching queue.EncodeFunc/DecodeFunc's payload-agnostic contract: the
// queue package never looks inside T, so this encoding lives at the call
// site that knows T is *types.LogEntry.
type durableBatch struct {
	Items    []durableEnvelope `json:"items"`
	ByteSize int64             `json:"byte_size"`
}

type durableEnvelope struct {
	Payload     *types.LogEntry `json:"payload"`
	Timestamp   int64           `json:"timestamp_unix_nano"`
	BookmarkKey string          `json:"bookmark_key"`
	Position    int64           `json:"position"`
	Attempt     int             `json:"attempt"`
}

func encodeLogBatch(b envelope.Batch[*types.LogEntry]) ([]byte, error) {
	db := durableBatch{ByteSize: b.ByteSize}
	for _, e := range b.Items {
		db.Items = append(db.Items, durableEnvelope{
			Payload:     e.Payload,
			Timestamp:   e.Timestamp.UnixNano(),
			BookmarkKey: e.BookmarkKey,
			Position:    e.Position,
			Attempt:     e.Attempt,
		})
	}
	return json.Marshal(db)
}

func decodeLogBatch(data []byte) (envelope.Batch[*types.LogEntry], error) {
	var db durableBatch
	if err := json.Unmarshal(data, &db); err != nil {
		return envelope.Batch[*types.LogEntry]{}, err
	}
	b := envelope.Batch[*types.LogEntry]{ByteSize: db.ByteSize}
	for _, de := range db.Items {
		b.Items = append(b.Items, envelope.Envelope[*types.LogEntry]{
			Payload:     de.Payload,
			Timestamp:   time.Unix(0, de.Timestamp),
			BookmarkKey: de.BookmarkKey,
			Position:    de.Position,
			Attempt:     de.Attempt,
		})
	}
	return b, nil
}
