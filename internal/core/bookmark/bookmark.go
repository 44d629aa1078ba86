// Package bookmark implements the bookmark coordinator (C5): one
// monotonically non-decreasing committed position per source key, shared
// process-wide across every sink, persisted one file per key on a periodic
// sync and on orderly shutdown. Grounded in the teacher's
// pkg/positions/file_positions.go (atomic tmp-file-then-rename JSON
// persistence, dirty-flag debounce) and pkg/positions/checkpoint_manager.go
// (periodic ticker loop, startup load, graceful-stop final flush).
package bookmark

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"streamship/internal/core/envelope"

	"github.com/sirupsen/logrus"
)

// record is the unit of committed state for one source key.
type record struct {
	mu        sync.Mutex
	highest   int64
	dirty     bool
	persisted bool
}

// Coordinator is the process-wide bookmark manager. It is safe for
// concurrent use by many dispatchers across many sinks; each source key
// serializes on its own record rather than on a single coordinator-wide lock,
// matching the spec's "serializes per-key access internally" requirement.
type Coordinator struct {
	dir    string
	logger *logrus.Logger

	mu      sync.RWMutex
	records map[string]*record

	syncInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// persistedRecord is the on-disk shape of one bookmark file. The source key
// is stored inside the file (not just implied by the filename) so Load can
// recover it even though the filename is a sanitized encoding of the key.
type persistedRecord struct {
	SourceKey string `json:"source_key"`
	Position  int64  `json:"position"`
}

// NewCoordinator constructs a Coordinator rooted at dir and loads any
// bookmark files left over from a previous run. syncInterval of zero
// defaults to one second, matching spec §4.4's "default ~once per second".
func NewCoordinator(dir string, syncInterval time.Duration, logger *logrus.Logger) (*Coordinator, error) {
	if syncInterval <= 0 {
		syncInterval = time.Second
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bookmark: create dir %s: %w", dir, err)
	}

	c := &Coordinator{
		dir:          dir,
		logger:       logger,
		records:      make(map[string]*record),
		syncInterval: syncInterval,
		stopCh:       make(chan struct{}),
	}
	if err := c.loadAll(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) filename(sourceKey string) string {
	// Source keys are opaque strings that may contain path separators
	// (e.g. absolute file paths); hex-encode to keep one key to one file
	// without any risk of traversal or collision.
	return filepath.Join(c.dir, fmt.Sprintf("%x.json", []byte(sourceKey)))
}

func (c *Coordinator) loadAll() error {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("bookmark: scan dir: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			c.logger.WithError(err).WithField("file", m).Warn("bookmark: failed to read file during load")
			continue
		}
		var pr persistedRecord
		if err := json.Unmarshal(data, &pr); err != nil {
			c.logger.WithError(err).WithField("file", m).Warn("bookmark: failed to parse file during load, ignoring")
			continue
		}
		c.records[pr.SourceKey] = &record{highest: pr.Position, persisted: true}
	}
	if len(c.records) > 0 {
		c.logger.WithField("count", len(c.records)).Info("bookmark: loaded committed positions")
	}
	return nil
}

// InitialPosition returns the position a newly-registering source should
// resume from: the last committed value, or 0 if this source key has never
// been committed. Per spec §4.4, a missing file is treated as position 0 —
// deciding what "0" means for a given source is that source's concern.
func (c *Coordinator) InitialPosition(sourceKey string) int64 {
	c.mu.RLock()
	r, ok := c.records[sourceKey]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highest
}

func (c *Coordinator) recordFor(sourceKey string) *record {
	c.mu.RLock()
	r, ok := c.records[sourceKey]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.records[sourceKey]; ok {
		return r
	}
	r = &record{}
	c.records[sourceKey] = r
	return r
}

// Commit advances the committed position for sourceKey to position if and
// only if position is greater than the currently committed value — the
// monotonicity invariant the spec requires to survive both duplicate acks
// and crash/restart. It returns the resulting committed position and whether
// this call actually advanced it.
func (c *Coordinator) Commit(sourceKey string, position int64) (committed int64, advanced bool) {
	r := c.recordFor(sourceKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	if position > r.highest {
		r.highest = position
		r.dirty = true
		return r.highest, true
	}
	return r.highest, false
}

// CommitBatch groups a batch's envelopes by bookmark key (max position per
// key) and commits each, per spec §4.4's onBatchAcked contract.
func CommitBatch[T any](c *Coordinator, b envelope.Batch[T]) {
	for key, pos := range b.HighestPositions() {
		c.Commit(key, pos)
	}
}

// CommitBatchGated is CommitBatch routed through a per-dispatcher Gate: once
// g has seen one batch whose envelopes carry no bookmark key at all, it
// skips the grouping work on every subsequent batch from that dispatcher
// instead of re-scanning envelopes it already knows aren't bookmarkable.
func CommitBatchGated[T any](c *Coordinator, g *Gate, b envelope.Batch[T]) {
	for key, pos := range Positions(g, b) {
		c.Commit(key, pos)
	}
}

// persistOne flushes one dirty record to disk via the teacher's
// write-temp-then-rename pattern. Must not be called with the record's lock
// held by the caller beyond snapshotting under it.
func (c *Coordinator) persistOne(sourceKey string, r *record) error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	pos := r.highest
	r.mu.Unlock()

	data, err := json.Marshal(persistedRecord{SourceKey: sourceKey, Position: pos})
	if err != nil {
		return fmt.Errorf("bookmark: marshal %q: %w", sourceKey, err)
	}

	final := c.filename(sourceKey)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("bookmark: write temp file for %q: %w", sourceKey, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("bookmark: rename temp file for %q: %w", sourceKey, err)
	}

	r.mu.Lock()
	// Another commit may have landed between the snapshot above and here;
	// only clear dirty if nothing advanced past what we just persisted.
	if r.highest == pos {
		r.dirty = false
	}
	r.mu.Unlock()
	return nil
}

// SyncAll persists every dirty record. Called by the periodic sync loop and
// once more, synchronously, during Stop.
func (c *Coordinator) SyncAll() {
	c.mu.RLock()
	snapshot := make(map[string]*record, len(c.records))
	for k, r := range c.records {
		snapshot[k] = r
	}
	c.mu.RUnlock()

	for key, r := range snapshot {
		if err := c.persistOne(key, r); err != nil {
			c.logger.WithError(err).WithField("source_key", key).Warn("bookmark: failed to persist")
		}
	}
}

// Start begins the periodic sync loop in the background.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.SyncAll()
			}
		}
	}()
}

// Stop halts the periodic sync loop and performs one final synchronous
// flush, per spec §4.4's "persisted ... on graceful shutdown".
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.SyncAll()
}
