package bookmark

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"streamship/internal/core/envelope"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestCommitIsMonotonic(t *testing.T) {
	c, err := NewCoordinator(t.TempDir(), time.Hour, testLogger())
	require.NoError(t, err)

	committed, advanced := c.Commit("k1", 5)
	assert.True(t, advanced)
	assert.EqualValues(t, 5, committed)

	committed, advanced = c.Commit("k1", 3)
	assert.False(t, advanced, "lower position must not regress the commit")
	assert.EqualValues(t, 5, committed)

	committed, advanced = c.Commit("k1", 5)
	assert.False(t, advanced, "duplicate ack at the same position must not re-advance")
	assert.EqualValues(t, 5, committed)

	committed, advanced = c.Commit("k1", 9)
	assert.True(t, advanced)
	assert.EqualValues(t, 9, committed)
}

func TestCommitBatchGroupsByKey(t *testing.T) {
	c, err := NewCoordinator(t.TempDir(), time.Hour, testLogger())
	require.NoError(t, err)

	b := envelope.Batch[string]{Items: []envelope.Envelope[string]{
		{Payload: "a", BookmarkKey: "k1", Position: 1},
		{Payload: "b", BookmarkKey: "k1", Position: 3},
		{Payload: "c", BookmarkKey: "k2", Position: 9},
	}}
	CommitBatch(c, b)

	assert.EqualValues(t, 3, c.InitialPosition("k1"))
	assert.EqualValues(t, 9, c.InitialPosition("k2"))
}

func TestSyncAllPersistsAndSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCoordinator(dir, time.Hour, testLogger())
	require.NoError(t, err)

	c.Commit("k1", 100)
	c.SyncAll()

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	var pr persistedRecord
	require.NoError(t, json.Unmarshal(data, &pr))
	assert.Equal(t, "k1", pr.SourceKey)
	assert.EqualValues(t, 100, pr.Position)

	reopened, err := NewCoordinator(dir, time.Hour, testLogger())
	require.NoError(t, err)
	assert.EqualValues(t, 100, reopened.InitialPosition("k1"))
}

func TestMissingSourceDefaultsToZero(t *testing.T) {
	c, err := NewCoordinator(t.TempDir(), time.Hour, testLogger())
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.InitialPosition("never-seen"))
}

func TestBookmarkMonotonicityAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCoordinator(dir, time.Hour, testLogger())
	require.NoError(t, err)
	c.Commit("k1", 100)
	c.SyncAll()
	// simulate crash: no Stop() call, process just ends here

	restarted, err := NewCoordinator(dir, time.Hour, testLogger())
	require.NoError(t, err)
	loaded := restarted.InitialPosition("k1")
	assert.LessOrEqual(t, loaded, int64(100))

	_, advanced := restarted.Commit("k1", loaded-1)
	if loaded > 0 {
		assert.False(t, advanced, "restart must not accept a commit below the loaded position")
	}
	committed, advanced := restarted.Commit("k1", 150)
	assert.True(t, advanced)
	assert.EqualValues(t, 150, committed)
}

func TestStartStopFlushesDirtyRecords(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCoordinator(dir, 10*time.Millisecond, testLogger())
	require.NoError(t, err)
	c.Start()
	c.Commit("k1", 7)
	c.Stop()

	reopened, err := NewCoordinator(dir, time.Hour, testLogger())
	require.NoError(t, err)
	assert.EqualValues(t, 7, reopened.InitialPosition("k1"))
}

func TestGateSkipsUnbookmarkableSourceAfterFirstBatch(t *testing.T) {
	var g Gate

	noBookmarks := envelope.Batch[string]{Items: []envelope.Envelope[string]{
		{Payload: "a"}, {Payload: "b"},
	}}
	pos := Positions(&g, noBookmarks)
	assert.Nil(t, pos)
	assert.True(t, g.checked)
	assert.False(t, g.bookmarkable)

	// Even if a later batch somehow carries a key, the gate already
	// committed to "not bookmarkable" for this dispatcher's lifetime.
	withBookmark := envelope.Batch[string]{Items: []envelope.Envelope[string]{
		{Payload: "c", BookmarkKey: "k1", Position: 1},
	}}
	pos = Positions(&g, withBookmark)
	assert.Nil(t, pos)
}

func TestGateTracksBookmarkableSource(t *testing.T) {
	var g Gate
	b := envelope.Batch[string]{Items: []envelope.Envelope[string]{
		{Payload: "a", BookmarkKey: "k1", Position: 5},
	}}
	pos := Positions(&g, b)
	require.NotNil(t, pos)
	assert.EqualValues(t, 5, pos["k1"])
}
