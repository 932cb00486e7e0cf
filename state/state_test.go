package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.mbox")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMemoryTracker(t *testing.T) {
	m := NewMemoryTracker("run-1")
	assert.False(t, m.AlreadyProcessed(""))
	require.NoError(t, m.MarkProcessed(Record{}))
	require.NoError(t, m.MarkProcessed(Record{Hash: "h1", Source: "a.mbox"}))

	assert.True(t, m.AlreadyProcessed("h1"))
	rec, ok := m.Lookup("h1")
	require.True(t, ok)
	assert.Equal(t, "run-1", rec.RunID)
	assert.False(t, rec.ConvertedAt.IsZero())
	assert.Equal(t, Snapshot{Processed: 1, RunID: "run-1"}, m.Snapshot())
}

func TestBoltTrackerPersistsAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	first, err := NewBoltTracker(dir, "run-1", true)
	require.NoError(t, err)
	require.NoError(t, first.MarkProcessed(Record{Hash: "h1", Source: "a.mbox", Messages: 3, Batches: 1}))
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, err := NewBoltTracker(dir, "run-2", true)
	require.NoError(t, err)
	defer second.Close()

	assert.True(t, second.AlreadyProcessed("h1"))
	assert.False(t, second.AlreadyProcessed("h2"))
	rec, ok := second.Lookup("h1")
	require.True(t, ok)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, 3, rec.Messages)
	assert.Equal(t, "run-2", second.Snapshot().RunID)
}

func TestBoltTrackerReadOnly(t *testing.T) {
	dir := t.TempDir()

	empty, err := NewBoltTracker(filepath.Join(dir, "none"), "dry", false)
	require.NoError(t, err)
	require.NoError(t, empty.MarkProcessed(Record{Hash: "h9"}))
	assert.True(t, empty.AlreadyProcessed("h9"))
	_, err = os.Stat(filepath.Join(dir, "none"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	rw, err := NewBoltTracker(dir, "run-1", true)
	require.NoError(t, err)
	require.NoError(t, rw.MarkProcessed(Record{Hash: "h1"}))
	require.NoError(t, rw.Close())

	ro, err := NewBoltTracker(dir, "dry", false)
	require.NoError(t, err)
	assert.True(t, ro.AlreadyProcessed("h1"))
	require.NoError(t, ro.MarkProcessed(Record{Hash: "h2"}))
	require.NoError(t, ro.Close())

	again, err := NewBoltTracker(dir, "run-3", true)
	require.NoError(t, err)
	defer again.Close()
	assert.False(t, again.AlreadyProcessed("h2"))
}

func TestNewBoltTrackerRequiresDir(t *testing.T) {
	_, err := NewBoltTracker(" ", "x", true)
	assert.Error(t, err)
}
