package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadSnapshotRoundTrip(t *testing.T) {
	c := NewShardedCache(Config{MaxEntries: 100})
	defer c.Close()

	key := NewKey("www.example.com", 1, 1)
	c.Set(key.Hash(), &Entry{
		Data:      []byte("hello"),
		ExpiresAt: time.Now().Add(time.Hour),
		QName:     key.Name,
		QType:     key.Type,
		QClass:    key.Class,
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.bin")
	require.NoError(t, SaveSnapshot(path, c))

	loadedInto := NewShardedCache(Config{MaxEntries: 100})
	defer loadedInto.Close()

	n, err := LoadSnapshot(path, loadedInto, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, ok := loadedInto.Get(key.Hash())
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), entry.Data)
}

func TestLoadSnapshotSkipsExpiredEntries(t *testing.T) {
	c := NewShardedCache(Config{MaxEntries: 100})
	defer c.Close()

	key := NewKey("expired.example.com", 1, 1)
	c.Set(key.Hash(), &Entry{
		Data:      []byte("stale"),
		ExpiresAt: time.Now().Add(-time.Hour),
		QName:     key.Name,
		QType:     key.Type,
		QClass:    key.Class,
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.bin")
	require.NoError(t, SaveSnapshot(path, c))

	loadedInto := NewShardedCache(Config{MaxEntries: 100})
	defer loadedInto.Close()

	n, err := LoadSnapshot(path, loadedInto, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLoadSnapshotMissingFileIsNotAnError(t *testing.T) {
	c := NewShardedCache(Config{MaxEntries: 100})
	defer c.Close()

	n, err := LoadSnapshot(filepath.Join(t.TempDir(), "missing.bin"), c, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLoadLegacyJSONSnapshot(t *testing.T) {
	records := []legacyJSONRecord{
		{
			Name:      "legacy.example.com.",
			Type:      1,
			Class:     1,
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
			Data:      []byte("legacy-data"),
		},
	}
	data, err := json.Marshal(records)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	c := NewShardedCache(Config{MaxEntries: 100})
	defer c.Close()

	n, err := LoadSnapshot(path, c, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	key := NewKey("legacy.example.com.", 1, 1)
	entry, ok := c.Get(key.Hash())
	require.True(t, ok)
	assert.Equal(t, []byte("legacy-data"), entry.Data)
}
