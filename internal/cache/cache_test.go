package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymind/querymind/internal/metadata"
)

func testSnapshot() *metadata.Snapshot {
	comment := "customer accounts"
	return &metadata.Snapshot{
		DatabaseName: "shop",
		ExtractedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		TotalTables:  1,
		Tables: map[string]*metadata.TableMeta{
			"users": {
				TableType:   "BASE TABLE",
				Comment:     &comment,
				RowCount:    10,
				TableSize:   "16 kB",
				Columns:     []metadata.ColumnMeta{{Name: "id", DataType: "integer", Ordinal: 1}},
				PrimaryKeys: []string{"id"},
				ForeignKeys: []metadata.ForeignKeyMeta{},
				Indexes:     []metadata.IndexMeta{},
				SampleData:  []map[string]any{{"id": float64(1)}},
			},
		},
		Views:         map[string]*metadata.ViewMeta{},
		Relationships: map[string][]metadata.RelationshipEdge{},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "metadata_cache.json"))
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	snap := testSnapshot()

	require.NoError(t, s.Put(snap))

	got, ok := s.Get()
	require.True(t, ok)
	assert.Equal(t, snap, got, "a snapshot must round-trip through the cache unchanged")
}

func TestGetMissWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Get()
	assert.False(t, ok)
}

func TestGetMissAfterTTL(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(testSnapshot()))

	s.now = func() time.Time { return time.Now().Add(TTL + time.Minute) }
	_, ok := s.Get()
	assert.False(t, ok, "entry older than the TTL is a miss")
}

func TestGetFreshJustInsideTTL(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(testSnapshot()))

	s.now = func() time.Time { return time.Now().Add(TTL - time.Minute) }
	_, ok := s.Get()
	assert.True(t, ok)
}

func TestClearThenGetIsMiss(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(testSnapshot()))
	require.NoError(t, s.Clear())

	_, ok := s.Get()
	assert.False(t, ok)

	// clearing twice is fine
	assert.NoError(t, s.Clear())
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)

	first := testSnapshot()
	require.NoError(t, s.Put(first))

	second := testSnapshot()
	second.DatabaseName = "warehouse"
	require.NoError(t, s.Put(second))

	got, ok := s.Get()
	require.True(t, ok)
	assert.Equal(t, "warehouse", got.DatabaseName)
}

func TestCorruptFileIsMiss(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.path, []byte("not json{"), 0o644))

	_, ok := s.Get()
	assert.False(t, ok, "corruption is a miss, never an error")
}

func TestVersionMismatchIsMiss(t *testing.T) {
	s := newTestStore(t)

	data, err := json.Marshal(entry{
		Version:  entryVersion + 1,
		CachedAt: time.Now(),
		Snapshot: testSnapshot(),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path, data, 0o644))

	_, ok := s.Get()
	assert.False(t, ok)
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(testSnapshot()))

	entries, err := os.ReadDir(filepath.Dir(s.path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the renamed cache file remains")
	assert.Equal(t, filepath.Base(s.path), entries[0].Name())
}
