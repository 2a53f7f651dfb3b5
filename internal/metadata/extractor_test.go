package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	snap     *Snapshot
	putCalls int
	cleared  bool
}

func (f *fakeCache) Get() (*Snapshot, bool) {
	if f.snap == nil {
		return nil, false
	}
	return f.snap, true
}

func (f *fakeCache) Put(s *Snapshot) error {
	f.putCalls++
	f.snap = s
	return nil
}

func (f *fakeCache) Clear() error {
	f.cleared = true
	f.snap = nil
	return nil
}

// countingDial fails every connection attempt but records how often the
// extractor tried to reach the database.
func countingDial(calls *int) func(context.Context, string) (*pgx.Conn, error) {
	return func(context.Context, string) (*pgx.Conn, error) {
		*calls++
		return nil, errors.New("dial refused")
	}
}

func newTestExtractor(c Cache, calls *int) *Extractor {
	e := NewExtractor("postgres://localhost/ignored", "testdb", c, time.Second)
	e.dial = countingDial(calls)
	return e
}

func TestExtractCacheHitSkipsIntrospection(t *testing.T) {
	cached := sampleSnapshot()
	fc := &fakeCache{snap: cached}
	var dials int
	e := newTestExtractor(fc, &dials)

	snap, err := e.Extract(context.Background(), ExtractOptions{UseCache: true})
	require.NoError(t, err)
	assert.Same(t, cached, snap, "cache hit returns the cached snapshot unchanged")
	assert.Zero(t, dials, "no connection may be opened on a cache hit")

	// Calling again right away still serves the cache.
	_, err = e.Extract(context.Background(), ExtractOptions{UseCache: true})
	require.NoError(t, err)
	assert.Zero(t, dials)
}

func TestExtractCacheHitIgnoresInclusionFlags(t *testing.T) {
	// Snapshot cached without samples or statistics.
	cached := sampleSnapshot()
	for _, tbl := range cached.Tables {
		tbl.SampleData = nil
		tbl.ColumnStatistics = nil
	}
	fc := &fakeCache{snap: cached}
	var dials int
	e := newTestExtractor(fc, &dials)

	snap, err := e.Extract(context.Background(), ExtractOptions{
		IncludeSamples:    true,
		SampleRows:        5,
		IncludeStatistics: true,
		UseCache:          true,
	})
	require.NoError(t, err)
	assert.Same(t, cached, snap,
		"documented limitation: a cached snapshot does not retroactively gain samples or statistics")
	assert.Zero(t, dials)
}

func TestExtractConnectionFailure(t *testing.T) {
	var dials int
	e := newTestExtractor(&fakeCache{}, &dials)

	snap, err := e.Extract(context.Background(), ExtractOptions{UseCache: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect, "connection failure must be distinguishable from an empty schema")

	// The snapshot itself is the trivial empty one.
	require.NotNil(t, snap)
	assert.Equal(t, "testdb", snap.DatabaseName)
	assert.Empty(t, snap.Tables)
	assert.Empty(t, snap.Views)
	assert.Empty(t, snap.Relationships)
	assert.Zero(t, snap.TotalTables)
	assert.Zero(t, snap.TotalViews)
	assert.Equal(t, 1, dials)
}

func TestExtractNoCacheAlwaysDials(t *testing.T) {
	fc := &fakeCache{snap: sampleSnapshot()}
	var dials int
	e := newTestExtractor(fc, &dials)

	_, err := e.Extract(context.Background(), ExtractOptions{UseCache: false})
	require.Error(t, err)
	assert.Equal(t, 1, dials, "UseCache=false must bypass the cache")
	assert.Zero(t, fc.putCalls)
}

func TestExtractNilCache(t *testing.T) {
	var dials int
	e := NewExtractor("postgres://localhost/ignored", "testdb", nil, time.Second)
	e.dial = countingDial(&dials)

	_, err := e.Extract(context.Background(), ExtractOptions{UseCache: true})
	assert.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, 1, dials)

	assert.NoError(t, e.ClearCache())
}

func TestClearCache(t *testing.T) {
	fc := &fakeCache{snap: sampleSnapshot()}
	e := NewExtractor("postgres://localhost/ignored", "testdb", fc, time.Second)

	require.NoError(t, e.ClearCache())
	assert.True(t, fc.cleared)
	_, ok := fc.Get()
	assert.False(t, ok)
}

func TestEmptyTableSkipsStatsAndSamples(t *testing.T) {
	full := ExtractOptions{IncludeSamples: true, SampleRows: 3, IncludeStatistics: true}

	tests := []struct {
		name        string
		opts        ExtractOptions
		rowCount    int64
		wantStats   bool
		wantSamples bool
	}{
		{"empty table skips both", full, 0, false, false},
		{"populated table gets both", full, 42, true, true},
		{"zero sample limit skips samples only",
			ExtractOptions{IncludeSamples: true, IncludeStatistics: true}, 42, true, false},
		{"flags off", ExtractOptions{SampleRows: 3}, 42, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStats, wantStatistics(tt.opts, tt.rowCount))
			assert.Equal(t, tt.wantSamples, wantSamples(tt.opts, tt.rowCount))
		})
	}
}

func TestWithTimeoutPreservesShorterParentDeadline(t *testing.T) {
	e := NewExtractor("", "db", nil, time.Hour)

	parent, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ctx, cancel2 := e.withTimeout(parent)
	defer cancel2()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, 50*time.Millisecond)
}
