package metadata

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrConnect marks a total inability to reach the database. Callers can
// use errors.Is to tell it apart from a genuinely empty schema, which
// also yields a snapshot with zero tables and views.
var ErrConnect = errors.New("database connection failed")

// Cache persists the last aggregated snapshot. A Get miss means no
// entry, an expired entry, or one that failed to deserialize.
type Cache interface {
	Get() (*Snapshot, bool)
	Put(*Snapshot) error
	Clear() error
}

// ExtractOptions controls what an extraction includes.
//
// Known limitation, kept from the original behavior: on a cache hit the
// inclusion flags are ignored and the cached snapshot is returned as-is.
// A snapshot cached without samples will not retroactively gain them.
type ExtractOptions struct {
	IncludeSamples    bool
	SampleRows        int
	IncludeStatistics bool
	UseCache          bool
}

// Extractor aggregates the per-relation probes into one Snapshot. Each
// Extract call opens its own connection and releases it before
// returning; nothing is shared across calls except the cache.
type Extractor struct {
	connString   string
	dbName       string
	cache        Cache
	queryTimeout time.Duration

	// dial is swapped out in tests
	dial func(ctx context.Context, connString string) (*pgx.Conn, error)
}

// NewExtractor creates an extractor for one database. cache may be nil
// to disable caching entirely.
func NewExtractor(connString, dbName string, cache Cache, queryTimeout time.Duration) *Extractor {
	return &Extractor{
		connString:   connString,
		dbName:       dbName,
		cache:        cache,
		queryTimeout: queryTimeout,
		dial:         pgx.Connect,
	}
}

// withTimeout bounds a single introspection query. A parent deadline
// shorter than the query timeout is preserved.
func (e *Extractor) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) <= e.queryTimeout {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, e.queryTimeout)
}

// Extract produces a complete Snapshot of the schema.
//
// With UseCache, a fresh cached snapshot is returned unchanged and no
// introspection query is issued. On a miss the whole schema is probed,
// the result written through the cache, and returned. A connection
// failure returns the empty snapshot together with an error wrapping
// ErrConnect. Per-relation probe failures degrade to empty fields and
// are recorded in Snapshot.Warnings; they never abort the extraction.
func (e *Extractor) Extract(ctx context.Context, opts ExtractOptions) (*Snapshot, error) {
	if opts.UseCache && e.cache != nil {
		if snap, ok := e.cache.Get(); ok {
			log.Printf("[INFO] using cached metadata for %s (extracted %s)",
				snap.DatabaseName, snap.ExtractedAt.Format(time.RFC3339))
			return snap, nil
		}
	}

	dialCtx, cancel := e.withTimeout(ctx)
	conn, err := e.dial(dialCtx, e.connString)
	cancel()
	if err != nil {
		return emptySnapshot(e.dbName), fmt.Errorf("%w: %s", ErrConnect, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			log.Printf("[WARN] closing introspection connection: %v", err)
		}
	}()

	prober := NewProber(conn)
	snap := emptySnapshot(e.dbName)
	snap.ExtractedAt = time.Now()

	warn := func(relation, stage string, err error) {
		snap.Warnings = append(snap.Warnings, Warning{
			Relation: relation,
			Stage:    stage,
			Message:  err.Error(),
		})
		log.Printf("[WARN] %s/%s degraded: %v", relation, stage, err)
	}

	tables, err := e.probeTablesInfo(ctx, prober)
	if err != nil {
		return snap, err
	}
	views, err := e.probeViewsInfo(ctx, prober)
	if err != nil {
		return snap, err
	}

	relCtx, cancel := e.withTimeout(ctx)
	rels, err := prober.Relationships(relCtx)
	cancel()
	if err != nil {
		warn("", "relationships", err)
	} else {
		snap.Relationships = rels
	}

	for _, ti := range tables {
		snap.Tables[ti.Name] = e.probeTable(ctx, prober, ti, opts, warn)
	}
	for _, vi := range views {
		snap.Views[vi.Name] = e.probeView(ctx, prober, vi, opts, warn)
	}

	snap.TotalTables = len(snap.Tables)
	snap.TotalViews = len(snap.Views)

	if opts.UseCache && e.cache != nil {
		if err := e.cache.Put(snap); err != nil {
			// A stale cache is not worth failing a good extraction.
			log.Printf("[WARN] failed to cache metadata: %v", err)
		}
	}
	return snap, nil
}

func (e *Extractor) probeTablesInfo(ctx context.Context, p *Prober) ([]tableInfo, error) {
	qctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return p.TablesInfo(qctx)
}

func (e *Extractor) probeViewsInfo(ctx context.Context, p *Prober) ([]viewInfo, error) {
	qctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return p.ViewsInfo(qctx)
}

// probeTable assembles one TableMeta, degrading failed sub-steps to
// empty results. Statistics and samples are skipped outright when the
// row estimate is zero.
func (e *Extractor) probeTable(ctx context.Context, p *Prober, ti tableInfo, opts ExtractOptions, warn func(string, string, error)) *TableMeta {
	meta := &TableMeta{
		TableType:   ti.Type,
		Comment:     ti.Comment,
		PrimaryKeys: []string{},
		ForeignKeys: []ForeignKeyMeta{},
		Indexes:     []IndexMeta{},
	}

	step := func(stage string, fn func(context.Context) error) {
		qctx, cancel := e.withTimeout(ctx)
		defer cancel()
		if err := fn(qctx); err != nil {
			warn(ti.Name, stage, err)
		}
	}

	step("columns", func(qctx context.Context) error {
		cols, err := p.Columns(qctx, ti.Name)
		if err != nil {
			return err
		}
		meta.Columns = cols
		return nil
	})
	step("primary_keys", func(qctx context.Context) error {
		pks, err := p.PrimaryKeys(qctx, ti.Name)
		if err != nil {
			return err
		}
		if pks != nil {
			meta.PrimaryKeys = pks
		}
		return nil
	})
	step("foreign_keys", func(qctx context.Context) error {
		fks, err := p.ForeignKeys(qctx, ti.Name)
		if err != nil {
			return err
		}
		if fks != nil {
			meta.ForeignKeys = fks
		}
		return nil
	})
	step("indexes", func(qctx context.Context) error {
		idx, err := p.Indexes(qctx, ti.Name)
		if err != nil {
			return err
		}
		if idx != nil {
			meta.Indexes = idx
		}
		return nil
	})
	step("row_count", func(qctx context.Context) error {
		count, err := p.RowCount(qctx, ti.Name)
		meta.RowCount = count
		return err
	})
	step("table_size", func(qctx context.Context) error {
		size, err := p.TableSize(qctx, ti.Name)
		meta.TableSize = size
		return err
	})

	if wantStatistics(opts, meta.RowCount) {
		step("column_statistics", func(qctx context.Context) error {
			meta.ColumnStatistics = p.ColumnStatistics(qctx, ti.Name, meta.Columns)
			return nil
		})
	}
	if wantSamples(opts, meta.RowCount) {
		step("sample_data", func(qctx context.Context) error {
			samples, err := p.SampleRows(qctx, ti.Name, opts.SampleRows)
			if err != nil {
				return err
			}
			meta.SampleData = samples
			return nil
		})
	}
	return meta
}

// Empty tables short-circuit both statistics and samples: no point
// scanning zero rows, and the percentage math divides by the total.

func wantStatistics(opts ExtractOptions, rowCount int64) bool {
	return opts.IncludeStatistics && rowCount > 0
}

func wantSamples(opts ExtractOptions, rowCount int64) bool {
	return opts.IncludeSamples && opts.SampleRows > 0 && rowCount > 0
}

// probeView assembles one ViewMeta. Views never get statistics or
// foreign keys.
func (e *Extractor) probeView(ctx context.Context, p *Prober, vi viewInfo, opts ExtractOptions, warn func(string, string, error)) *ViewMeta {
	meta := &ViewMeta{
		ViewType: vi.Type,
		Comment:  vi.Comment,
	}
	if vi.Definition != nil {
		meta.Definition = *vi.Definition
	}

	qctx, cancel := e.withTimeout(ctx)
	cols, err := p.Columns(qctx, vi.Name)
	cancel()
	if err != nil {
		warn(vi.Name, "columns", err)
	} else {
		meta.Columns = cols
	}

	if opts.IncludeSamples && opts.SampleRows > 0 {
		qctx, cancel := e.withTimeout(ctx)
		samples, err := p.SampleRows(qctx, vi.Name, opts.SampleRows)
		cancel()
		if err != nil {
			warn(vi.Name, "sample_data", err)
		} else {
			meta.SampleData = samples
		}
	}
	return meta
}

// ClearCache removes the persisted snapshot, forcing the next cached
// extraction to probe the database.
func (e *Extractor) ClearCache() error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Clear()
}

func emptySnapshot(dbName string) *Snapshot {
	return &Snapshot{
		DatabaseName:  dbName,
		Tables:        map[string]*TableMeta{},
		Views:         map[string]*ViewMeta{},
		Relationships: map[string][]RelationshipEdge{},
	}
}
