package metadata

import (
	"context"
	"database/sql/driver"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
)

// Prober runs read-only introspection queries for a single relation
// against one live connection. All catalog lookups are side-effect-free;
// statistics and sample queries scan table data and are bounded by the
// caller's context deadline.
type Prober struct {
	conn *pgx.Conn
}

// NewProber wraps an open connection. The prober does not own the
// connection and never closes it.
func NewProber(conn *pgx.Conn) *Prober {
	return &Prober{conn: conn}
}

// quoteIdent quotes a schema-derived name so mixed-case and
// reserved-word identifiers survive interpolation into generated SQL.
func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// tableInfo is one row of the base table enumeration.
type tableInfo struct {
	Name    string
	Type    string
	Comment *string
}

// viewInfo is one row of the view enumeration.
type viewInfo struct {
	Name       string
	Type       string
	Comment    *string
	Definition *string
}

// TablesInfo enumerates base tables in the public schema with their
// comments. This query is fatal to the extraction when it fails.
func (p *Prober) TablesInfo(ctx context.Context) ([]tableInfo, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT
			t.table_name,
			t.table_type,
			pg_catalog.obj_description(pgc.oid, 'pg_class')
		FROM information_schema.tables t
		LEFT JOIN pg_catalog.pg_class pgc ON pgc.relname = t.table_name
		LEFT JOIN pg_catalog.pg_namespace pgn ON pgn.oid = pgc.relnamespace
			AND pgn.nspname = 'public'
		WHERE t.table_schema = 'public'
		  AND t.table_type = 'BASE TABLE'
		ORDER BY t.table_name`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []tableInfo
	for rows.Next() {
		var ti tableInfo
		if err := rows.Scan(&ti.Name, &ti.Type, &ti.Comment); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		tables = append(tables, ti)
	}
	return tables, rows.Err()
}

// ViewsInfo enumerates views and materialized views with their
// definitions. Materialized views live in pg_matviews, not
// information_schema, so the two sources are unioned.
func (p *Prober) ViewsInfo(ctx context.Context) ([]viewInfo, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT
			t.table_name,
			t.table_type,
			pg_catalog.obj_description(pgc.oid, 'pg_class'),
			pg_get_viewdef(pgc.oid, true)
		FROM information_schema.tables t
		LEFT JOIN pg_catalog.pg_class pgc ON pgc.relname = t.table_name
		LEFT JOIN pg_catalog.pg_namespace pgn ON pgn.oid = pgc.relnamespace
			AND pgn.nspname = 'public'
		WHERE t.table_schema = 'public'
		  AND t.table_type = 'VIEW'
		UNION ALL
		SELECT
			m.matviewname,
			'MATERIALIZED VIEW',
			pg_catalog.obj_description(c.oid, 'pg_class'),
			m.definition
		FROM pg_matviews m
		JOIN pg_class c ON c.relname = m.matviewname AND c.relkind = 'm'
		WHERE m.schemaname = 'public'
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("query views: %w", err)
	}
	defer rows.Close()

	var views []viewInfo
	for rows.Next() {
		var vi viewInfo
		if err := rows.Scan(&vi.Name, &vi.Type, &vi.Comment, &vi.Definition); err != nil {
			return nil, fmt.Errorf("scan view info: %w", err)
		}
		views = append(views, vi)
	}
	return views, rows.Err()
}

// Columns returns column metadata for a table or view, ordered by
// ordinal position.
func (p *Prober) Columns(ctx context.Context, relation string) ([]ColumnMeta, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT
			c.column_name,
			c.data_type,
			c.character_maximum_length,
			c.numeric_precision,
			c.numeric_scale,
			c.is_nullable = 'YES',
			c.column_default,
			pg_catalog.col_description(
				(SELECT oid FROM pg_catalog.pg_class
				 WHERE relname = c.table_name
				   AND relnamespace = 'public'::regnamespace),
				c.ordinal_position),
			c.ordinal_position
		FROM information_schema.columns c
		WHERE c.table_schema = 'public'
		  AND c.table_name = $1
		ORDER BY c.ordinal_position`, relation)
	if err != nil {
		return nil, fmt.Errorf("query columns for %s: %w", relation, err)
	}
	defer rows.Close()

	var cols []ColumnMeta
	for rows.Next() {
		var col ColumnMeta
		if err := rows.Scan(&col.Name, &col.DataType, &col.MaxLength,
			&col.NumericPrecision, &col.NumericScale, &col.IsNullable,
			&col.Default, &col.Comment, &col.Ordinal); err != nil {
			return nil, fmt.Errorf("scan column for %s: %w", relation, err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// PrimaryKeys returns the primary key column names of a table in key
// order.
func (p *Prober) PrimaryKeys(ctx context.Context, table string) ([]string, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid
		                   AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass
		  AND i.indisprimary
		ORDER BY a.attnum`, quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("query primary keys for %s: %w", table, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan primary key for %s: %w", table, err)
		}
		keys = append(keys, name)
	}
	return keys, rows.Err()
}

// ForeignKeys returns the foreign key constraints declared on a table.
func (p *Prober) ForeignKeys(ctx context.Context, table string) ([]ForeignKeyMeta, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT
			kcu.column_name,
			ccu.table_name,
			ccu.column_name,
			rc.constraint_name,
			rc.update_rule,
			rc.delete_rule
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name
		 AND ccu.table_schema = tc.table_schema
		JOIN information_schema.referential_constraints rc
		  ON tc.constraint_name = rc.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_name = $1
		  AND tc.table_schema = 'public'`, table)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys for %s: %w", table, err)
	}
	defer rows.Close()

	var fks []ForeignKeyMeta
	for rows.Next() {
		var fk ForeignKeyMeta
		if err := rows.Scan(&fk.Column, &fk.ForeignTable, &fk.ForeignColumn,
			&fk.ConstraintName, &fk.OnUpdate, &fk.OnDelete); err != nil {
			return nil, fmt.Errorf("scan foreign key for %s: %w", table, err)
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// Indexes returns the indexes on a table, one entry per index. Rows
// come back one per participating column and are aggregated by index
// name in discovery order.
func (p *Prober) Indexes(ctx context.Context, table string) ([]IndexMeta, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT
			i.relname,
			a.attname,
			ix.indisunique,
			ix.indisprimary,
			am.amname
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_am am ON i.relam = am.oid
		JOIN pg_attribute a ON a.attrelid = t.oid
		                   AND a.attnum = ANY(ix.indkey)
		WHERE t.relkind = 'r'
		  AND t.relname = $1
		ORDER BY i.relname, a.attnum`, table)
	if err != nil {
		return nil, fmt.Errorf("query indexes for %s: %w", table, err)
	}
	defer rows.Close()

	var idxRows []indexRow
	for rows.Next() {
		var ir indexRow
		if err := rows.Scan(&ir.Name, &ir.Column, &ir.IsUnique, &ir.IsPrimary, &ir.Type); err != nil {
			return nil, fmt.Errorf("scan index for %s: %w", table, err)
		}
		idxRows = append(idxRows, ir)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groupIndexes(idxRows), nil
}

// indexRow is one raw per-column index row before grouping.
type indexRow struct {
	Name      string
	Column    string
	IsUnique  bool
	IsPrimary bool
	Type      string
}

// groupIndexes folds the one-row-per-column results into one IndexMeta
// per index name, columns in key order, indexes in discovery order.
func groupIndexes(rows []indexRow) []IndexMeta {
	var (
		order  []string
		byName = make(map[string]*IndexMeta)
	)
	for _, r := range rows {
		idx, ok := byName[r.Name]
		if !ok {
			idx = &IndexMeta{
				IndexName: r.Name,
				IsUnique:  r.IsUnique,
				IsPrimary: r.IsPrimary,
				IndexType: r.Type,
			}
			byName[r.Name] = idx
			order = append(order, r.Name)
		}
		idx.Columns = append(idx.Columns, r.Column)
	}

	indexes := make([]IndexMeta, 0, len(order))
	for _, name := range order {
		indexes = append(indexes, *byName[name])
	}
	return indexes
}

// RowCount returns the planner's cardinality estimate for a table.
// It reads pg_class.reltuples rather than running COUNT(*), so the
// value is approximate and can lag behind recent writes.
func (p *Prober) RowCount(ctx context.Context, table string) (int64, error) {
	var estimate int64
	err := p.conn.QueryRow(ctx,
		`SELECT reltuples::bigint FROM pg_class WHERE relname = $1`,
		table).Scan(&estimate)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query row count for %s: %w", table, err)
	}
	if estimate < 0 {
		// reltuples is -1 for never-analyzed tables
		estimate = 0
	}
	return estimate, nil
}

// TableSize returns the total relation size in human-readable form.
func (p *Prober) TableSize(ctx context.Context, table string) (string, error) {
	var size string
	err := p.conn.QueryRow(ctx,
		`SELECT pg_size_pretty(pg_total_relation_size($1::regclass))`,
		quoteIdent(table)).Scan(&size)
	if err != nil {
		return "Unknown", fmt.Errorf("query table size for %s: %w", table, err)
	}
	return size, nil
}

// ColumnStatistics computes null and distinct counts for every column,
// one aggregate query per column. A failing column gets a ColumnStats
// with only Error set; other columns are unaffected.
func (p *Prober) ColumnStatistics(ctx context.Context, table string, columns []ColumnMeta) map[string]ColumnStats {
	stats := make(map[string]ColumnStats, len(columns))
	for _, col := range columns {
		q := fmt.Sprintf(`SELECT COUNT(*), COUNT(%[1]s), COUNT(DISTINCT %[1]s) FROM %[2]s`,
			quoteIdent(col.Name), quoteIdent(table))

		var total, nonNull, distinct int64
		err := p.conn.QueryRow(ctx, q).Scan(&total, &nonNull, &distinct)
		stats[col.Name] = buildColumnStats(total, nonNull, distinct, err)
	}
	return stats
}

// buildColumnStats derives one column's statistics entry. A query error
// yields an entry carrying only the error, leaving the other columns of
// the table untouched.
func buildColumnStats(total, nonNull, distinct int64, err error) ColumnStats {
	if err != nil {
		return ColumnStats{Error: err.Error()}
	}
	s := ColumnStats{NullCount: total - nonNull, DistinctCount: distinct}
	if total > 0 {
		s.NullPercentage = round2(float64(s.NullCount) / float64(total) * 100)
		s.DistinctPercentage = round2(float64(distinct) / float64(total) * 100)
	}
	return s
}

// SampleRows fetches up to limit rows in natural storage order. Values
// are normalized to JSON-safe types so snapshots round-trip through the
// cache unchanged.
func (p *Prober) SampleRows(ctx context.Context, relation string, limit int) ([]map[string]any, error) {
	rows, err := p.conn.Query(ctx,
		fmt.Sprintf(`SELECT * FROM %s LIMIT $1`, quoteIdent(relation)), limit)
	if err != nil {
		return nil, fmt.Errorf("query sample rows for %s: %w", relation, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var samples []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read sample row for %s: %w", relation, err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = NormalizeValue(values[i])
		}
		samples = append(samples, row)
	}
	return samples, rows.Err()
}

// NormalizeValue flattens driver values into the types encoding/json
// round-trips losslessly: nil, bool, float64, string. Types the driver
// decodes into structs (numeric, for one) are unwrapped through
// driver.Valuer so their text form comes out instead of a struct dump;
// uuid arrives as a raw [16]byte and gets its canonical form.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		return val
	case string:
		return val
	case int:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case float64:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x",
			val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	case []byte:
		return fmt.Sprintf("\\x%x", val)
	default:
		if dv, ok := v.(driver.Valuer); ok {
			if out, err := dv.Value(); err == nil {
				return NormalizeValue(out)
			}
		}
		return fmt.Sprint(val)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
