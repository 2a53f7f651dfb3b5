package metadata

import "time"

// ColumnMeta describes a single column of a table or view.
type ColumnMeta struct {
	Name             string  `json:"name"`
	DataType         string  `json:"data_type"`
	MaxLength        *int    `json:"max_length,omitempty"`
	NumericPrecision *int    `json:"numeric_precision,omitempty"`
	NumericScale     *int    `json:"numeric_scale,omitempty"`
	IsNullable       bool    `json:"is_nullable"`
	Default          *string `json:"default,omitempty"`
	Comment          *string `json:"comment,omitempty"`
	Ordinal          int     `json:"ordinal"`
}

// ForeignKeyMeta describes one foreign key constraint on a table.
type ForeignKeyMeta struct {
	Column         string `json:"column"`
	ForeignTable   string `json:"foreign_table"`
	ForeignColumn  string `json:"foreign_column"`
	ConstraintName string `json:"constraint_name"`
	OnUpdate       string `json:"on_update"`
	OnDelete       string `json:"on_delete"`
}

// IndexMeta describes one index. A multi-column index is a single entry
// whose Columns holds every participating column in key order.
type IndexMeta struct {
	IndexName string   `json:"index_name"`
	Columns   []string `json:"columns"`
	IsUnique  bool     `json:"is_unique"`
	IsPrimary bool     `json:"is_primary"`
	IndexType string   `json:"index_type"`
}

// ColumnStats holds per-column null/distinct statistics. If the
// statistics query for the column failed, Error is set and the counts
// are zero.
type ColumnStats struct {
	NullCount          int64   `json:"null_count"`
	NullPercentage     float64 `json:"null_percentage"`
	DistinctCount      int64   `json:"distinct_count"`
	DistinctPercentage float64 `json:"distinct_percentage"`
	Error              string  `json:"error,omitempty"`
}

// TableMeta is the full metadata for one base table.
type TableMeta struct {
	TableType        string                 `json:"table_type"`
	Comment          *string                `json:"comment,omitempty"`
	RowCount         int64                  `json:"row_count"`
	TableSize        string                 `json:"table_size"`
	Columns          []ColumnMeta           `json:"columns"`
	PrimaryKeys      []string               `json:"primary_keys"`
	ForeignKeys      []ForeignKeyMeta       `json:"foreign_keys"`
	Indexes          []IndexMeta            `json:"indexes"`
	ColumnStatistics map[string]ColumnStats `json:"column_statistics,omitempty"`
	SampleData       []map[string]any       `json:"sample_data,omitempty"`
}

// ViewMeta is the metadata for a view or materialized view. Statistics
// and foreign keys are never computed for views.
type ViewMeta struct {
	ViewType   string           `json:"view_type"`
	Comment    *string          `json:"comment,omitempty"`
	Definition string           `json:"definition"`
	Columns    []ColumnMeta     `json:"columns"`
	SampleData []map[string]any `json:"sample_data,omitempty"`
}

// RelationshipEdge is one outgoing foreign key edge from a source table.
type RelationshipEdge struct {
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

// Warning records a probing sub-step that degraded to an empty result
// instead of aborting the extraction.
type Warning struct {
	Relation string `json:"relation"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

// Snapshot is one complete point-in-time rendering of a schema's
// structural and statistical metadata. A relation name appears in
// Tables or Views, never both.
type Snapshot struct {
	DatabaseName  string                        `json:"database_name"`
	ExtractedAt   time.Time                     `json:"extracted_at"`
	TotalTables   int                           `json:"total_tables"`
	TotalViews    int                           `json:"total_views"`
	Tables        map[string]*TableMeta         `json:"tables"`
	Views         map[string]*ViewMeta          `json:"views"`
	Relationships map[string][]RelationshipEdge `json:"relationships"`
	Warnings      []Warning                     `json:"warnings,omitempty"`
}

// TableNames returns the table names in sorted order. Formatting relies
// on this so output does not depend on map iteration order.
func (s *Snapshot) TableNames() []string {
	return sortedKeys(s.Tables)
}

// ViewNames returns the view names in sorted order.
func (s *Snapshot) ViewNames() []string {
	return sortedKeys(s.Views)
}
