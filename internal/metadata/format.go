package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const sectionBar = "================================================================================"
const viewBar = "--------------------------------------------------------------------------------"

// FormatForAI renders a snapshot into the text block handed to the
// language model as schema context. It is a pure function of the
// snapshot: relation names are walked in sorted order, and sample rows
// are dumped with keys in column order, so the same snapshot always
// yields byte-identical text. Downstream prompt parsing depends on the
// section markers staying stable.
func FormatForAI(snap *Snapshot) string {
	if snap == nil {
		return "No metadata available."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "DATABASE: %s\n", snap.DatabaseName)
	fmt.Fprintf(&b, "Extracted: %s\n", snap.ExtractedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Total Tables: %d\n", snap.TotalTables)
	fmt.Fprintf(&b, "Total Views: %d\n", snap.TotalViews)

	writeRelationshipDiagram(&b, snap)

	b.WriteString("\n" + sectionBar + "\n")
	b.WriteString("DETAILED SCHEMA INFORMATION\n")
	b.WriteString(sectionBar + "\n")

	for _, name := range snap.TableNames() {
		writeTableSection(&b, name, snap.Tables[name])
	}

	if len(snap.Views) > 0 {
		b.WriteString("\n\n" + sectionBar + "\n")
		b.WriteString("VIEWS AND MATERIALIZED VIEWS\n")
		b.WriteString(sectionBar + "\n")
		for _, name := range snap.ViewNames() {
			writeViewSection(&b, name, snap.Views[name])
		}
	}
	return b.String()
}

func writeRelationshipDiagram(b *strings.Builder, snap *Snapshot) {
	b.WriteString("\n" + sectionBar + "\n")
	b.WriteString("DATABASE RELATIONSHIP DIAGRAM\n")
	b.WriteString(sectionBar + "\n")

	if len(snap.Relationships) == 0 {
		b.WriteString("\nNo foreign key relationships found in the database.\n")
		return
	}

	for _, from := range sortedKeys(snap.Relationships) {
		fmt.Fprintf(b, "\n📊 %s\n", strings.ToUpper(from))
		for _, edge := range snap.Relationships[from] {
			fmt.Fprintf(b, "   └─→ %s references %s.%s\n",
				edge.FromColumn, edge.ToTable, edge.ToColumn)
		}
	}
	b.WriteString("\n" + sectionBar + "\n")
}

func writeTableSection(b *strings.Builder, name string, t *TableMeta) {
	b.WriteString("\n" + sectionBar + "\n")
	fmt.Fprintf(b, "TABLE: %s\n", name)
	b.WriteString(sectionBar + "\n")
	fmt.Fprintf(b, "Type: %s\n", t.TableType)
	fmt.Fprintf(b, "Row Count: ~%s\n", humanize.Comma(t.RowCount))
	fmt.Fprintf(b, "Size: %s\n", t.TableSize)
	if t.Comment != nil && *t.Comment != "" {
		fmt.Fprintf(b, "Description: %s\n", *t.Comment)
	}

	if len(t.PrimaryKeys) > 0 {
		fmt.Fprintf(b, "\nPrimary Key(s): %s\n", strings.Join(t.PrimaryKeys, ", "))
	}

	fmt.Fprintf(b, "\nCOLUMNS (%d):\n", len(t.Columns))
	for _, col := range t.Columns {
		writeColumnLine(b, col, t.ColumnStatistics)
	}

	if len(t.ForeignKeys) > 0 {
		b.WriteString("\nFOREIGN KEYS:\n")
		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(b, "  • %s → %s.%s\n", fk.Column, fk.ForeignTable, fk.ForeignColumn)
			fmt.Fprintf(b, "    ON UPDATE: %s, ON DELETE: %s\n", fk.OnUpdate, fk.OnDelete)
		}
	}

	if len(t.Indexes) > 0 {
		b.WriteString("\nINDEXES:\n")
		for _, idx := range t.Indexes {
			fmt.Fprintf(b, "  • %s (%s, %s) on [%s]\n",
				idx.IndexName, indexRole(idx), idx.IndexType,
				strings.Join(idx.Columns, ", "))
		}
	}

	if len(t.SampleData) > 0 {
		fmt.Fprintf(b, "\nSAMPLE DATA (first %d rows):\n", len(t.SampleData))
		for i, row := range t.SampleData {
			fmt.Fprintf(b, "  Row %d: %s\n", i+1, encodeRow(t.Columns, row))
		}
	}
}

func writeViewSection(b *strings.Builder, name string, v *ViewMeta) {
	b.WriteString("\n" + viewBar + "\n")
	fmt.Fprintf(b, "VIEW: %s\n", name)
	b.WriteString(viewBar + "\n")
	fmt.Fprintf(b, "Type: %s\n", v.ViewType)
	if v.Comment != nil && *v.Comment != "" {
		fmt.Fprintf(b, "Description: %s\n", *v.Comment)
	}
	fmt.Fprintf(b, "\nDefinition:\n%s\n", v.Definition)

	fmt.Fprintf(b, "\nCOLUMNS (%d):\n", len(v.Columns))
	for _, col := range v.Columns {
		fmt.Fprintf(b, "  • %s: %s\n", col.Name, col.DataType)
	}

	if len(v.SampleData) > 0 {
		b.WriteString("\nSAMPLE DATA:\n")
		for i, row := range v.SampleData {
			fmt.Fprintf(b, "  Row %d: %s\n", i+1, encodeRow(v.Columns, row))
		}
	}
}

// writeColumnLine emits one column with its type, nullability, default,
// inline statistics, and trailing comment line.
func writeColumnLine(b *strings.Builder, col ColumnMeta, stats map[string]ColumnStats) {
	fmt.Fprintf(b, "  • %s: %s", col.Name, col.DataType)

	switch {
	case col.MaxLength != nil:
		fmt.Fprintf(b, "(%d)", *col.MaxLength)
	case col.NumericPrecision != nil:
		fmt.Fprintf(b, "(%d", *col.NumericPrecision)
		if col.NumericScale != nil {
			fmt.Fprintf(b, ",%d", *col.NumericScale)
		}
		b.WriteString(")")
	}

	if col.IsNullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}

	if col.Default != nil && *col.Default != "" {
		fmt.Fprintf(b, " DEFAULT %s", *col.Default)
	}

	if s, ok := stats[col.Name]; ok && s.Error == "" {
		fmt.Fprintf(b, " [Nulls: %s%%, Distinct: %d]",
			trimFloat(s.NullPercentage), s.DistinctCount)
	}
	b.WriteString("\n")

	if col.Comment != nil && *col.Comment != "" {
		fmt.Fprintf(b, "    Comment: %s\n", *col.Comment)
	}
}

// indexRole labels an index by precedence: primary beats unique beats
// plain.
func indexRole(idx IndexMeta) string {
	switch {
	case idx.IsPrimary:
		return "PRIMARY KEY"
	case idx.IsUnique:
		return "UNIQUE"
	default:
		return "INDEX"
	}
}

// encodeRow dumps one sample row as a single JSON object line with keys
// ordered by the relation's column order. Columns the row does not
// contain are skipped; stray keys are appended sorted.
func encodeRow(cols []ColumnMeta, row map[string]any) string {
	var b strings.Builder
	b.WriteByte('{')

	first := true
	write := func(key string, val any) {
		if !first {
			b.WriteString(", ")
		}
		first = false
		kb, _ := json.Marshal(key)
		b.Write(kb)
		b.WriteString(": ")
		vb, err := json.Marshal(val)
		if err != nil {
			vb, _ = json.Marshal(fmt.Sprint(val))
		}
		b.Write(vb)
	}

	seen := make(map[string]bool, len(cols))
	for _, col := range cols {
		if val, ok := row[col.Name]; ok {
			write(col.Name, val)
			seen[col.Name] = true
		}
	}
	var extra []string
	for key := range row {
		if !seen[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		write(key, row[key])
	}

	b.WriteByte('}')
	return b.String()
}

// trimFloat renders a percentage without trailing zeros (33.33, 0, 12.5).
func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
