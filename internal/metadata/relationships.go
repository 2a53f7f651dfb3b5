package metadata

import (
	"context"
	"fmt"
)

// fkEdge is one raw foreign key row before grouping by source table.
type fkEdge struct {
	FromTable string
	Edge      RelationshipEdge
}

// Relationships builds the directed table relationship map for the
// whole schema from foreign key constraints. Tables with no outgoing
// foreign keys are absent from the map.
func (p *Prober) Relationships(ctx context.Context) (map[string][]RelationshipEdge, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT
			tc.table_name,
			kcu.column_name,
			ccu.table_name,
			ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name
		 AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = 'public'
		ORDER BY tc.table_name`)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer rows.Close()

	var edges []fkEdge
	for rows.Next() {
		var e fkEdge
		if err := rows.Scan(&e.FromTable, &e.Edge.FromColumn,
			&e.Edge.ToTable, &e.Edge.ToColumn); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groupRelationships(edges), nil
}

// groupRelationships groups raw edges by source table, preserving
// discovery order and keeping duplicates. Sources without edges never
// get an entry.
func groupRelationships(edges []fkEdge) map[string][]RelationshipEdge {
	rels := make(map[string][]RelationshipEdge)
	for _, e := range edges {
		rels[e.FromTable] = append(rels[e.FromTable], e.Edge)
	}
	return rels
}
