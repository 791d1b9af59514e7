package tableschema

import "github.com/jfoltran/pgslotcdc/internal/typemap"

// SourceColumn is one column of a decoded row's tuple, as the replication
// decoder presents it to the Schema Inferencer.
type SourceColumn struct {
	Name       string
	Type       typemap.ColumnType
	PrimaryKey bool
}

// TypeInfo carries the per-column metadata the Schema Inferencer needs but
// which is not derivable from the datum alone: the human type name and
// whether the column may be null. Populated by the replication decoder
// from cached relation + attribute metadata (see internal/replstream).
type TypeInfo struct {
	Modifier      string
	ValueOptional bool
}

// Infer builds a TableSchema from a table name, its source columns (in
// wire order), and the matching TypeInfo sequence (absent for DELETE
// messages, where nullability is not reported by the source). included,
// when non-nil, restricts the inferred columns to that allow-list.
func Infer(tableName string, cols []SourceColumn, typeInfos []TypeInfo, included map[string]bool) TableSchema {
	out := NewOrderedColumns()
	for i, c := range cols {
		if included != nil && !included[c.Name] {
			continue
		}
		cs := ColumnSchema{
			Name:       c.Name,
			DataType:   c.Type.Kind,
			Precision:  c.Type.Precision,
			Scale:      c.Type.Scale,
			PrimaryKey: c.PrimaryKey,
		}
		if i < len(typeInfos) {
			cs.Nullable = boolp(typeInfos[i].ValueOptional)
		}
		out.Set(cs)
	}
	withReplicationColumns(&out)
	return TableSchema{Name: tableName, Columns: out}
}
