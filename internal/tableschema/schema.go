// Package tableschema infers, fingerprints, and reconciles per-table
// schemas observed on a logical replication stream.
package tableschema

import (
	"encoding/json"

	"github.com/jfoltran/pgslotcdc/internal/typemap"
)

// ColumnSchema describes one column of an inferred or cached table schema.
// Only Name, DataType, Nullable, Precision, and Scale participate in
// compatibility comparison; PrimaryKey is never compared, and a merge
// marks a column as primary key if either side does.
type ColumnSchema struct {
	Name       string
	DataType   typemap.Kind
	Nullable   *bool
	Precision  *int
	Scale      *int
	PrimaryKey bool
}

// OrderedColumns is an insertion-order-preserving mapping from column name
// to ColumnSchema. Order matters for columnar emission.
type OrderedColumns struct {
	names []string
	byName map[string]ColumnSchema
}

// NewOrderedColumns returns an empty OrderedColumns.
func NewOrderedColumns() OrderedColumns {
	return OrderedColumns{byName: make(map[string]ColumnSchema)}
}

// Set inserts or replaces the column named col.Name, preserving its
// original position if it already existed.
func (o *OrderedColumns) Set(col ColumnSchema) {
	if o.byName == nil {
		o.byName = make(map[string]ColumnSchema)
	}
	if _, exists := o.byName[col.Name]; !exists {
		o.names = append(o.names, col.Name)
	}
	o.byName[col.Name] = col
}

// Get returns the column named name and whether it was present.
func (o OrderedColumns) Get(name string) (ColumnSchema, bool) {
	c, ok := o.byName[name]
	return c, ok
}

// Names returns column names in insertion order.
func (o OrderedColumns) Names() []string {
	out := make([]string, len(o.names))
	copy(out, o.names)
	return out
}

// Len returns the number of columns.
func (o OrderedColumns) Len() int { return len(o.names) }

// orderedColumnsWire is the JSON-friendly shape of OrderedColumns: a plain
// slice preserves the insertion order that the unexported map cannot.
type orderedColumnsWire struct {
	Columns []ColumnSchema `json:"columns"`
}

// MarshalJSON serializes columns in insertion order.
func (o OrderedColumns) MarshalJSON() ([]byte, error) {
	wire := orderedColumnsWire{Columns: make([]ColumnSchema, 0, len(o.names))}
	for _, name := range o.names {
		wire.Columns = append(wire.Columns, o.byName[name])
	}
	return json.Marshal(wire)
}

// UnmarshalJSON restores an OrderedColumns from its wire form.
func (o *OrderedColumns) UnmarshalJSON(data []byte) error {
	var wire orderedColumnsWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*o = NewOrderedColumns()
	for _, col := range wire.Columns {
		o.Set(col)
	}
	return nil
}

// TableSchema is the inferred or cached schema for one replicated table.
type TableSchema struct {
	Name    string
	Columns OrderedColumns
}

// ReplicationColumnLSN and ReplicationColumnDeletedTS are the synthetic
// columns appended to every inferred schema.
const (
	ReplicationColumnLSN       = "lsn"
	ReplicationColumnDeletedTS = "deleted_ts"
)

func boolp(v bool) *bool { return &v }

// withReplicationColumns appends the always-present lsn/deleted_ts columns.
func withReplicationColumns(cols *OrderedColumns) {
	cols.Set(ColumnSchema{Name: ReplicationColumnLSN, DataType: typemap.KindBigint, Nullable: boolp(true)})
	cols.Set(ColumnSchema{Name: ReplicationColumnDeletedTS, DataType: typemap.KindTimestamp, Nullable: boolp(true)})
}
