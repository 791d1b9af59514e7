package tableschema

import "fmt"

// IncompatibleSchemaError reports that a previously cached column no
// longer has a compatible counterpart in a newly inferred schema.
type IncompatibleSchemaError struct {
	Table  string
	Column string
}

func (e *IncompatibleSchemaError) Error() string {
	return fmt.Sprintf("tableschema: incompatible schema for %s.%s", e.Table, e.Column)
}

// UnexpectedSchemaFieldError reports a column-hint field outside the
// fields the reconciler understands (name, data_type, nullable,
// precision, scale).
type UnexpectedSchemaFieldError struct {
	Field string
}

func (e *UnexpectedSchemaFieldError) Error() string {
	return fmt.Sprintf("tableschema: unexpected schema field %q", e.Field)
}

// AllowedColumnFields names the only ColumnSchema fields a caller-supplied
// column hint (internal/dispatch) may override.
var AllowedColumnFields = map[string]bool{
	"name":      true,
	"data_type": true,
	"nullable":  true,
	"precision": true,
	"scale":     true,
}

// Reconcile merges a newly inferred schema into a previously cached one.
// Every column present in last must have a same-DataType counterpart in
// new, or reconciliation fails. The merge policy is "earlier wins": for
// Nullable/Precision/Scale, last's value is kept when present, falling
// back to new's only when last leaves it unset. The result always has
// exactly last's columns, in last's order.
func Reconcile(last, new TableSchema) (TableSchema, error) {
	merged := NewOrderedColumns()
	for _, name := range last.Columns.Names() {
		lastCol, _ := last.Columns.Get(name)
		newCol, ok := new.Columns.Get(name)
		if !ok || newCol.DataType != lastCol.DataType {
			return TableSchema{}, &IncompatibleSchemaError{Table: last.Name, Column: name}
		}
		merged.Set(mergeColumn(lastCol, newCol))
	}
	return TableSchema{Name: last.Name, Columns: merged}, nil
}

func mergeColumn(last, new ColumnSchema) ColumnSchema {
	out := last
	if out.Nullable == nil {
		out.Nullable = new.Nullable
	}
	if out.Precision == nil {
		out.Precision = new.Precision
	}
	if out.Scale == nil {
		out.Scale = new.Scale
	}
	out.PrimaryKey = last.PrimaryKey || new.PrimaryKey
	return out
}
