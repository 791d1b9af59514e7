// Package dispatch routes generator batch output to a destination-shaped
// backend, optionally merging caller-supplied column hints into the
// inferred schema first.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/jfoltran/pgslotcdc/internal/tableschema"
	"github.com/jfoltran/pgslotcdc/internal/typemap"
)

// Backend selects how a table's rows are shaped for the destination.
type Backend string

const (
	// BackendRowOriented emits each item as a plain map, tagged by table.
	BackendRowOriented Backend = "row-oriented"
	// BackendColumnar assembles each batch into an Arrow record.
	BackendColumnar Backend = "columnar"
)

// ErrUnsupportedBackend is returned for any Backend value other than the
// ones this package implements.
var ErrUnsupportedBackend = errors.New("dispatch: unsupported backend")

// ColumnHint overrides a subset of a ColumnSchema's fields. Only the keys
// in tableschema.AllowedColumnFields may be set; anything else is an
// UnexpectedSchemaFieldError.
type ColumnHint map[string]any

// TableOptions configures how one target table's rows are dispatched.
type TableOptions struct {
	Backend      Backend
	ColumnHints  map[string]ColumnHint // column name -> hint
	TimezoneName string                // applied to timestamp columns in the columnar backend; default UTC
}

// Group is one table's worth of generator output ready for dispatch.
type Group struct {
	Table  string
	Schema tableschema.TableSchema
	Items  []map[string]any
}

// Dispatch routes groups for targetTable to the configured backend,
// dropping groups for any other table. Returns the emitted payload: a
// RowBatch for BackendRowOriented, or an *ArrowBatch for BackendColumnar.
func Dispatch(groups []Group, targetTable string, opts TableOptions) (any, error) {
	for _, g := range groups {
		if g.Table != targetTable {
			continue
		}
		schema, err := mergeHints(g.Schema, opts.ColumnHints)
		if err != nil {
			return nil, err
		}
		switch opts.Backend {
		case "", BackendRowOriented:
			return RowBatch{Table: targetTable, Schema: schema, Items: g.Items}, nil
		case BackendColumnar:
			return buildArrowBatch(targetTable, schema, g.Items, opts.TimezoneName)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, opts.Backend)
		}
	}
	return nil, nil
}

// RowBatch is the row-oriented dispatch payload: the schema (with hints
// merged) plus the raw decoded items, tagged with the table name.
type RowBatch struct {
	Table  string
	Schema tableschema.TableSchema
	Items  []map[string]any
}

func mergeHints(schema tableschema.TableSchema, hints map[string]ColumnHint) (tableschema.TableSchema, error) {
	if len(hints) == 0 {
		return schema, nil
	}
	merged := tableschema.TableSchema{Name: schema.Name, Columns: tableschema.NewOrderedColumns()}
	for _, name := range schema.Columns.Names() {
		col, _ := schema.Columns.Get(name)
		hint, ok := hints[name]
		if ok {
			var err error
			col, err = applyHint(col, hint)
			if err != nil {
				return tableschema.TableSchema{}, err
			}
		}
		merged.Columns.Set(col)
	}
	return merged, nil
}

func applyHint(col tableschema.ColumnSchema, hint ColumnHint) (tableschema.ColumnSchema, error) {
	for field := range hint {
		if !tableschema.AllowedColumnFields[field] {
			return col, &tableschema.UnexpectedSchemaFieldError{Field: field}
		}
	}
	if v, ok := hint["data_type"]; ok {
		if k, ok := v.(typemap.Kind); ok {
			col.DataType = k
		}
	}
	if v, ok := hint["nullable"]; ok {
		if b, ok := v.(bool); ok {
			col.Nullable = &b
		}
	}
	if v, ok := hint["precision"]; ok {
		if p, ok := v.(int); ok {
			col.Precision = &p
		}
	}
	if v, ok := hint["scale"]; ok {
		if s, ok := v.(int); ok {
			col.Scale = &s
		}
	}
	return col, nil
}
