package tableschema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jfoltran/pgslotcdc/internal/typemap"
)

func TestOrderedColumnsJSONRoundTrip(t *testing.T) {
	original := NewOrderedColumns()
	original.Set(ColumnSchema{Name: "b", DataType: typemap.KindText})
	original.Set(ColumnSchema{Name: "a", DataType: typemap.KindBigint})

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() err = %v", err)
	}

	var restored OrderedColumns
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal() err = %v", err)
	}

	if got := restored.Names(); len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("Names() = %v, want [b a]", got)
	}
	col, ok := restored.Get("a")
	if !ok || col.DataType != typemap.KindBigint {
		t.Errorf("Get(a) = %+v, %v", col, ok)
	}
}

func TestInferAppendsReplicationColumns(t *testing.T) {
	cols := []SourceColumn{{Name: "id", Type: typemap.ColumnType{Kind: typemap.KindBigint}, PrimaryKey: true}}
	infos := []TypeInfo{{Modifier: "bigint", ValueOptional: false}}

	got := Infer("users", cols, infos, nil)

	if got.Name != "users" {
		t.Errorf("Name = %q, want users", got.Name)
	}
	if _, ok := got.Columns.Get(ReplicationColumnLSN); !ok {
		t.Error("missing lsn column")
	}
	if _, ok := got.Columns.Get(ReplicationColumnDeletedTS); !ok {
		t.Error("missing deleted_ts column")
	}
	idCol, ok := got.Columns.Get("id")
	if !ok {
		t.Fatal("missing id column")
	}
	if idCol.Nullable == nil || *idCol.Nullable {
		t.Errorf("id.Nullable = %v, want pointer to false", idCol.Nullable)
	}
}

func TestInferRespectsIncludedColumns(t *testing.T) {
	cols := []SourceColumn{
		{Name: "id", Type: typemap.ColumnType{Kind: typemap.KindBigint}},
		{Name: "secret", Type: typemap.ColumnType{Kind: typemap.KindText}},
	}
	got := Infer("users", cols, nil, map[string]bool{"id": true})

	if _, ok := got.Columns.Get("secret"); ok {
		t.Error("secret column should have been excluded")
	}
	if _, ok := got.Columns.Get("id"); !ok {
		t.Error("id column should be present")
	}
}

func TestInferOrderPreserved(t *testing.T) {
	cols := []SourceColumn{
		{Name: "b", Type: typemap.ColumnType{Kind: typemap.KindText}},
		{Name: "a", Type: typemap.ColumnType{Kind: typemap.KindText}},
	}
	got := Infer("t", cols, nil, nil)
	names := got.Columns.Names()
	if names[0] != "b" || names[1] != "a" {
		t.Errorf("Names() = %v, want [b a ...]", names)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := []TypeInfo{{Modifier: "bigint", ValueOptional: false}, {Modifier: "text", ValueOptional: true}}
	b := []TypeInfo{{Modifier: "bigint", ValueOptional: false}, {Modifier: "text", ValueOptional: true}}
	c := []TypeInfo{{Modifier: "bigint", ValueOptional: true}, {Modifier: "text", ValueOptional: true}}

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("equal sequences should fingerprint equal")
	}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("differing sequences should fingerprint differently")
	}
}

func TestReconcileCompatible(t *testing.T) {
	last := Infer("t", []SourceColumn{{Name: "id", Type: typemap.ColumnType{Kind: typemap.KindBigint}}}, nil, nil)
	newer := Infer("t", []SourceColumn{{Name: "id", Type: typemap.ColumnType{Kind: typemap.KindBigint}}}, []TypeInfo{{Modifier: "bigint", ValueOptional: true}}, nil)

	merged, err := Reconcile(last, newer)
	if err != nil {
		t.Fatalf("Reconcile() err = %v", err)
	}
	idCol, _ := merged.Columns.Get("id")
	if idCol.Nullable == nil || !*idCol.Nullable {
		t.Error("last left Nullable unset, so new's Nullable=true should apply")
	}
}

func TestReconcileEarlierWinsWhenPresent(t *testing.T) {
	f := false
	last := TableSchema{Name: "t", Columns: NewOrderedColumns()}
	last.Columns.Set(ColumnSchema{Name: "id", DataType: typemap.KindBigint, Nullable: &f})

	tr := true
	newer := TableSchema{Name: "t", Columns: NewOrderedColumns()}
	newer.Columns.Set(ColumnSchema{Name: "id", DataType: typemap.KindBigint, Nullable: &tr})

	merged, err := Reconcile(last, newer)
	if err != nil {
		t.Fatalf("Reconcile() err = %v", err)
	}
	idCol, _ := merged.Columns.Get("id")
	if idCol.Nullable == nil || *idCol.Nullable != false {
		t.Error("last's Nullable=false should have won over new's Nullable=true")
	}
}

func TestReconcileIncompatibleType(t *testing.T) {
	last := TableSchema{Name: "t", Columns: NewOrderedColumns()}
	last.Columns.Set(ColumnSchema{Name: "id", DataType: typemap.KindBigint})

	newer := TableSchema{Name: "t", Columns: NewOrderedColumns()}
	newer.Columns.Set(ColumnSchema{Name: "id", DataType: typemap.KindText})

	_, err := Reconcile(last, newer)
	var incompat *IncompatibleSchemaError
	if !errors.As(err, &incompat) {
		t.Fatalf("err = %v, want *IncompatibleSchemaError", err)
	}
	if incompat.Column != "id" {
		t.Errorf("incompat.Column = %q, want id", incompat.Column)
	}
}

func TestReconcileMissingColumn(t *testing.T) {
	last := TableSchema{Name: "t", Columns: NewOrderedColumns()}
	last.Columns.Set(ColumnSchema{Name: "id", DataType: typemap.KindBigint})
	last.Columns.Set(ColumnSchema{Name: "gone", DataType: typemap.KindText})

	newer := TableSchema{Name: "t", Columns: NewOrderedColumns()}
	newer.Columns.Set(ColumnSchema{Name: "id", DataType: typemap.KindBigint})

	_, err := Reconcile(last, newer)
	var incompat *IncompatibleSchemaError
	if !errors.As(err, &incompat) || incompat.Column != "gone" {
		t.Fatalf("err = %v, want *IncompatibleSchemaError{Column: gone}", err)
	}
}
