package replstream

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgslotcdc/internal/tableschema"
	"github.com/jfoltran/pgslotcdc/internal/walvalue"
)

func textCol(name string, oid uint32, text string) Column {
	return Column{Name: name, OID: oid, Atttypmod: -1, Datum: walvalue.Datum{Kind: walvalue.DatumText, Text: text}}
}

func newTestConsumer(uptoLSN pglogrepl.LSN, targetBatchSize int) *Consumer {
	return NewConsumer(ConsumerConfig{
		UptoLSN:         uptoLSN,
		TableQNames:     map[string]bool{"public.users": true},
		TargetBatchSize: targetBatchSize,
		LastTableSchema: map[string]tableschema.TableSchema{},
		LastTableHashes: map[string]uint64{},
	}, zerolog.Nop())
}

func TestConsumerBasicInsertCommit(t *testing.T) {
	c := newTestConsumer(1000, 100)

	insert := RowMessage{
		Op: OpInsert, Table: "public.users", DataStart: 100,
		NewTuple:    []Column{textCol("id", 20, "1"), textCol("name", 1043, "alice")},
		NewTypeInfo: []tableschema.TypeInfo{{Modifier: "bigint", ValueOptional: false}, {Modifier: "character varying", ValueOptional: true}},
	}
	if err := c.Handle(insert); err != nil {
		t.Fatalf("Handle(insert) err = %v", err)
	}

	commit := RowMessage{Op: OpCommit, DataStart: 100}
	if err := c.Handle(commit); err != nil {
		t.Fatalf("Handle(commit) err = %v", err)
	}

	if c.LastCommitLSN != 100 {
		t.Errorf("LastCommitLSN = %v, want 100", c.LastCommitLSN)
	}
	items := c.DataItems["users"]
	if len(items) != 1 {
		t.Fatalf("len(DataItems[users]) = %d, want 1", len(items))
	}
	if items[0]["id"] != int64(1) || items[0]["name"] != "alice" {
		t.Errorf("item = %+v", items[0])
	}
	if items[0]["lsn"] != int64(100) {
		t.Errorf("item[lsn] = %v, want 100", items[0]["lsn"])
	}
}

func TestConsumerStopsAtUptoLSN(t *testing.T) {
	c := newTestConsumer(100, 1000)
	if err := c.Handle(RowMessage{Op: OpBegin, CommitTime: time.Now()}); err != nil {
		t.Fatal(err)
	}
	err := c.Handle(RowMessage{Op: OpCommit, DataStart: 100})
	if !errors.Is(err, ErrStopReplication) {
		t.Fatalf("err = %v, want ErrStopReplication", err)
	}
	if !c.ConsumedAll {
		t.Error("ConsumedAll should be true")
	}
}

func TestConsumerStopsAtBatchSize(t *testing.T) {
	c := newTestConsumer(100000, 1)
	insert := RowMessage{
		Op: OpInsert, Table: "public.users", DataStart: 10,
		NewTuple:    []Column{textCol("id", 20, "1")},
		NewTypeInfo: []tableschema.TypeInfo{{Modifier: "bigint"}},
	}
	if err := c.Handle(insert); err != nil {
		t.Fatal(err)
	}
	err := c.Handle(RowMessage{Op: OpCommit, DataStart: 10})
	if !errors.Is(err, ErrStopReplication) {
		t.Fatalf("err = %v, want ErrStopReplication", err)
	}
	if c.ConsumedAll {
		t.Error("ConsumedAll should be false, stop was due to batch size")
	}
}

func TestConsumerDropsUnlistedTable(t *testing.T) {
	c := newTestConsumer(1000, 1000)
	insert := RowMessage{Op: OpInsert, Table: "public.other", NewTuple: []Column{textCol("id", 20, "1")}}
	if err := c.Handle(insert); err != nil {
		t.Fatal(err)
	}
	if len(c.DataItems) != 0 {
		t.Errorf("DataItems = %+v, want empty", c.DataItems)
	}
}

func TestConsumerUnknownOpFails(t *testing.T) {
	c := newTestConsumer(1000, 1000)
	err := c.Handle(RowMessage{Op: OpUnknown})
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("err = %v, want ErrUnsupportedOperation", err)
	}
}

func TestConsumerDeleteReusesSchemaAndDummies(t *testing.T) {
	c := newTestConsumer(1000, 1000)
	insert := RowMessage{
		Op: OpInsert, Table: "public.users", DataStart: 1,
		NewTuple:    []Column{textCol("id", 20, "1"), textCol("name", 1043, "alice")},
		NewTypeInfo: []tableschema.TypeInfo{{Modifier: "bigint"}, {Modifier: "character varying"}},
	}
	if err := c.Handle(insert); err != nil {
		t.Fatal(err)
	}

	del := RowMessage{
		Op: OpDelete, Table: "public.users", DataStart: 2,
		OldTuple: []Column{
			{Name: "id", OID: 20, Atttypmod: -1, PartOfPKey: true, Datum: walvalue.Datum{Kind: walvalue.DatumText, Text: "1"}},
			{Name: "name", OID: 1043, Atttypmod: -1, Datum: walvalue.Datum{Kind: walvalue.DatumNull}},
		},
	}
	if err := c.Handle(del); err != nil {
		t.Fatal(err)
	}

	items := c.DataItems["users"]
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	deleted := items[1]
	if deleted["name"] != "" {
		t.Errorf("deleted row name = %v, want empty-string dummy", deleted["name"])
	}
	if _, ok := deleted[tableschema.ReplicationColumnDeletedTS]; !ok {
		t.Error("deleted row missing deleted_ts")
	}
}

func TestConsumerSchemaChangeReconciles(t *testing.T) {
	c := newTestConsumer(1000, 1000)
	first := RowMessage{
		Op: OpInsert, Table: "public.users", DataStart: 1,
		NewTuple:    []Column{textCol("id", 20, "1")},
		NewTypeInfo: []tableschema.TypeInfo{{Modifier: "bigint", ValueOptional: false}},
	}
	if err := c.Handle(first); err != nil {
		t.Fatal(err)
	}

	second := RowMessage{
		Op: OpInsert, Table: "public.users", DataStart: 2,
		NewTuple:    []Column{textCol("id", 20, "2")},
		NewTypeInfo: []tableschema.TypeInfo{{Modifier: "bigint", ValueOptional: true}},
	}
	if err := c.Handle(second); err != nil {
		t.Fatal(err)
	}

	schema := c.LastTableSchema["users"]
	idCol, _ := schema.Columns.Get("id")
	if idCol.Nullable == nil || *idCol.Nullable {
		t.Error("earlier schema's Nullable=false should have won")
	}
}

func TestConsumerIncompatibleSchemaStopsGracefully(t *testing.T) {
	c := newTestConsumer(1000, 1000)
	first := RowMessage{
		Op: OpInsert, Table: "public.users", DataStart: 1,
		NewTuple:    []Column{textCol("id", 20, "1")},
		NewTypeInfo: []tableschema.TypeInfo{{Modifier: "bigint"}},
	}
	if err := c.Handle(first); err != nil {
		t.Fatal(err)
	}

	incompatible := RowMessage{
		Op: OpInsert, Table: "public.users", DataStart: 2,
		NewTuple:    []Column{textCol("id", 1043, "oops")},
		NewTypeInfo: []tableschema.TypeInfo{{Modifier: "character varying"}},
	}
	err := c.Handle(incompatible)
	if !errors.Is(err, ErrStopReplication) {
		t.Fatalf("err = %v, want ErrStopReplication", err)
	}
}
