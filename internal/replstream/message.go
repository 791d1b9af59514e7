// Package replstream turns a pgoutput logical replication stream into a
// sequence of flat RowMessage values and runs the stateful Consumer that
// buffers them into per-table batches.
package replstream

import (
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jfoltran/pgslotcdc/internal/tableschema"
	"github.com/jfoltran/pgslotcdc/internal/walvalue"
)

// Op discriminates the kind of change a RowMessage carries.
type Op int

const (
	OpBegin Op = iota
	OpCommit
	OpInsert
	OpUpdate
	OpDelete
	OpUnknown
)

func (o Op) String() string {
	switch o {
	case OpBegin:
		return "BEGIN"
	case OpCommit:
		return "COMMIT"
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Column is one decoded wire column, carrying enough type metadata for the
// Schema Inferencer and Value Decoder to do their work without re-reading
// the relation cache.
type Column struct {
	Name       string
	OID        uint32
	Atttypmod  int32
	PartOfPKey bool
	Datum      walvalue.Datum
}

// RowMessage is the flat, op-discriminated record every wire message is
// normalized into before reaching the Consumer. It plays the role the
// original decoderbufs RowMessage protobuf plays in the system this design
// is modeled on; see internal/replstream/decoder.go for how it is
// synthesized from pgoutput's own message set.
type RowMessage struct {
	Op          Op
	Table       string // "schema.table"
	CommitTime  time.Time
	NewTuple    []Column
	OldTuple    []Column
	NewTypeInfo []tableschema.TypeInfo
	DataStart   pglogrepl.LSN
}
