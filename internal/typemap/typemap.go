// Package typemap resolves PostgreSQL wire type OIDs and modifiers into the
// column type descriptors the rest of the engine reasons about.
package typemap

// Kind is the internal column data type.
type Kind string

const (
	KindBigint    Kind = "bigint"
	KindBinary    Kind = "binary"
	KindBool      Kind = "bool"
	KindComplex   Kind = "complex"
	KindDate      Kind = "date"
	KindDecimal   Kind = "decimal"
	KindDouble    Kind = "double"
	KindText      Kind = "text"
	KindTime      Kind = "time"
	KindTimestamp Kind = "timestamp"
	KindWei       Kind = "wei"
)

// Well-known PostgreSQL type OIDs this engine understands directly.
const (
	oidBool        = 16
	oidBytea       = 17
	oidInt8        = 20
	oidInt2        = 21
	oidInt4        = 23
	oidFloat8      = 701
	oidVarchar     = 1043
	oidDate        = 1082
	oidTime        = 1083
	oidTimestamp   = 1184
	oidNumeric     = 1700
	oidJSONB       = 3802
	noModifier     = -1
	numericModBase = 4
)

// ColumnType is the resolved internal type of a decoded column.
type ColumnType struct {
	Kind      Kind
	Precision *int
	Scale     *int
}

// modifierNames maps a known OID to the human type-name string a
// decoderbufs-style producer would have reported. Used by the replication
// decoder to synthesize TypeInfo from cached relation metadata.
var modifierNames = map[uint32]string{
	oidBool:      "boolean",
	oidBytea:     "bytea",
	oidInt8:      "bigint",
	oidInt2:      "smallint",
	oidInt4:      "integer",
	oidFloat8:    "double precision",
	oidVarchar:   "character varying",
	oidDate:      "date",
	oidTime:      "time without time zone",
	oidTimestamp: "timestamp without time zone",
	oidNumeric:   "numeric",
	oidJSONB:     "jsonb",
}

// ModifierName returns the human type-name string for a known OID, or
// "text" for anything unrecognized.
func ModifierName(oid uint32) string {
	if name, ok := modifierNames[oid]; ok {
		return name
	}
	return "text"
}

func intp(v int) *int { return &v }

// Resolve maps a PostgreSQL type OID and atttypmod to a ColumnType.
func Resolve(oid uint32, atttypmod int32) ColumnType {
	switch oid {
	case oidBool:
		return ColumnType{Kind: KindBool}
	case oidBytea:
		return ColumnType{Kind: KindBinary}
	case oidInt2:
		return ColumnType{Kind: KindBigint, Precision: intp(16), Scale: intp(0)}
	case oidInt4:
		return ColumnType{Kind: KindBigint, Precision: intp(32), Scale: intp(0)}
	case oidInt8:
		return ColumnType{Kind: KindBigint, Precision: intp(64), Scale: intp(0)}
	case oidFloat8:
		return ColumnType{Kind: KindDouble}
	case oidVarchar:
		ct := ColumnType{Kind: KindText}
		if atttypmod != noModifier {
			ct.Precision = intp(int(atttypmod) - numericModBase)
		}
		return ct
	case oidDate:
		return ColumnType{Kind: KindDate}
	case oidTime:
		ct := ColumnType{Kind: KindTime}
		if atttypmod != noModifier {
			ct.Precision = intp(int(atttypmod))
		}
		return ct
	case oidTimestamp:
		ct := ColumnType{Kind: KindTimestamp}
		if atttypmod != noModifier {
			ct.Precision = intp(int(atttypmod))
		}
		return ct
	case oidNumeric:
		ct := ColumnType{Kind: KindDecimal}
		if atttypmod != noModifier {
			m := int(atttypmod) - numericModBase
			ct.Precision = intp((m >> 16) & 0xFFFF)
			ct.Scale = intp(m & 0xFFFF)
		}
		return ct
	case oidJSONB:
		return ColumnType{Kind: KindComplex}
	default:
		return ColumnType{Kind: KindText}
	}
}
