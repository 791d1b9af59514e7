// Package walvalue decodes pgoutput wire datums into Go values, applying
// the target column's resolved type and the DELETE dummy-value policy.
package walvalue

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jfoltran/pgslotcdc/internal/typemap"
)

// DatumKind discriminates the arms of Datum.
type DatumKind uint8

const (
	DatumNull DatumKind = iota
	DatumUnchangedTOAST
	DatumText
)

// Datum is the decoded wire value for a single column, a sealed sum type
// over the three forms pgoutput's text replication protocol can send:
// SQL NULL, an unchanged TOASTed value (no new data for this column in an
// UPDATE), or the column's new value as text.
type Datum struct {
	Kind DatumKind
	Text string // valid only when Kind == DatumText
}

// ParseDatum decodes a single pgoutput tuple-column wire value. tag is the
// one-byte discriminator pgoutput prefixes each column with: 'n' (null),
// 'u' (unchanged TOAST), or 't' (text value follows).
func ParseDatum(tag byte, value []byte) (Datum, error) {
	switch tag {
	case 'n':
		return Datum{Kind: DatumNull}, nil
	case 'u':
		return Datum{Kind: DatumUnchangedTOAST}, nil
	case 't':
		return Datum{Kind: DatumText, Text: string(value)}, nil
	default:
		return Datum{}, fmt.Errorf("%w: unrecognized datum tag %q", ErrMalformedMessage, tag)
	}
}

// dummyValue returns the DELETE-safe placeholder for each known kind, used
// so that NOT NULL constraints on downstream tables are never violated by
// a key-only DELETE row.
func dummyValue(kind typemap.Kind) any {
	switch kind {
	case typemap.KindBigint:
		return int64(0)
	case typemap.KindBinary:
		return []byte(" ")
	case typemap.KindBool:
		return true
	case typemap.KindComplex:
		return []any{0}
	case typemap.KindDate:
		return "2000-01-01"
	case typemap.KindDecimal:
		return float64(0)
	case typemap.KindDouble:
		return float64(0)
	case typemap.KindText:
		return ""
	case typemap.KindTime:
		return "00:00:00"
	case typemap.KindTimestamp:
		return "2000-01-01T00:00:00"
	case typemap.KindWei:
		return 0
	default:
		return nil
	}
}

// Decode converts a Datum to its internal Go representation under the
// given column type. forDelete controls null handling: DELETE rows get a
// type-specific dummy sentinel for null/unchanged columns instead of nil,
// because the downstream schema may declare those columns NOT NULL.
func Decode(d Datum, ct typemap.ColumnType, forDelete bool) (any, error) {
	switch d.Kind {
	case DatumNull, DatumUnchangedTOAST:
		if forDelete {
			return dummyValue(ct.Kind), nil
		}
		return nil, nil
	case DatumText:
		return decodeText(d.Text, ct)
	default:
		return nil, fmt.Errorf("%w: unrecognized datum kind %d", ErrMalformedMessage, d.Kind)
	}
}

func decodeText(text string, ct typemap.ColumnType) (any, error) {
	switch ct.Kind {
	case typemap.KindBinary:
		return decodeHexBytea(text)
	case typemap.KindComplex:
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("decode json column: %w", err)
		}
		return v, nil
	case typemap.KindBool:
		return text == "t" || text == "true", nil
	case typemap.KindBigint:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode bigint column: %w", err)
		}
		return n, nil
	case typemap.KindDouble, typemap.KindDecimal:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("decode numeric column: %w", err)
		}
		return f, nil
	case typemap.KindDate, typemap.KindTime:
		return text, nil
	case typemap.KindTimestamp:
		return parseTimestamp(text)
	default:
		return text, nil
	}
}

func decodeHexBytea(text string) ([]byte, error) {
	trimmed := strings.TrimPrefix(text, `\x`)
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode bytea column: %w", err)
	}
	return b, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

func parseTimestamp(text string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("decode timestamp column %q: %w", text, lastErr)
}
