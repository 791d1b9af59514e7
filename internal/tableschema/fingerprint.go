package tableschema

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint computes a stable 64-bit hash of a TypeInfo sequence. Equal
// sequences always hash equal; a change in any (Modifier, ValueOptional)
// pair changes the hash with overwhelming probability. This replaces the
// blake2b-over-repr() fingerprint of the source this engine's schema-change
// detection is modeled on, with an allocation-light stdlib-adjacent hash.
func Fingerprint(typeInfos []TypeInfo) uint64 {
	var b strings.Builder
	for _, ti := range typeInfos {
		b.WriteString(ti.Modifier)
		b.WriteByte(0)
		b.WriteString(strconv.FormatBool(ti.ValueOptional))
		b.WriteByte(0x1e) // record separator
	}
	return xxhash.Sum64String(b.String())
}
