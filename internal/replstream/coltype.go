package replstream

import "github.com/jfoltran/pgslotcdc/internal/typemap"

func resolveColumnType(col Column) typemap.ColumnType {
	return typemap.Resolve(col.OID, col.Atttypmod)
}
