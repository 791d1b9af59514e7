package typemap

import "testing"

func TestResolveKnownOIDs(t *testing.T) {
	tests := []struct {
		name      string
		oid       uint32
		atttypmod int32
		wantKind  Kind
	}{
		{"bool", oidBool, -1, KindBool},
		{"bytea", oidBytea, -1, KindBinary},
		{"int2", oidInt2, -1, KindBigint},
		{"int4", oidInt4, -1, KindBigint},
		{"int8", oidInt8, -1, KindBigint},
		{"float8", oidFloat8, -1, KindDouble},
		{"varchar", oidVarchar, -1, KindText},
		{"date", oidDate, -1, KindDate},
		{"time", oidTime, -1, KindTime},
		{"timestamp", oidTimestamp, -1, KindTimestamp},
		{"numeric", oidNumeric, -1, KindDecimal},
		{"jsonb", oidJSONB, -1, KindComplex},
		{"unknown", 99999, -1, KindText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.oid, tt.atttypmod)
			if got.Kind != tt.wantKind {
				t.Errorf("Resolve(%d, %d).Kind = %v, want %v", tt.oid, tt.atttypmod, got.Kind, tt.wantKind)
			}
		})
	}
}

func TestResolveIntegerPrecision(t *testing.T) {
	tests := []struct {
		oid  uint32
		want int
	}{
		{oidInt2, 16},
		{oidInt4, 32},
		{oidInt8, 64},
	}
	for _, tt := range tests {
		got := Resolve(tt.oid, -1)
		if got.Precision == nil || *got.Precision != tt.want {
			t.Errorf("Resolve(%d, -1).Precision = %v, want %d", tt.oid, got.Precision, tt.want)
		}
		if got.Scale == nil || *got.Scale != 0 {
			t.Errorf("Resolve(%d, -1).Scale = %v, want 0", tt.oid, got.Scale)
		}
	}
}

func TestResolveVarcharPrecision(t *testing.T) {
	got := Resolve(oidVarchar, 24) // atttypmod 24 -> varchar(20)
	if got.Precision == nil || *got.Precision != 20 {
		t.Errorf("Precision = %v, want 20", got.Precision)
	}
}

func TestResolveVarcharNoModifier(t *testing.T) {
	got := Resolve(oidVarchar, -1)
	if got.Precision != nil {
		t.Errorf("Precision = %v, want nil", got.Precision)
	}
}

func TestResolveNumericPrecisionScale(t *testing.T) {
	// atttypmod packs (precision<<16 | scale) + 4. numeric(10,2) -> ((10<<16)|2)+4
	mod := int32((10<<16)|2) + 4
	got := Resolve(oidNumeric, mod)
	if got.Precision == nil || *got.Precision != 10 {
		t.Errorf("Precision = %v, want 10", got.Precision)
	}
	if got.Scale == nil || *got.Scale != 2 {
		t.Errorf("Scale = %v, want 2", got.Scale)
	}
}

func TestResolveTimePrecision(t *testing.T) {
	got := Resolve(oidTime, 6)
	if got.Precision == nil || *got.Precision != 6 {
		t.Errorf("Precision = %v, want 6", got.Precision)
	}
}

func TestModifierName(t *testing.T) {
	tests := []struct {
		oid  uint32
		want string
	}{
		{oidInt8, "bigint"},
		{oidVarchar, "character varying"},
		{99999, "text"},
	}
	for _, tt := range tests {
		if got := ModifierName(tt.oid); got != tt.want {
			t.Errorf("ModifierName(%d) = %q, want %q", tt.oid, got, tt.want)
		}
	}
}
