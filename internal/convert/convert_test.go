package convert

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValueScalarTypes(t *testing.T) {
	tests := []struct {
		name    string
		oid     uint32
		data    string
		want    any
		wantErr bool
	}{
		{"bool true", OIDBool, "t", true, false},
		{"bool false", OIDBool, "f", false, false},
		{"bool garbage", OIDBool, "maybe", nil, true},
		{"int2", OIDInt2, "42", int16(42), false},
		{"int4", OIDInt4, "-7", int32(-7), false},
		{"int8", OIDInt8, "9999999999", int64(9999999999), false},
		{"int4 garbage", OIDInt4, "abc", nil, true},
		{"float4", OIDFloat4, "3.5", float32(3.5), false},
		{"float8", OIDFloat8, "2.718281828", 2.718281828, false},
		{"text", OIDText, "hello", "hello", false},
		{"varchar", OIDVarchar, "hello", "hello", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Value(tt.oid, []byte(tt.data), 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Value() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if _, ok := err.(*ConversionError); !ok {
					t.Errorf("error type = %T, want *ConversionError", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Value() = %#v (%T), want %#v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestValueNull(t *testing.T) {
	got, err := Value(OIDInt4, nil, 0)
	if err != nil {
		t.Fatalf("Value(nil) error = %v", err)
	}
	if got != nil {
		t.Errorf("Value(nil) = %#v, want nil", got)
	}
}

func TestValueNumeric(t *testing.T) {
	got, err := Value(OIDNumeric, []byte("123.456"), 0)
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	d, ok := got.(decimal.Decimal)
	if !ok {
		t.Fatalf("got %T, want decimal.Decimal", got)
	}
	want := decimal.RequireFromString("123.456")
	if !d.Equal(want) {
		t.Errorf("Value() = %s, want %s", d, want)
	}
}

func TestValueNumericBadLiteral(t *testing.T) {
	_, err := Value(OIDNumeric, []byte("not-a-number"), 0)
	if err == nil {
		t.Fatal("expected error for malformed numeric literal")
	}
}

func TestValueTimestamp(t *testing.T) {
	got, err := Value(OIDTimestamp, []byte("2024-03-14 09:26:53.589793"), 0)
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	ts, ok := got.(time.Time)
	if !ok {
		t.Fatalf("got %T, want time.Time", got)
	}
	if ts.Year() != 2024 || ts.Month() != time.March || ts.Day() != 14 {
		t.Errorf("unexpected timestamp: %v", ts)
	}
}

func TestValueUUID(t *testing.T) {
	got, err := Value(OIDUUID, []byte("550e8400-e29b-41d4-a716-446655440000"), 0)
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if got.(fmt.Stringer).String() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("Value() = %v", got)
	}
}

func TestValueUUIDBadLiteral(t *testing.T) {
	_, err := Value(OIDUUID, []byte("not-a-uuid"), 0)
	if err == nil {
		t.Fatal("expected error for malformed uuid literal")
	}
}

func TestValueBytea(t *testing.T) {
	got, err := Value(OIDBytea, []byte(`\x68656c6c6f`), 0)
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	b, ok := got.([]byte)
	if !ok {
		t.Fatalf("got %T, want []byte", got)
	}
	if string(b) != "hello" {
		t.Errorf("Value() = %q, want %q", b, "hello")
	}
}

func TestValueByteaMissingPrefix(t *testing.T) {
	_, err := Value(OIDBytea, []byte("68656c6c6f"), 0)
	if err == nil {
		t.Fatal("expected error for bytea literal missing \\x prefix")
	}
}

func TestValueArray(t *testing.T) {
	got, err := Value(1007 /* _int4 */, []byte("{1,2,NULL,4}"), 0)
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	arr, ok := got.([]any)
	if !ok {
		t.Fatalf("got %T, want []any", got)
	}
	if len(arr) != 4 {
		t.Fatalf("len(arr) = %d, want 4", len(arr))
	}
	if arr[0] != "1" || arr[1] != "2" || arr[2] != nil || arr[3] != "4" {
		t.Errorf("unexpected array elements: %#v", arr)
	}
}

func TestValueUnknownOIDFallsBackToText(t *testing.T) {
	got, err := Value(999999, []byte("raw"), 0)
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if got != "raw" {
		t.Errorf("Value() = %v, want %q", got, "raw")
	}
}
