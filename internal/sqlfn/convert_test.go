package sqlfn

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/types"
)

func TestConvertNumeric(t *testing.T) {
	tests := []struct {
		name   string
		in     types.Value
		target string
		want   interface{}
	}{
		{"float to int truncates toward zero", flt(3.9), "int", int64(3)},
		{"negative float to int truncates toward zero", flt(-3.9), "int", int64(-3)},
		{"string to bigint", str("42"), "bigint", int64(42)},
		{"decimal string truncates", str("7.99"), "int", int64(7)},
		{"int to float", num(3), "float", float64(3)},
		{"decimal rounds half away from zero", str("2.50005"), "decimal(18,4)", "2.5001"},
		{"decimal negative rounds half away", str("-2.50005"), "decimal(18,4)", "-2.5001"},
		{"bit from true string", str("TRUE"), "bit", true},
		{"bit from zero", str("0"), "bit", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Convert(tt.in, tt.target, -1)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := v.Raw(); got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestConvertMoneyScale(t *testing.T) {
	v, err := Convert(str("19.99999"), "money", -1)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := v.Money()
	if !ok {
		t.Fatalf("expected money value, got %v", v.Kind())
	}
	if m.Amount != "20.0000" {
		t.Errorf("amount: got %q, want 20.0000", m.Amount)
	}
}

func TestConvertFaults(t *testing.T) {
	tests := []struct {
		name   string
		in     types.Value
		target string
	}{
		{"bit from arbitrary string", str("yes"), "bit"},
		{"datetime from numeric", num(5), "datetime"},
		{"numeric from datetime", types.NewSimple(time.Now()), "int"},
		{"garbage guid", str("not-a-guid"), "uniqueidentifier"},
		{"unknown target", str("x"), "geometry"},
		{"int overflow", str("99999999999"), "int"},
		{"decimal overflow", str("123456"), "decimal(5,2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Convert(tt.in, tt.target, -1)
			if dverr.CodeOf(err) != dverr.CodeInvalidCast {
				t.Errorf("expected InvalidCast, got %v", err)
			}
		})
	}
}

func TestConvertNullPassthrough(t *testing.T) {
	v, err := Convert(types.Null, "int", -1)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() {
		t.Errorf("expected Null, got %v", v)
	}
}

func TestConvertDateTimeStyles(t *testing.T) {
	dt := types.NewSimple(time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC))
	tests := []struct {
		style int
		want  string
	}{
		{101, "03/05/2024"},
		{103, "05/03/2024"},
		{102, "2024.03.05"},
		{104, "05.03.2024"},
		{105, "05-03-2024"},
		{106, "05 Mar 2024"},
		{107, "Mar 05, 2024"},
		{108, "14:30:00"},
		{120, "2024-03-05 14:30:00"},
		{121, "2024-03-05 14:30:00.000"},
		{126, "2024-03-05T14:30:00.000"},
		{1, "03/05/24"},
		{3, "05/03/24"},
		{-1, "2024-03-05T14:30:00.000"},   // no style: default ISO
		{9999, "2024-03-05T14:30:00.000"}, // unknown style falls back
	}
	for _, tt := range tests {
		v, err := Convert(dt, "nvarchar", tt.style)
		if err != nil {
			t.Fatalf("style %d: %v", tt.style, err)
		}
		if s, _ := v.Text(); s != tt.want {
			t.Errorf("style %d: got %q, want %q", tt.style, s, tt.want)
		}
	}
}

func TestConvertStringToDateTimeWithStyle(t *testing.T) {
	v, err := Convert(str("03/05/2024"), "datetime", 101)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	if got := v.Raw().(time.Time); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestConvertGuidUppercase(t *testing.T) {
	id := uuid.MustParse("a1b2c3d4-0000-0000-0000-000000000001")
	v, err := Convert(types.NewSimple(id), "nvarchar", -1)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.Text(); s != "A1B2C3D4-0000-0000-0000-000000000001" {
		t.Errorf("got %q", s)
	}
}

func TestConvertStringTruncationAfterFormatting(t *testing.T) {
	dt := types.NewSimple(time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC))
	v, err := Convert(dt, "nvarchar(10)", 101)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.Text(); s != "03/05/2024" {
		t.Errorf("got %q", s)
	}
	v, err = Convert(dt, "nvarchar(4)", 101)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.Text(); s != "03/0" {
		t.Errorf("truncated: got %q", s)
	}
}

// TestCastRoundTrip pins CAST(CAST(x AS nvarchar) AS T) == x for
// representable values of each target type.
func TestCastRoundTrip(t *testing.T) {
	guid := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	tests := []struct {
		name   string
		in     types.Value
		target string
	}{
		{"int", num(42), "int"},
		{"bigint", types.NewSimple(int64(1 << 40)), "bigint"},
		{"float", flt(3.5), "float"},
		{"bit", types.NewSimple(true), "bit"},
		{"uniqueidentifier", types.NewSimple(guid), "uniqueidentifier"},
		{"date", types.NewSimple(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)), "date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asText, err := Convert(tt.in, "nvarchar", -1)
			if err != nil {
				t.Fatalf("to nvarchar: %v", err)
			}
			back, err := Convert(asText, tt.target, -1)
			if err != nil {
				t.Fatalf("back to %s: %v", tt.target, err)
			}
			if !back.Equal(tt.in) {
				t.Errorf("round trip: got %#v, want %#v", back.Raw(), tt.in.Raw())
			}
		})
	}
}

func TestCastRoundTripDecimalMoney(t *testing.T) {
	in, err := Convert(str("12.3456"), "decimal(18,4)", -1)
	if err != nil {
		t.Fatal(err)
	}
	asText, err := Convert(in, "nvarchar", -1)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Convert(asText, "decimal(18,4)", -1)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(in) {
		t.Errorf("decimal round trip: got %v, want %v", back.Raw(), in.Raw())
	}

	money, err := Convert(str("12.3456"), "money", -1)
	if err != nil {
		t.Fatal(err)
	}
	moneyText, err := Convert(money, "nvarchar", -1)
	if err != nil {
		t.Fatal(err)
	}
	back, err = Convert(moneyText, "money", -1)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(money) {
		t.Errorf("money round trip: got %v, want %v", back.Raw(), money.Raw())
	}
}
