package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValueKinds(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		v    Value
		kind ValueKind
		raw  interface{}
	}{
		{"null", Null, KindNull, nil},
		{"simple string", NewSimple("x"), KindSimple, "x"},
		{"simple nil degrades to null", NewSimple(nil), KindNull, nil},
		{"lookup raw is id", NewLookup(id, "account", "Contoso"), KindLookup, id},
		{"optionset raw is code", NewOptionSet(3, "Active"), KindOptionSet, 3},
		{"money raw is amount", NewMoney("10.5000", "$10.50"), KindMoney, "10.5000"},
		{"formatted raw is payload", NewFormatted(int64(7), "seven"), KindFormatted, int64(7)},
		{"formatted empty degrades to simple", NewFormatted(int64(7), ""), KindSimple, int64(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.v.Kind() != tt.kind {
				t.Errorf("kind = %v, want %v", tt.v.Kind(), tt.kind)
			}
			if tt.v.Raw() != tt.raw {
				t.Errorf("raw = %v, want %v", tt.v.Raw(), tt.raw)
			}
		})
	}
}

func TestValueEqualAcrossVariants(t *testing.T) {
	// Comparisons between variants use the raw payload.
	if !NewFormatted(int64(7), "seven").Equal(NewSimple(int64(7))) {
		t.Error("formatted 7 should equal simple 7")
	}
	if !NewOptionSet(2, "B").Equal(NewOptionSet(2, "different label")) {
		t.Error("option set equality must ignore the label")
	}
	if NewSimple("7").Equal(NewSimple(int64(7))) {
		t.Error("string and int payloads are not equal")
	}
	if !Null.Equal(Null) || Null.Equal(NewSimple("x")) {
		t.Error("null equals only null")
	}

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	inParis := ts.In(time.FixedZone("CET", 3600))
	if !NewSimple(ts).Equal(NewSimple(inParis)) {
		t.Error("time equality must be instant-based")
	}

	if !NewOptionSetSet([]int{1, 2}, "").Equal(NewOptionSetSet([]int{1, 2}, "x")) {
		t.Error("multi-choice equality compares codes")
	}
	if NewOptionSetSet([]int{1, 2}, "").Equal(NewOptionSetSet([]int{2, 1}, "")) {
		t.Error("multi-choice codes are ordered")
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Null, "NULL"},
		{NewSimple("hi"), "hi"},
		{NewFormatted(int64(1500), "$1,500.00"), "$1,500.00"},
		{NewLookup(uuid.Nil, "account", "Contoso"), "Contoso"},
		{NewOptionSet(1, "Active"), "Active"},
		{NewOptionSet(1, ""), "1"},
		{NewSimple(time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)), "2024-05-01T12:30:00.000"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	id := uuid.New()
	values := []Value{
		Null,
		NewSimple("text"),
		NewSimple(int64(42)),
		NewSimple(3.25),
		NewSimple(true),
		NewSimple(id),
		NewSimple(time.Date(2024, 5, 1, 9, 0, 0, 123000000, time.UTC)),
		NewSimple([]byte{0x01, 0x02}),
		NewLookup(id, "contact", "Ada"),
		NewOptionSet(5, "Hot"),
		NewOptionSetSet([]int{1, 3}, "A; C"),
		NewMoney("99.9900", "$99.99"),
		NewFormatted("raw", "display"),
	}
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v.Kind(), err)
		}
		var back Value
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %v (%s): %v", v.Kind(), data, err)
		}
		if back.Kind() != v.Kind() {
			t.Errorf("kind drifted: %v -> %v", v.Kind(), back.Kind())
		}
		if !bytesAwareEqual(v, back) {
			t.Errorf("round trip %v: %v -> %v", v.Kind(), v.Raw(), back.Raw())
		}
		if f, ok := v.Formatted(); ok {
			if bf, _ := back.Formatted(); bf != f {
				t.Errorf("formatted drifted: %q -> %q", f, bf)
			}
		}
	}
}

// bytesAwareEqual extends Equal to the []byte payload, which Equal does not
// support (data files never compare binaries).
func bytesAwareEqual(a, b Value) bool {
	ab, ok := a.Raw().([]byte)
	if !ok {
		return a.Equal(b)
	}
	bb, ok := b.Raw().([]byte)
	if !ok || len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}

func TestValueJSONUnknownKind(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`{"k":"mystery"}`), &v); err == nil {
		t.Fatal("unknown kind must fail")
	}
}

func TestRecordCaseInsensitive(t *testing.T) {
	r := Record{}
	r.Set("Name", NewSimple("x"))
	if got := r.Get("name"); got.Raw() != "x" {
		t.Errorf("Get(name) = %v", got.Raw())
	}
	if !r.Has("NAME") {
		t.Error("Has must be case-insensitive")
	}
	if r.Get("missing").Kind() != KindNull {
		t.Error("missing key yields Null")
	}
}

func TestInferColumns(t *testing.T) {
	records := []Record{
		{"name": NewSimple("a"), "accountid": NewSimple(uuid.New())},
		{"revenue": NewSimple(1.5)},
	}
	cols := InferColumns(records)
	var names []string
	for _, c := range cols {
		names = append(names, c.LogicalName)
		if c.DataType != ColTypeUnknown {
			t.Errorf("inferred column %s has type %s", c.LogicalName, c.DataType)
		}
	}
	want := []string{"accountid", "name", "revenue"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("column order %v, want %v", names, want)
		}
	}
}
