package sqlfn

import (
	"errors"
	"testing"
	"time"

	"github.com/dvtools/dvq/internal/dverr"
	"github.com/dvtools/dvq/internal/scope"
	"github.com/dvtools/dvq/internal/types"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ref := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	return NewEvaluatorAt(NewRegistry(), scope.New(), ref)
}

func mustInvoke(t *testing.T, ev *Evaluator, name string, args ...types.Value) types.Value {
	t.Helper()
	v, err := ev.Invoke(name, args)
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", name, err)
	}
	return v
}

func TestInvokeUnknownFunction(t *testing.T) {
	ev := newTestEvaluator(t)
	_, err := ev.Invoke("NO_SUCH_FN", nil)
	if dverr.CodeOf(err) != dverr.CodeUnknownFunction {
		t.Errorf("expected UnknownFunction, got %v", err)
	}
}

func TestInvokeCaseInsensitive(t *testing.T) {
	ev := newTestEvaluator(t)
	for _, name := range []string{"upper", "Upper", "UPPER"} {
		v := mustInvoke(t, ev, name, types.NewSimple("abc"))
		if s, _ := v.Text(); s != "ABC" {
			t.Errorf("%s: got %q, want ABC", name, s)
		}
	}
}

func TestInvokeArity(t *testing.T) {
	ev := newTestEvaluator(t)
	tests := []struct {
		name string
		fn   string
		args []types.Value
	}{
		{"too few", "LEFT", []types.Value{types.NewSimple("a")}},
		{"too many", "UPPER", []types.Value{types.NewSimple("a"), types.NewSimple("b")}},
		{"zero for variadic min", "CONCAT", []types.Value{types.NewSimple("a")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ev.Invoke(tt.fn, tt.args)
			if dverr.CodeOf(err) != dverr.CodeArgArity {
				t.Errorf("expected ArgArity, got %v", err)
			}
		})
	}
}

// TestNullPropagation checks the registry default: any Null argument to a
// non-tolerant function yields Null without running the handler.
func TestNullPropagation(t *testing.T) {
	ev := newTestEvaluator(t)
	tests := []struct {
		fn   string
		args []types.Value
	}{
		{"UPPER", []types.Value{types.Null}},
		{"SUBSTRING", []types.Value{types.Null, types.NewSimple(int64(1)), types.NewSimple(int64(2))}},
		{"SUBSTRING", []types.Value{types.NewSimple("abc"), types.Null, types.NewSimple(int64(2))}},
		{"DATEADD", []types.Value{types.NewSimple("day"), types.NewSimple(int64(1)), types.Null}},
		{"ROUND", []types.Value{types.Null, types.NewSimple(int64(0))}},
		{"CREATEELASTICLOOKUP", []types.Value{types.NewSimple("contact"), types.NewSimple("contact"), types.Null, types.NewSimple("pK1")}},
	}
	for _, tt := range tests {
		v, err := ev.Invoke(tt.fn, tt.args)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.fn, err)
			continue
		}
		if !v.IsNull() {
			t.Errorf("%s: expected Null result, got %v", tt.fn, v)
		}
	}
}

func TestNullTolerantFunctions(t *testing.T) {
	ev := newTestEvaluator(t)

	v := mustInvoke(t, ev, "ISNULL", types.Null, types.NewSimple("fallback"))
	if s, _ := v.Text(); s != "fallback" {
		t.Errorf("ISNULL: got %q", s)
	}

	v = mustInvoke(t, ev, "COALESCE", types.Null, types.Null, types.NewSimple(int64(7)))
	if v.Raw() != int64(7) {
		t.Errorf("COALESCE: got %v", v.Raw())
	}

	v = mustInvoke(t, ev, "COALESCE", types.Null, types.Null)
	if !v.IsNull() {
		t.Errorf("COALESCE all null: got %v", v)
	}

	// CONCAT renders Null as empty rather than propagating.
	v = mustInvoke(t, ev, "CONCAT", types.NewSimple("a"), types.Null, types.NewSimple("b"))
	if s, _ := v.Text(); s != "ab" {
		t.Errorf("CONCAT: got %q", s)
	}
}

func TestGetDateDeterministicPerScript(t *testing.T) {
	ev := newTestEvaluator(t)
	v1 := mustInvoke(t, ev, "GETDATE")
	v2 := mustInvoke(t, ev, "SYSUTCDATETIME")
	if !v1.Equal(v2) {
		t.Errorf("GETDATE and SYSUTCDATETIME differ within one script: %v vs %v", v1, v2)
	}
}

func TestErrorFunctionsReadScope(t *testing.T) {
	ev := newTestEvaluator(t)

	// Outside any handler all four read Null.
	for _, fn := range []string{"ERROR_MESSAGE", "ERROR_NUMBER", "ERROR_SEVERITY", "ERROR_STATE"} {
		if v := mustInvoke(t, ev, fn); !v.IsNull() {
			t.Errorf("%s outside handler: expected Null, got %v", fn, v)
		}
	}

	ev.Scope().SetErrorState("x", 50001, 16, 1)
	if v := mustInvoke(t, ev, "ERROR_MESSAGE"); v.Raw() != "x" {
		t.Errorf("ERROR_MESSAGE: got %v", v.Raw())
	}
	if v := mustInvoke(t, ev, "ERROR_NUMBER"); v.Raw() != int64(50001) {
		t.Errorf("ERROR_NUMBER: got %v", v.Raw())
	}
	if v := mustInvoke(t, ev, "ERROR_SEVERITY"); v.Raw() != int64(16) {
		t.Errorf("ERROR_SEVERITY: got %v", v.Raw())
	}
	if v := mustInvoke(t, ev, "ERROR_STATE"); v.Raw() != int64(1) {
		t.Errorf("ERROR_STATE: got %v", v.Raw())
	}
}

// TestErrorStateNestedFrames pins the nested-handler interaction: an inner
// frame's error state shadows the outer, and popping restores it.
func TestErrorStateNestedFrames(t *testing.T) {
	ev := newTestEvaluator(t)
	sc := ev.Scope()

	sc.PushFrame()
	sc.SetErrorState("outer", 1, 16, 1)

	sc.PushFrame()
	sc.SetErrorState("inner", 2, 16, 1)
	if v := mustInvoke(t, ev, "ERROR_MESSAGE"); v.Raw() != "inner" {
		t.Fatalf("inner handler: got %v", v.Raw())
	}
	sc.PopFrame()

	if v := mustInvoke(t, ev, "ERROR_MESSAGE"); v.Raw() != "outer" {
		t.Errorf("after inner pop: got %v", v.Raw())
	}
	sc.PopFrame()

	if v := mustInvoke(t, ev, "ERROR_MESSAGE"); !v.IsNull() {
		t.Errorf("after all pops: expected Null, got %v", v.Raw())
	}
}

func TestCreateElasticLookup(t *testing.T) {
	ev := newTestEvaluator(t)
	v := mustInvoke(t, ev, "CREATEELASTICLOOKUP",
		types.NewSimple("contact"),
		types.NewSimple("contact"),
		types.NewSimple("00000000-0000-0000-0000-000000000001"),
		types.NewSimple("pK1"))
	want := "contact:contact:00000000-0000-0000-0000-000000000001:pK1"
	if s, _ := v.Text(); s != want {
		t.Errorf("got %q, want %q", s, want)
	}
}

func TestInvokeErrorIsTaxonomy(t *testing.T) {
	ev := newTestEvaluator(t)
	_, err := ev.Invoke("SQRT", []types.Value{types.NewSimple(float64(-1))})
	var de *dverr.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *dverr.Error, got %T", err)
	}
	if de.Code != dverr.CodeInvalidArguments {
		t.Errorf("code: got %s", de.Code)
	}
}
