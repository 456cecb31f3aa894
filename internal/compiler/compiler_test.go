package compiler

import (
	"context"
	"testing"

	"github.com/oriys/theatre/internal/ffi"
	"github.com/oriys/theatre/internal/value"
	"github.com/oriys/theatre/internal/vm"
)

// runExpr compiles src and executes it against a fresh Machine, returning
// the top-of-stack result at Halt.
func runExpr(t *testing.T, src string, schema *Schema, seed map[string]value.Value) value.Value {
	t.Helper()
	code, err := CompileExpr(src, schema)
	if err != nil {
		t.Fatalf("CompileExpr(%q): %v", src, err)
	}
	m := vm.New(value.NewState(seed), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 10_000)
	if res.Outcome != vm.OutcomeHalted {
		t.Fatalf("running %q: outcome %v, err %v", src, res.Outcome, res.Err)
	}
	return res.Value
}

func TestCompileArithmeticPrecedence(t *testing.T) {
	v := runExpr(t, "1 + 2 * 3", nil, nil)
	if got, _ := v.AsInt(); got != 7 {
		t.Fatalf("1 + 2 * 3 = %d, want 7", got)
	}
}

func TestCompileComparisonAndBoolean(t *testing.T) {
	v := runExpr(t, "1 < 2 && 3 > 2", nil, nil)
	if got, _ := v.AsBool(); !got {
		t.Fatalf("1 < 2 && 3 > 2 = %v, want true", got)
	}
}

func TestCompileShortCircuitAndSkipsRightSide(t *testing.T) {
	// If short-circuiting didn't work, evaluating the right side of && when
	// the left is false would still need a boolean operand; a malformed
	// right side proves it was never evaluated.
	v := runExpr(t, "false && (1 / 0)", nil, nil)
	if got, _ := v.AsBool(); got {
		t.Fatalf("false && ... = %v, want false", got)
	}
}

func TestCompileShortCircuitOrSkipsRightSide(t *testing.T) {
	v := runExpr(t, "true || (1 / 0)", nil, nil)
	if got, _ := v.AsBool(); !got {
		t.Fatalf("true || ... = %v, want true", got)
	}
}

func TestCompileStringConcat(t *testing.T) {
	v := runExpr(t, `"a" + "b"`, nil, nil)
	if got, _ := v.AsString(); got != "ab" {
		t.Fatalf(`"a" + "b" = %q, want "ab"`, got)
	}
}

func TestCompilePathLoad(t *testing.T) {
	v := runExpr(t, "user.age", nil, map[string]value.Value{
		"user": value.Map(map[string]value.Value{"age": value.Int(30)}),
	})
	if got, _ := v.AsInt(); got != 30 {
		t.Fatalf("user.age = %d, want 30", got)
	}
}

func TestCompileIndexing(t *testing.T) {
	v := runExpr(t, "items[1]", nil, map[string]value.Value{
		"items": value.Seq([]value.Value{value.Int(10), value.Int(20)}),
	})
	if got, _ := v.AsInt(); got != 20 {
		t.Fatalf("items[1] = %d, want 20", got)
	}
}

func TestCompileUnaryNegationAndNot(t *testing.T) {
	if got, _ := runExpr(t, "-5", nil, nil).AsInt(); got != -5 {
		t.Fatalf("-5 = %d, want -5", got)
	}
	if got, _ := runExpr(t, "!false", nil, nil).AsBool(); !got {
		t.Fatalf("!false = %v, want true", got)
	}
}

func TestCompileAssignmentStoresIntoState(t *testing.T) {
	code, err := CompileAssign("total", "2 + 2", nil)
	if err != nil {
		t.Fatalf("CompileAssign: %v", err)
	}
	st := value.NewState(nil)
	m := vm.New(st, ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 10_000)
	if res.Outcome != vm.OutcomeHalted {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
	total, ok := st.Get("total")
	if !ok {
		t.Fatalf("total not stored")
	}
	if got, _ := total.AsInt(); got != 4 {
		t.Fatalf("total = %d, want 4", got)
	}
}

func TestCompileRejectsSyntaxError(t *testing.T) {
	if _, err := CompileExpr("1 + ", nil); err == nil {
		t.Fatalf("expected a parse error for a trailing operator")
	}
}

func TestCompileEnforcesSchema(t *testing.T) {
	schema := NewSchema([]string{"allowed"})
	if _, err := CompileExpr("forbidden", schema); err == nil {
		t.Fatalf("expected state_schema_violation reading an undeclared path")
	}
	if _, err := CompileExpr("allowed", schema); err != nil {
		t.Fatalf("CompileExpr on a declared path: %v", err)
	}
}

func TestSchemaValidatesNestedAndIndexedPaths(t *testing.T) {
	schema := NewSchema([]string{"items[].name"})
	if err := schema.ValidatePath("items[0].name"); err != nil {
		t.Fatalf("ValidatePath(items[0].name): %v", err)
	}
	if err := schema.ValidatePath("items[3].name"); err != nil {
		t.Fatalf("ValidatePath(items[3].name): %v", err)
	}
	if err := schema.ValidatePath("items[0].other"); err == nil {
		t.Fatalf("expected violation for an undeclared nested field")
	}
}

func TestNilSchemaAllowsAnyPath(t *testing.T) {
	var schema *Schema
	if err := schema.ValidatePath("anything.goes"); err != nil {
		t.Fatalf("nil schema should allow any path, got %v", err)
	}
}

func TestInternConstDeduplicates(t *testing.T) {
	code, err := CompileExpr("1 + 1", nil)
	if err != nil {
		t.Fatalf("CompileExpr: %v", err)
	}
	if len(code.Constants) != 1 {
		t.Fatalf("Constants has %d entries, want 1 (both literal 1s should share a pool slot)", len(code.Constants))
	}
}
