package vm

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/ffi"
	"github.com/oriys/theatre/internal/value"
)

func halt(instrs ...bytecode.Instruction) *bytecode.Bytecode {
	return &bytecode.Bytecode{
		Instructions: append(instrs, bytecode.Instruction{Op: bytecode.OpHalt}),
	}
}

func TestRunHaltsWithTopOfStack(t *testing.T) {
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpPushConst, Operand: 1},
			{Op: bytecode.OpAdd},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.Int(2), value.Int(3)},
	}

	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)

	if res.Outcome != OutcomeHalted {
		t.Fatalf("Outcome = %v, want OutcomeHalted (err=%v)", res.Outcome, res.Err)
	}
	if got, _ := res.Value.AsInt(); got != 5 {
		t.Fatalf("result = %d, want 5", got)
	}
}

func TestRunOutOfGas(t *testing.T) {
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpPop},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.Int(1)},
	}

	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1)

	if res.Outcome != OutcomeOutOfGas {
		t.Fatalf("Outcome = %v, want OutcomeOutOfGas", res.Outcome)
	}
	if res.Err != ErrOutOfGas {
		t.Fatalf("Err = %v, want ErrOutOfGas", res.Err)
	}
}

func TestRunStackUnderflow(t *testing.T) {
	code := halt(bytecode.Instruction{Op: bytecode.OpPop})

	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)

	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want OutcomeError", res.Outcome)
	}
	if res.Err != ErrStackUnderflow {
		t.Fatalf("Err = %v, want ErrStackUnderflow", res.Err)
	}
}

func TestRunYieldsOnBlockOpcode(t *testing.T) {
	code := halt(bytecode.Instruction{Op: bytecode.OpYieldAwaitInput})

	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)

	if res.Outcome != OutcomeYielded {
		t.Fatalf("Outcome = %v, want OutcomeYielded", res.Outcome)
	}
	if res.Yield != YieldAwaitInput {
		t.Fatalf("Yield = %v, want YieldAwaitInput", res.Yield)
	}
}

func TestRunContextCancellation(t *testing.T) {
	code := halt(bytecode.Instruction{Op: bytecode.OpNop})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(ctx, code, 1000)

	if res.Outcome != OutcomeError || res.Err != context.Canceled {
		t.Fatalf("Outcome/Err = %v/%v, want OutcomeError/context.Canceled", res.Outcome, res.Err)
	}
}

func TestLoadStoreRoundTripsThroughState(t *testing.T) {
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpStore, Operand: 0},
			{Op: bytecode.OpLoad, Operand: 0},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.String("hi")},
		Paths:     []string{"msg"},
	}

	st := value.NewState(nil)
	m := New(st, ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)

	if res.Outcome != OutcomeHalted {
		t.Fatalf("Outcome = %v, want OutcomeHalted (err=%v)", res.Outcome, res.Err)
	}
	if got, _ := res.Value.AsString(); got != "hi" {
		t.Fatalf("result = %q, want hi", got)
	}
	stored, ok := st.Get("msg")
	if !ok {
		t.Fatalf("msg was not stored into state")
	}
	if got, _ := stored.AsString(); got != "hi" {
		t.Fatalf("state msg = %q, want hi", got)
	}
}

func TestLoadMissingPathPushesNull(t *testing.T) {
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpLoad, Operand: 0},
			{Op: bytecode.OpHalt},
		},
		Paths: []string{"nope"},
	}
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)
	if res.Outcome != OutcomeHalted || !res.Value.IsNull() {
		t.Fatalf("Outcome/Value = %v/%v, want OutcomeHalted/Null", res.Outcome, res.Value)
	}
}

func TestDivisionByZero(t *testing.T) {
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpPushConst, Operand: 1},
			{Op: bytecode.OpDiv},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.Int(1), value.Int(0)},
	}
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)
	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want OutcomeError", res.Outcome)
	}
}

func TestJumpIfFalseTakesBranch(t *testing.T) {
	// PushConst(false); JumpIfFalse +1 (skips the PushConst(1) at index 2, lands on Halt at index 3); PushConst(1) [skipped]; Halt
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpJumpIfFalse, Operand: 1},
			{Op: bytecode.OpPushConst, Operand: 1},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.Bool(false), value.Int(99)},
	}
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)
	if res.Outcome != OutcomeHalted {
		t.Fatalf("Outcome = %v, want OutcomeHalted (err=%v)", res.Outcome, res.Err)
	}
	if !res.Value.IsNull() {
		t.Fatalf("value = %v, want Null (stack empty at Halt after taken branch)", res.Value)
	}
}

func TestArithmeticOverflowOnAdd(t *testing.T) {
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpPushConst, Operand: 1},
			{Op: bytecode.OpAdd},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.Int(math.MaxInt64), value.Int(1)},
	}
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)
	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want OutcomeError", res.Outcome)
	}
	if !strings.HasPrefix(res.Err.Error(), "arithmetic_overflow") {
		t.Fatalf("Err = %v, want arithmetic_overflow prefix", res.Err)
	}
}

func TestArithmeticOverflowOnMul(t *testing.T) {
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpPushConst, Operand: 1},
			{Op: bytecode.OpMul},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.Int(math.MinInt64), value.Int(-1)},
	}
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)
	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want OutcomeError", res.Outcome)
	}
	if !strings.HasPrefix(res.Err.Error(), "arithmetic_overflow") {
		t.Fatalf("Err = %v, want arithmetic_overflow prefix", res.Err)
	}
}

func TestAddWithinRangeDoesNotOverflow(t *testing.T) {
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpPushConst, Operand: 1},
			{Op: bytecode.OpAdd},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.Int(math.MaxInt64 - 1), value.Int(1)},
	}
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)
	if res.Outcome != OutcomeHalted {
		t.Fatalf("Outcome = %v, want OutcomeHalted (err=%v)", res.Outcome, res.Err)
	}
	if i, ok := res.Value.AsInt(); !ok || i != math.MaxInt64 {
		t.Fatalf("value = %v, want %d", res.Value, int64(math.MaxInt64))
	}
}

func TestCallAndReturn(t *testing.T) {
	// 0: Call +2 (callee starts at index 3)
	// 1: PushConst(1) -- the caller's continuation after the callee returns
	// 2: Halt
	// 3: PushConst(0) -- the callee body
	// 4: Return
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpCall, Operand: 2},
			{Op: bytecode.OpPushConst, Operand: 1},
			{Op: bytecode.OpHalt},
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpReturn},
		},
		Constants: []value.Value{value.Int(7), value.Int(9)},
	}
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1000)
	if res.Outcome != OutcomeHalted {
		t.Fatalf("Outcome = %v, want OutcomeHalted (err=%v)", res.Outcome, res.Err)
	}
	if i, ok := res.Value.AsInt(); !ok || i != 9 {
		t.Fatalf("value = %v, want 9 (top of stack is the caller's PushConst, callee's push stays beneath it)", res.Value)
	}
}

func TestCallStackOverflow(t *testing.T) {
	// A single instruction that calls itself: Call +(-1) repeatedly grows the
	// call stack with no matching Return, tripping the bounded depth.
	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpCall, Operand: -1},
			{Op: bytecode.OpHalt},
		},
	}
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1_000_000)
	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want OutcomeError", res.Outcome)
	}
	if !strings.HasPrefix(res.Err.Error(), "call_stack_overflow") {
		t.Fatalf("Err = %v, want call_stack_overflow prefix", res.Err)
	}
}

func TestCallDepthOneBelowLimitSucceeds(t *testing.T) {
	// MaxCallDepth-1 calls, each a no-op jump to the instruction immediately
	// following it (operand 0), still push the call stack on every Call: this
	// exercises exactly depth-1 pushes before the trailing Halt, the boundary
	// one below TestCallStackOverflow's failure.
	var ins []bytecode.Instruction
	for i := 0; i < MaxCallDepth-1; i++ {
		ins = append(ins, bytecode.Instruction{Op: bytecode.OpCall, Operand: 0})
	}
	ins = append(ins, bytecode.Instruction{Op: bytecode.OpHalt})
	code := &bytecode.Bytecode{Instructions: ins}
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), code, 1_000_000)
	if res.Outcome != OutcomeHalted {
		t.Fatalf("Outcome = %v, want OutcomeHalted (err=%v)", res.Outcome, res.Err)
	}
}

func TestIndexIntoSeqAndMap(t *testing.T) {
	seqCode := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpPushConst, Operand: 1},
			{Op: bytecode.OpIndex},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.Seq([]value.Value{value.Int(10), value.Int(20)}), value.Int(1)},
	}
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)
	res := m.Run(context.Background(), seqCode, 1000)
	if res.Outcome != OutcomeHalted {
		t.Fatalf("Outcome = %v, want OutcomeHalted (err=%v)", res.Outcome, res.Err)
	}
	if got, _ := res.Value.AsInt(); got != 20 {
		t.Fatalf("seq[1] = %d, want 20", got)
	}

	mapCode := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpPushConst, Operand: 1},
			{Op: bytecode.OpIndex},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.Map(map[string]value.Value{"k": value.String("v")}), value.String("k")},
	}
	res = m.Run(context.Background(), mapCode, 1000)
	if res.Outcome != OutcomeHalted {
		t.Fatalf("Outcome = %v, want OutcomeHalted (err=%v)", res.Outcome, res.Err)
	}
	if got, _ := res.Value.AsString(); got != "v" {
		t.Fatalf("map[k] = %q, want v", got)
	}
}

func TestCallFfiInvokesRegisteredFunction(t *testing.T) {
	reg := ffi.NewRegistry(nil)
	reg.Register(ffi.Func{
		Name:  "double",
		Arity: 1,
		Handler: func(ctx context.Context, args []value.Value) (value.Value, error) {
			n, _ := args[0].AsInt()
			return value.Int(n * 2), nil
		},
	})

	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpPushConst, Operand: 0},
			{Op: bytecode.OpCallFfi, Operand: 0},
			{Op: bytecode.OpHalt},
		},
		Constants: []value.Value{value.Int(21)},
		FFINames:  []string{"double"},
	}

	m := New(value.NewState(nil), reg, nil)
	res := m.Run(context.Background(), code, 1000)
	if res.Outcome != OutcomeHalted {
		t.Fatalf("Outcome = %v, want OutcomeHalted (err=%v)", res.Outcome, res.Err)
	}
	if got, _ := res.Value.AsInt(); got != 42 {
		t.Fatalf("double(21) = %d, want 42", got)
	}
}

func TestCallFfiDeniesMissingPermission(t *testing.T) {
	reg := ffi.NewRegistry(nil)
	reg.Register(ffi.Func{
		Name:       "restricted",
		Arity:      0,
		Permission: domain.Permission("net.fetch"),
		Handler: func(ctx context.Context, args []value.Value) (value.Value, error) {
			return value.Bool(true), nil
		},
	})

	code := &bytecode.Bytecode{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.OpCallFfi, Operand: 0},
			{Op: bytecode.OpHalt},
		},
		FFINames: []string{"restricted"},
	}

	m := New(value.NewState(nil), reg, nil)
	res := m.Run(context.Background(), code, 1000)
	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want OutcomeError (missing permission)", res.Outcome)
	}
}

func TestTraceCallbackInvokedPerInstruction(t *testing.T) {
	code := halt(bytecode.Instruction{Op: bytecode.OpNop})
	m := New(value.NewState(nil), ffi.NewRegistry(nil), nil)

	var seen []bytecode.Op
	m.SetTrace(func(pc int, op bytecode.Op, gasRemaining uint64) {
		seen = append(seen, op)
	})
	m.Run(context.Background(), code, 1000)

	if len(seen) != 2 {
		t.Fatalf("trace saw %d instructions, want 2 (Nop, Halt)", len(seen))
	}
	if seen[0] != bytecode.OpNop || seen[1] != bytecode.OpHalt {
		t.Fatalf("trace saw %v, want [Nop Halt]", seen)
	}
}
