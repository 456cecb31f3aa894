package bytecode

import (
	"testing"

	"github.com/oriys/theatre/internal/value"
)

func TestFingerprintStableAndContentAddressed(t *testing.T) {
	a := &Bytecode{Instructions: []Instruction{{Op: OpPushConst, Operand: 0}, {Op: OpHalt}}, Constants: []value.Value{value.Int(1)}}
	b := &Bytecode{Instructions: []Instruction{{Op: OpPushConst, Operand: 0}, {Op: OpHalt}}, Constants: []value.Value{value.Int(1)}}
	c := &Bytecode{Instructions: []Instruction{{Op: OpPushConst, Operand: 0}, {Op: OpHalt}}, Constants: []value.Value{value.Int(2)}}

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("identical bytecode produced different fingerprints: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatalf("different constant pools produced the same fingerprint")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatalf("fingerprint is not stable across repeated calls")
	}
}

func TestAtBoundsChecked(t *testing.T) {
	b := &Bytecode{Instructions: []Instruction{{Op: OpHalt}}}

	if _, err := b.At(0); err != nil {
		t.Fatalf("At(0): %v", err)
	}
	if _, err := b.At(1); err == nil {
		t.Fatalf("expected out-of-range error at pc 1")
	}
	if _, err := b.At(-1); err == nil {
		t.Fatalf("expected out-of-range error at pc -1")
	}
}

func TestValidateRejectsMissingHalt(t *testing.T) {
	b := &Bytecode{Instructions: []Instruction{{Op: OpPop}}}
	if err := b.Validate(); err == nil {
		t.Fatalf("expected bytecode_missing_halt error")
	}
}

func TestValidateRejectsOutOfRangeJump(t *testing.T) {
	b := &Bytecode{Instructions: []Instruction{{Op: OpJump, Operand: 5}, {Op: OpHalt}}}
	if err := b.Validate(); err == nil {
		t.Fatalf("expected bytecode_invalid_jump error")
	}
}

func TestValidateRejectsNegativeResolvedJump(t *testing.T) {
	b := &Bytecode{Instructions: []Instruction{{Op: OpJump, Operand: -3}, {Op: OpHalt}}}
	if err := b.Validate(); err == nil {
		t.Fatalf("expected bytecode_invalid_jump error for a target before instruction 0")
	}
}

func TestValidateAcceptsWellFormedStream(t *testing.T) {
	b := &Bytecode{
		Instructions: []Instruction{
			{Op: OpPushConst, Operand: 0},
			{Op: OpLoad, Operand: 0},
			{Op: OpAdd},
			{Op: OpJumpIfFalse, Operand: 0}, // relative: falls through to the instruction right after it (Halt)
			{Op: OpHalt},
		},
		Constants: []value.Value{value.Int(1)},
		Paths:     []string{"x"},
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

// IsPure must exclude every control-flow and program-exit opcode: a
// fused JIT region runs straight through with no PC tracking, so a jump
// or Halt folded into one would be unreachable from the interpreter
// trampoline (see DESIGN.md).
func TestIsPureExcludesControlFlowAndExit(t *testing.T) {
	impure := []Op{
		OpLoad, OpStore, OpCallFfi,
		OpJump, OpJumpIfFalse, OpJumpIfTrue, OpCall, OpReturn, OpHalt,
		OpYieldAwaitInput, OpYieldExternalData, OpYieldAgentInteraction,
		OpYieldLLMProcessing, OpYieldDisplay, OpYieldCheckpoint,
	}
	for _, op := range impure {
		if op.IsPure() {
			t.Errorf("%s.IsPure() = true, want false", op)
		}
	}

	pure := []Op{
		OpNop, OpPushConst, OpPop, OpDup,
		OpAdd, OpSub, OpMul, OpDiv, OpMod, OpNeg,
		OpEq, OpNeq, OpLt, OpLe, OpGt, OpGe,
		OpAnd, OpOr, OpNot,
		OpConcat, OpLen, OpIndex,
	}
	for _, op := range pure {
		if !op.IsPure() {
			t.Errorf("%s.IsPure() = false, want true", op)
		}
	}
}

func TestHasOperand(t *testing.T) {
	withOperand := []Op{OpPushConst, OpLoad, OpStore, OpJump, OpJumpIfFalse, OpJumpIfTrue, OpCall, OpCallFfi}
	for _, op := range withOperand {
		if !op.HasOperand() {
			t.Errorf("%s.HasOperand() = false, want true", op)
		}
	}
	if OpHalt.HasOperand() {
		t.Errorf("OpHalt.HasOperand() = true, want false")
	}
	if OpAdd.HasOperand() {
		t.Errorf("OpAdd.HasOperand() = true, want false")
	}
	if OpReturn.HasOperand() {
		t.Errorf("OpReturn.HasOperand() = true, want false")
	}
}

func TestGasTableDefaultsAndOverride(t *testing.T) {
	if DefaultGasTable.Cost(OpCallFfi) != 50 {
		t.Fatalf("OpCallFfi default cost = %d, want 50", DefaultGasTable.Cost(OpCallFfi))
	}
	if DefaultGasTable.Cost(OpHalt) != 0 {
		t.Fatalf("OpHalt default cost = %d, want 0", DefaultGasTable.Cost(OpHalt))
	}

	custom := NewGasTable()
	custom.SetCost(OpAdd, 100)
	if custom.Cost(OpAdd) != 100 {
		t.Fatalf("custom OpAdd cost = %d, want 100", custom.Cost(OpAdd))
	}
	if DefaultGasTable.Cost(OpAdd) == 100 {
		t.Fatalf("SetCost on a derived table mutated DefaultGasTable's shared backing array")
	}

	var nilTable *GasTable
	if nilTable.Cost(OpMul) != DefaultGasTable.Cost(OpMul) {
		t.Fatalf("nil *GasTable.Cost should fall back to DefaultGasTable")
	}
}
