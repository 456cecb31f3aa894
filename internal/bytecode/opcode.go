// Package bytecode defines the instruction set executed by the VM: opcode
// encoding, operand layout, and the gas cost table each opcode charges
// against a Contract's execution budget.
package bytecode

// Op is a single VM instruction opcode.
type Op uint8

const (
	OpNop Op = iota

	// Stack / constants
	OpPushConst // operand: constant pool index
	OpPop
	OpDup

	// Variable / state access (dot-path into ScopedState)
	OpLoad  // operand: path pool index
	OpStore // operand: path pool index

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	// Comparison
	OpEq
	OpNeq
	OpLt
	OpLe
	OpGt
	OpGe

	// Logical
	OpAnd
	OpOr
	OpNot

	// String / collection
	OpConcat
	OpLen
	OpIndex // seq[i] or map[k], operand-free: pops key then container

	// Control flow
	OpJump        // operand: signed offset relative to the instruction after this one
	OpJumpIfFalse // operand: relative offset, as OpJump
	OpJumpIfTrue  // operand: relative offset, as OpJump
	OpCall        // operand: relative offset to the callee's entry point
	OpReturn
	OpHalt

	// FFI boundary
	OpCallFfi // operand: FFI function-name pool index; pops the registered function's arity in arguments

	// Block-level signalling, emitted at block boundaries by the transpiler
	OpYieldAwaitInput
	OpYieldExternalData
	OpYieldAgentInteraction
	OpYieldLLMProcessing
	OpYieldDisplay
	OpYieldCheckpoint
)

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "unknown"
}

var opNames = [...]string{
	OpNop: "nop", OpPushConst: "push_const", OpPop: "pop", OpDup: "dup",
	OpLoad: "load", OpStore: "store",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod", OpNeg: "neg",
	OpEq: "eq", OpNeq: "neq", OpLt: "lt", OpLe: "le", OpGt: "gt", OpGe: "ge",
	OpAnd: "and", OpOr: "or", OpNot: "not",
	OpConcat: "concat", OpLen: "len", OpIndex: "index",
	OpJump: "jump", OpJumpIfFalse: "jump_if_false", OpJumpIfTrue: "jump_if_true",
	OpCall: "call", OpReturn: "return", OpHalt: "halt",
	OpCallFfi: "call_ffi",
	OpYieldAwaitInput: "yield_await_input", OpYieldExternalData: "yield_external_data",
	OpYieldAgentInteraction: "yield_agent_interaction", OpYieldLLMProcessing: "yield_llm_processing",
	OpYieldDisplay: "yield_display", OpYieldCheckpoint: "yield_checkpoint",
}

// IsPure reports whether an opcode never touches ScopedState or the FFI
// boundary and carries no control-flow or program-exit effect, the
// property the JIT compiler requires to fold an instruction into a
// compiled native region (spec §4.5 "pure" subsequences). Jumps and Halt
// are excluded even though they don't touch state: a fused region runs
// straight through its instructions with no PC tracking, so a jump
// target landing inside one would be unreachable from the interpreter's
// trampoline fallback.
func (op Op) IsPure() bool {
	switch op {
	case OpLoad, OpStore, OpCallFfi,
		OpJump, OpJumpIfFalse, OpJumpIfTrue, OpCall, OpReturn, OpHalt,
		OpYieldAwaitInput, OpYieldExternalData, OpYieldAgentInteraction,
		OpYieldLLMProcessing, OpYieldDisplay, OpYieldCheckpoint:
		return false
	default:
		return true
	}
}

// HasOperand reports whether an opcode uses its Instruction.Operand field.
func (op Op) HasOperand() bool {
	switch op {
	case OpPushConst, OpLoad, OpStore, OpJump, OpJumpIfFalse, OpJumpIfTrue, OpCall, OpCallFfi:
		return true
	default:
		return false
	}
}
