package bytecode

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/oriys/theatre/internal/value"
)

// Instruction is a single decoded instruction: an opcode plus its operand
// (meaningless when Op.HasOperand() is false).
type Instruction struct {
	Op      Op
	Operand int32
}

// Bytecode is a flat, linear instruction stream compiled for a single
// expression or block body, closed over a constant pool and a path pool
// (dot-paths referenced by Load/Store, interned so the instruction stream
// only carries small integer indices).
type Bytecode struct {
	Instructions []Instruction
	Constants    []value.Value
	Paths        []string
	FFINames     []string

	fingerprint string
}

// Fingerprint returns a stable content hash of the instruction stream,
// constant pool, and path pool. Two Bytecode values compiled from
// identical source produce identical fingerprints; this is the identity
// the Execution Profiler and JIT cache key on.
func (b *Bytecode) Fingerprint() string {
	if b.fingerprint != "" {
		return b.fingerprint
	}
	h := sha256.New()
	for _, ins := range b.Instructions {
		var buf [5]byte
		buf[0] = byte(ins.Op)
		binary.LittleEndian.PutUint32(buf[1:], uint32(ins.Operand))
		h.Write(buf[:])
	}
	for _, c := range b.Constants {
		h.Write([]byte(c.String()))
		h.Write([]byte{0})
	}
	for _, p := range b.Paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	for _, n := range b.FFINames {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	b.fingerprint = hex.EncodeToString(h.Sum(nil))
	return b.fingerprint
}

// Len returns the instruction count.
func (b *Bytecode) Len() int { return len(b.Instructions) }

// At returns the instruction at pc, or a bytecode_bounds error when pc
// lies outside the stream (the compiler always emits an explicit trailing
// Halt, so a well-formed program never reads past its end).
func (b *Bytecode) At(pc int) (Instruction, error) {
	if pc < 0 || pc >= len(b.Instructions) {
		return Instruction{}, fmt.Errorf("bytecode_bounds: pc %d out of range [0,%d)", pc, len(b.Instructions))
	}
	return b.Instructions[pc], nil
}

// Validate checks jump targets and FFI/path pool indices are in range,
// run once by the Transpiler's Pass 2 immediately after code generation.
// Jump/JumpIfFalse/JumpIfTrue/Call operands are offsets relative to the
// instruction following the jump, not absolute instruction indices
// (SPEC_FULL §4.3); a target resolving outside the stream is rejected
// here rather than at execution time.
func (b *Bytecode) Validate() error {
	n := len(b.Instructions)
	for i, ins := range b.Instructions {
		switch ins.Op {
		case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpCall:
			target := i + 1 + int(ins.Operand)
			if target < 0 || target >= n {
				return fmt.Errorf("bytecode_invalid_jump: instruction %d targets out-of-range offset %d (resolves to %d)", i, ins.Operand, target)
			}
		case OpPushConst:
			if int(ins.Operand) < 0 || int(ins.Operand) >= len(b.Constants) {
				return fmt.Errorf("bytecode_invalid_operand: instruction %d constant index %d out of range", i, ins.Operand)
			}
		case OpLoad, OpStore:
			if int(ins.Operand) < 0 || int(ins.Operand) >= len(b.Paths) {
				return fmt.Errorf("bytecode_invalid_operand: instruction %d path index %d out of range", i, ins.Operand)
			}
		case OpCallFfi:
			if int(ins.Operand) < 0 || int(ins.Operand) >= len(b.FFINames) {
				return fmt.Errorf("bytecode_invalid_operand: instruction %d ffi index %d out of range", i, ins.Operand)
			}
		}
	}
	if n == 0 || b.Instructions[n-1].Op != OpHalt {
		return fmt.Errorf("bytecode_missing_halt: instruction stream must end in an implicit Halt")
	}
	return nil
}
