// Package vm implements the gas-metered, stack-based Bytecode VM
// (SPEC_FULL §4.3): a fetch/verify-gas/decrement/execute/advance-IP
// stepper over a bytecode.Bytecode program, an evaluation stack, and the
// FFI call boundary.
package vm

import (
	"context"
	"fmt"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/ffi"
	"github.com/oriys/theatre/internal/value"
)

// Outcome classifies how a Run call ended.
type Outcome uint8

const (
	OutcomeHalted Outcome = iota
	OutcomeYielded
	OutcomeOutOfGas
	OutcomeError
)

// YieldReason identifies which block-level yield opcode produced an
// OutcomeYielded result.
type YieldReason uint8

const (
	YieldNone YieldReason = iota
	YieldAwaitInput
	YieldExternalData
	YieldAgentInteraction
	YieldLLMProcessing
	YieldDisplay
	YieldCheckpoint
)

// Result reports how execution of a bytecode program ended.
type Result struct {
	Outcome    Outcome
	Yield      YieldReason
	Value      value.Value // top-of-stack at Halt, Null otherwise
	GasUsed    uint64
	Err        error
	Instr      int // instruction offset at which execution stopped
}

// Stack errors, part of the spec §7 error taxonomy.
var (
	ErrStackUnderflow = fmt.Errorf("stack_underflow")
	ErrOutOfGas       = fmt.Errorf("out_of_gas")
)

// MaxCallDepth bounds the VM's call stack (SPEC_FULL §4.3): Call pushes
// the return IP, and a program that nests Call deeper than this fails
// with CallStackOverflow rather than growing without bound.
const MaxCallDepth = 256

// Machine is a single bytecode interpreter bound to one ScopedState and
// one FFI registry. A Machine is not safe for concurrent use; the
// Coordinator creates one per in-flight Session step.
type Machine struct {
	state     StateAccessor
	ffi       *ffi.Registry
	gas       *bytecode.GasTable
	stack     []value.Value
	callStack []int
	trace     func(pc int, op bytecode.Op, gasRemaining uint64)
}

// StateAccessor is the subset of value.State the VM needs, so tests can
// substitute a fake.
type StateAccessor interface {
	Get(path string) (value.Value, bool)
	Set(path string, v value.Value) error
}

// New constructs a Machine. A nil gasTable uses bytecode.DefaultGasTable.
func New(state StateAccessor, reg *ffi.Registry, gasTable *bytecode.GasTable) *Machine {
	return &Machine{state: state, ffi: reg, gas: gasTable}
}

// SetTrace installs an instruction-level trace callback, invoked before
// executing each instruction when set. Used by the Observability ambient
// stack to emit Debug-level VM trace lines without cost in the default
// path.
func (m *Machine) SetTrace(fn func(pc int, op bytecode.Op, gasRemaining uint64)) {
	m.trace = fn
}

// Run executes code starting at pc 0 with the given gas budget until a
// Halt, a block-level yield opcode, gas exhaustion, or an error. The
// stepper follows the canonical fetch -> verify gas >= cost -> decrement
// -> execute -> advance IP loop.
func (m *Machine) Run(ctx context.Context, code *bytecode.Bytecode, gasBudget uint64) Result {
	pc := 0
	gasRemaining := gasBudget
	gasUsed := uint64(0)
	m.stack = m.stack[:0]
	m.callStack = m.callStack[:0]

	for {
		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeError, Err: ctx.Err(), Instr: pc, GasUsed: gasUsed}
		default:
		}

		ins, err := code.At(pc)
		if err != nil {
			return Result{Outcome: OutcomeError, Err: err, Instr: pc, GasUsed: gasUsed}
		}

		cost := m.gas.Cost(ins.Op)
		if gasRemaining < cost {
			return Result{Outcome: OutcomeOutOfGas, Err: ErrOutOfGas, Instr: pc, GasUsed: gasUsed}
		}
		gasRemaining -= cost
		gasUsed += cost

		if m.trace != nil {
			m.trace(pc, ins.Op, gasRemaining)
		}

		if y, isYield := yieldFor(ins.Op); isYield {
			return Result{Outcome: OutcomeYielded, Yield: y, Instr: pc, GasUsed: gasUsed}
		}

		next, halted, execErr := m.execute(ctx, code, pc, ins)
		if execErr != nil {
			return Result{Outcome: OutcomeError, Err: execErr, Instr: pc, GasUsed: gasUsed}
		}
		if halted {
			top := value.Null()
			if len(m.stack) > 0 {
				top = m.stack[len(m.stack)-1]
			}
			return Result{Outcome: OutcomeHalted, Value: top, Instr: pc, GasUsed: gasUsed}
		}
		pc = next
	}
}

func yieldFor(op bytecode.Op) (YieldReason, bool) {
	switch op {
	case bytecode.OpYieldAwaitInput:
		return YieldAwaitInput, true
	case bytecode.OpYieldExternalData:
		return YieldExternalData, true
	case bytecode.OpYieldAgentInteraction:
		return YieldAgentInteraction, true
	case bytecode.OpYieldLLMProcessing:
		return YieldLLMProcessing, true
	case bytecode.OpYieldDisplay:
		return YieldDisplay, true
	case bytecode.OpYieldCheckpoint:
		return YieldCheckpoint, true
	default:
		return YieldNone, false
	}
}

func (m *Machine) push(v value.Value) { m.stack = append(m.stack, v) }

func (m *Machine) pop() (value.Value, error) {
	if len(m.stack) == 0 {
		return value.Null(), ErrStackUnderflow
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

func (m *Machine) popN(n int) ([]value.Value, error) {
	if len(m.stack) < n {
		return nil, ErrStackUnderflow
	}
	out := make([]value.Value, n)
	copy(out, m.stack[len(m.stack)-n:])
	m.stack = m.stack[:len(m.stack)-n]
	return out, nil
}
